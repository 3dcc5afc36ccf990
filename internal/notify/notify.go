// Package notify announces session lifecycle events to an incoming webhook.
// The payload carries a Slack-compatible "text" field next to the structured
// event, so the same URL works for Slack and for custom receivers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vncprov/pkg/protocol"
)

// Notifier delivers lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event protocol.HistoryEntry) error
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, protocol.HistoryEntry) error { return nil }

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Text  string                `json:"text"`
	Event protocol.HistoryEntry `json:"event"`
}

// Webhook posts events to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a notifier posting to url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify posts event and reports any non-2xx answer as an error.
func (w *Webhook) Notify(ctx context.Context, event protocol.HistoryEntry) error {
	data, err := json.Marshal(Payload{Text: Summary(event), Event: event})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Summary renders event as one line of human-readable text.
func Summary(event protocol.HistoryEntry) string {
	subject := event.Session
	if subject == "" {
		subject = "new session"
	}
	if event.Success {
		switch event.Operation {
		case protocol.OpProvision:
			return fmt.Sprintf("Provisioned %s", subject)
		case protocol.OpDeprovision:
			if event.DeleteAccount {
				return fmt.Sprintf("Deprovisioned %s and deleted its account", subject)
			}
			return fmt.Sprintf("Deprovisioned %s", subject)
		}
		return fmt.Sprintf("%s %s succeeded", event.Operation, subject)
	}
	if event.Step != "" {
		return fmt.Sprintf("Failed to %s %s at %s: %s", event.Operation, subject, event.Step, event.Error)
	}
	return fmt.Sprintf("Failed to %s %s: %s", event.Operation, subject, event.Error)
}
