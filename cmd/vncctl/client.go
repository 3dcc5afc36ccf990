package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"vncprov/pkg/protocol"
)

// Client is the HTTP client for the provisioner API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
}

// Users lists sessions.
func (c *Client) Users(ctx context.Context) ([]protocol.User, error) {
	var resp protocol.UsersResponse
	if err := c.do(ctx, http.MethodGet, protocol.PathUsers, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// User fetches one session with its connection details.
func (c *Client) User(ctx context.Context, name string) (*protocol.UserResponse, error) {
	var resp protocol.UserResponse
	if err := c.do(ctx, http.MethodGet, protocol.PathUsers+"/"+url.PathEscape(name), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Provision creates the next session.
func (c *Client) Provision(ctx context.Context) (*protocol.User, error) {
	var resp protocol.ProvisionResponse
	if err := c.do(ctx, http.MethodPost, protocol.PathProvision, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Deprovision removes a session and returns the server's message.
func (c *Client) Deprovision(ctx context.Context, name string, deleteUser bool) (string, error) {
	path := fmt.Sprintf("%s/%s?deleteUser=%t", protocol.PathDeprovision, url.PathEscape(name), deleteUser)
	var resp protocol.DeprovisionResponse
	if err := c.do(ctx, http.MethodDelete, path, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Health checks the API.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var resp protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, protocol.PathHealth, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns provisioning history, the last limit entries when limit > 0.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.HistoryEntry, error) {
	path := protocol.PathHistory
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []protocol.HistoryEntry
	if err := c.do(ctx, http.MethodGet, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr protocol.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Step != "" {
				return fmt.Errorf("HTTP %d: %s (step %s)", resp.StatusCode, apiErr.Error, apiErr.Step)
			}
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
