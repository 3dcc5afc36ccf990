package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vncprov/pkg/protocol"
)

// AuditLogger appends provisioning history in JSON-lines format.
type AuditLogger struct {
	writer io.WriteCloser
	path   string
	mu     sync.Mutex
}

// NewAuditLogger opens the journal at path for appending. An empty path
// disables journaling.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{writer: file, path: path}, nil
}

// Log appends entry, stamping it with the current time if unset.
func (al *AuditLogger) Log(entry protocol.HistoryEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := al.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Path returns the journal location, empty when journaling is disabled.
func (al *AuditLogger) Path() string {
	return al.path
}

// Close closes the journal.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.writer.Close()
}

// ReadAuditLog returns every entry in the journal at path, oldest first.
// A missing file yields no entries; malformed lines are skipped.
func ReadAuditLog(path string) ([]protocol.HistoryEntry, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []protocol.HistoryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry protocol.HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
