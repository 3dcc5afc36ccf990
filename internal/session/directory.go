package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"vncprov/internal/executor"
)

// listAccountsCommand prints one account name per line.
const listAccountsCommand = "getent passwd | cut -d: -f1"

// Directory enumerates sessions from the host's account database.
// It is read-only and keeps no state between calls.
type Directory struct {
	exec   executor.Executor
	naming *Naming
	order  Order
	logger *log.Logger
}

// NewDirectory creates a session directory backed by exec.
func NewDirectory(exec executor.Executor, naming *Naming, order Order, logger *log.Logger) *Directory {
	if logger == nil {
		logger = log.New(os.Stdout, "[directory] ", log.LstdFlags|log.Lmsgprefix)
	}
	if order == "" {
		order = OrderName
	}
	return &Directory{exec: exec, naming: naming, order: order, logger: logger}
}

// Names returns the account names that follow the session naming pattern,
// in the order the account database reports them.
func (d *Directory) Names(ctx context.Context) ([]string, error) {
	out, err := d.exec.Run(ctx, listAccountsCommand)
	if err != nil {
		return nil, fmt.Errorf("enumerate accounts: %w", err)
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if _, err := d.naming.ParseOrdinal(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// List returns every session with a freshly probed Running flag.
func (d *Directory) List(ctx context.Context) ([]Session, error) {
	names, err := d.Names(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(names))
	for _, name := range names {
		s, err := d.naming.Describe(name)
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Running = d.Probe(ctx, s.DisplayPort)
		}(&sessions[i])
	}
	wg.Wait()

	d.sort(sessions)
	return sessions, nil
}

// Get returns a single session by name.
func (d *Directory) Get(ctx context.Context, name string) (*Session, error) {
	s, err := d.naming.Describe(name)
	if err != nil {
		return nil, err
	}

	names, err := d.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n == name {
			s.Running = d.Probe(ctx, s.DisplayPort)
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
}

// Probe reports whether a TCP listener is bound to port. It tries netstat
// first and falls back to ss. Any failure reads as not running.
func (d *Directory) Probe(ctx context.Context, port int) bool {
	if _, err := d.exec.Run(ctx, ProbeCommand(port)); err != nil {
		return false
	}
	return true
}

// ProbeCommand returns the shell command that exits 0 iff port is listening.
func ProbeCommand(port int) string {
	match := fmt.Sprintf("grep -Eq ':%d([^0-9]|$)'", port)
	return fmt.Sprintf("netstat -tln 2>/dev/null | %s || ss -tln 2>/dev/null | %s", match, match)
}

func (d *Directory) sort(sessions []Session) {
	switch d.order {
	case OrderOrdinal:
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Ordinal < sessions[j].Ordinal })
	default:
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	}
}
