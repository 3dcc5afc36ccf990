// Package executor implements the command execution strategies used by the
// provisioner: Shell (run on this host) and Docker (run inside the container
// that hosts the desktops). Every interaction with the operating system goes
// through an Executor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds every command when the caller does not configure one.
const DefaultTimeout = 60 * time.Second

// Executor runs a shell command line and returns its trimmed stdout.
type Executor interface {
	// Run executes command with the host's shell. A non-zero exit or a
	// timeout is reported as a *CommandError.
	Run(ctx context.Context, command string) (string, error)
}

// CommandError reports a command that exited non-zero or timed out.
type CommandError struct {
	Command  string
	Stderr   string
	ExitCode int
	TimedOut bool
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command timed out: %s", e.Command)
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Command)
}

// ExitCodeOf returns the exit code carried by err, or -1 if err is not a
// *CommandError.
func ExitCodeOf(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// ShellQuote quotes s for /bin/sh. Values made only of safe characters are
// returned unchanged so logged command lines stay readable.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafeRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./_-", r)
}
