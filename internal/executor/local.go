package executor

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ShellExecutor runs commands directly on the host through /bin/sh.
type ShellExecutor struct {
	shell   string
	timeout time.Duration
	logger  *log.Logger
}

// NewShellExecutor creates a host command executor. An empty shell means
// /bin/sh and a zero timeout means DefaultTimeout.
func NewShellExecutor(shell string, timeout time.Duration, logger *log.Logger) *ShellExecutor {
	if logger == nil {
		logger = log.New(os.Stdout, "[exec] ", log.LstdFlags|log.Lmsgprefix)
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ShellExecutor{shell: shell, timeout: timeout, logger: logger}
}

// Run executes command with "<shell> -c" and returns trimmed stdout.
func (se *ShellExecutor) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	se.logger.Printf("run: %s", command)

	cmd := exec.CommandContext(ctx, se.shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Don't let a grandchild holding the pipes keep us past the deadline.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		se.logger.Printf("TIMEOUT: %s exceeded %v", command, se.timeout)
		return "", &CommandError{Command: command, Stderr: stderr.String(), ExitCode: -1, TimedOut: true}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		se.logger.Printf("command failed (exit %d): %s: %s", exitErr.ExitCode(), command, strings.TrimSpace(stderr.String()))
		return "", &CommandError{Command: command, Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}
	}

	se.logger.Printf("command failed to start: %s: %v", command, err)
	return "", &CommandError{Command: command, Stderr: err.Error(), ExitCode: -1}
}
