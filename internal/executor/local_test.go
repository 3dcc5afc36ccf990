package executor

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", log.LstdFlags|log.Lmsgprefix)
}

func TestShellExecutorTrimsStdout(t *testing.T) {
	se := NewShellExecutor("", time.Second*5, testLogger())

	out, err := se.Run(context.Background(), "printf '  hello world \\n\\n'")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hello world" {
		t.Errorf("stdout = %q, want %q", out, "hello world")
	}
}

func TestShellExecutorNonZeroExit(t *testing.T) {
	se := NewShellExecutor("", time.Second*5, testLogger())

	_, err := se.Run(context.Background(), "echo 'no such user' >&2; exit 6")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.ExitCode != 6 {
		t.Errorf("exit code = %d, want 6", cmdErr.ExitCode)
	}
	if cmdErr.Error() != "no such user" {
		t.Errorf("error = %q, want stderr text", cmdErr.Error())
	}
	if ExitCodeOf(err) != 6 {
		t.Errorf("ExitCodeOf = %d, want 6", ExitCodeOf(err))
	}
}

func TestShellExecutorTimeout(t *testing.T) {
	se := NewShellExecutor("", 100*time.Millisecond, testLogger())

	start := time.Now()
	_, err := se.Run(context.Background(), "sleep 5")
	if err == nil {
		t.Fatal("expected timeout error")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || !cmdErr.TimedOut {
		t.Fatalf("expected timed out *CommandError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v, expected it to fire near 100ms", elapsed)
	}
}

func TestShellExecutorStartFailure(t *testing.T) {
	se := NewShellExecutor("/nonexistent/shell", time.Second*5, testLogger())

	_, err := se.Run(context.Background(), "true")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.Command != "true" {
		t.Errorf("Command = %q", cmdErr.Command)
	}
	if ExitCodeOf(err) != -1 {
		t.Errorf("ExitCodeOf = %d, want -1", ExitCodeOf(err))
	}
}

func TestShellExecutorDefaults(t *testing.T) {
	se := NewShellExecutor("", 0, nil)
	if se.shell != "/bin/sh" {
		t.Errorf("shell = %q, want /bin/sh", se.shell)
	}
	if se.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", se.timeout, DefaultTimeout)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude7", "claude7"},
		{"/home/claude7/.vnc/passwd", "/home/claude7/.vnc/passwd"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'"'"'s'`},
		{"$(reboot)", "'$(reboot)'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ShellQuote(tt.in); got != tt.want {
				t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestShellQuoteRoundTripsThroughShell(t *testing.T) {
	se := NewShellExecutor("", time.Second*5, testLogger())
	values := []string{"plain", "with space", "it's", "$HOME", "a;b|c"}

	for _, v := range values {
		out, err := se.Run(context.Background(), "printf '%s' "+ShellQuote(v))
		if err != nil {
			t.Fatalf("run %q: %v", v, err)
		}
		if out != v {
			t.Errorf("shell saw %q, want %q", out, v)
		}
	}
}
