package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"vncprov/internal/executor"
	"vncprov/internal/executor/executortest"
	"vncprov/internal/session"
	"vncprov/internal/vault"

	"filippo.io/age"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", log.LstdFlags|log.Lmsgprefix)
}

func testNaming(t *testing.T) *session.Naming {
	t.Helper()
	n, err := session.NewNaming("claude", 5900, 6)
	if err != nil {
		t.Fatalf("NewNaming: %v", err)
	}
	return n
}

// listenOnStart marks a session's display port as listening once its unit
// starts, the way a real VNC server would.
func listenOnStart(n *session.Naming) func(h *executortest.Host, unit string) {
	return func(h *executortest.Host, unit string) {
		name := strings.TrimSuffix(strings.TrimPrefix(unit, "vncserver-"), ".service")
		if ord, err := n.ParseOrdinal(name); err == nil {
			h.Listen(n.DisplayPort(ord))
		}
	}
}

func newTestProvisioner(t *testing.T, host *executortest.Host, mutate func(*Config)) (*Provisioner, string) {
	t.Helper()
	n := testNaming(t)
	tempDir := t.TempDir()
	cfg := Config{
		Executor:       host,
		Naming:         n,
		Directory:      session.NewDirectory(host, n, session.OrderName, testLogger()),
		SharedPassword: "11142006",
		TempDir:        tempDir,
		Rollback:       true,
		Logger:         testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, tempDir
}

// matchCommands compares commands against patterns where "*" stands for a
// staged temp file path.
func matchCommands(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ran %d commands, want %d:\n%s", len(got), len(want), strings.Join(got, "\n"))
	}
	for i, pattern := range want {
		re := regexp.MustCompile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `\S+`) + "$")
		if !re.MatchString(got[i]) {
			t.Errorf("command %d = %q, want %q", i, got[i], pattern)
		}
	}
}

func TestProvisionEmptyHost(t *testing.T) {
	n := testNaming(t)
	host := executortest.NewHost()
	host.OnStart = listenOnStart(n)
	p, tempDir := newTestProvisioner(t, host, nil)

	s, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if s.Name != "claude7" || s.Ordinal != 7 || s.DisplayPort != 5907 {
		t.Errorf("session = %+v, want claude7 on 5907", s)
	}
	if !s.Running {
		t.Error("expected running after start")
	}
	if s.Protected {
		t.Error("new session must not be protected")
	}

	matchCommands(t, host.Commands(), []string{
		"getent passwd | cut -d: -f1",
		"useradd -m -s /bin/bash claude7",
		"mkdir -p /home/claude7/.vnc",
		"cp * /home/claude7/.vnc/xstartup",
		"chmod 755 /home/claude7/.vnc/xstartup",
		"vncpasswd -f < * > /home/claude7/.vnc/passwd",
		"chmod 600 /home/claude7/.vnc/passwd",
		"chown -R claude7:claude7 /home/claude7/.vnc",
		"cp * /etc/systemd/system/vncserver-claude7.service",
		"systemctl daemon-reload",
		"systemctl enable vncserver-claude7.service",
		"systemctl start vncserver-claude7.service",
		"netstat -tln 2>/dev/null | grep -Eq ':5907([^0-9]|$)' || ss -tln 2>/dev/null | grep -Eq ':5907([^0-9]|$)'",
	})

	if !host.HasAccount("claude7") || !host.IsEnabled("vncserver-claude7.service") || !host.IsActive("vncserver-claude7.service") {
		t.Error("host state incomplete after provisioning")
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staged files left behind: %v", entries)
	}
}

func TestProvisionAfterExistingSessions(t *testing.T) {
	host := executortest.NewHost("claude1", "claude2", "claude3", "claude4", "claude5", "claude6", "claude9")
	p, _ := newTestProvisioner(t, host, nil)

	s, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if s.Name != "claude10" || s.DisplayPort != 5910 {
		t.Errorf("session = %+v, want claude10 on 5910", s)
	}
	if s.Running {
		t.Error("nothing listens on 5910, expected running=false")
	}
}

func TestProvisionNeverLogsPassword(t *testing.T) {
	host := executortest.NewHost()
	p, _ := newTestProvisioner(t, host, nil)

	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	for _, cmd := range host.Commands() {
		if strings.Contains(cmd, "11142006") {
			t.Errorf("password visible in command %q", cmd)
		}
	}
}

func TestProvisionStepFailure(t *testing.T) {
	tests := []struct {
		name      string
		failOn    string
		step      string
		index     int
		wantUndo  []string
		noAccount bool
	}{
		{
			name:     "enable fails",
			failOn:   "systemctl enable",
			step:     StepEnableUnit,
			index:    9,
			wantUndo: []string{"rm -f /etc/systemd/system/vncserver-claude7.service", "systemctl daemon-reload", "userdel -r claude7"},
		},
		{
			name:     "start fails",
			failOn:   "systemctl start",
			step:     StepStartUnit,
			index:    10,
			wantUndo: []string{"systemctl disable vncserver-claude7.service", "rm -f /etc/systemd/system/vncserver-claude7.service", "systemctl daemon-reload", "userdel -r claude7"},
		},
		{
			name:     "password fails",
			failOn:   "vncpasswd",
			step:     StepSetDisplayPassword,
			index:    5,
			wantUndo: []string{"userdel -r claude7"},
		},
		{
			name:      "account exists",
			failOn:    "useradd",
			step:      StepCreateAccount,
			index:     2,
			noAccount: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := executortest.NewHost()
			host.FailOn(tt.failOn, nil)
			p, _ := newTestProvisioner(t, host, nil)

			_, err := p.Provision(context.Background())
			var perr *ProvisionError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want *ProvisionError", err)
			}
			if perr.Step != tt.step || perr.Index != tt.index || perr.Session != "claude7" {
				t.Errorf("ProvisionError = step %s index %d session %s, want %s %d claude7",
					perr.Step, perr.Index, perr.Session, tt.step, tt.index)
			}
			if perr.RollbackErr != nil {
				t.Errorf("RollbackErr = %v", perr.RollbackErr)
			}
			var cmdErr *executor.CommandError
			if !errors.As(err, &cmdErr) {
				t.Errorf("cause should unwrap to *executor.CommandError, got %v", perr.Cause)
			}

			cmds := host.Commands()
			failedAt := -1
			for i, c := range cmds {
				if strings.HasPrefix(c, tt.failOn) {
					failedAt = i
				}
			}
			undo := cmds[failedAt+1:]
			if len(undo) != len(tt.wantUndo) {
				t.Fatalf("rollback ran %v, want %v", undo, tt.wantUndo)
			}
			for i := range undo {
				if undo[i] != tt.wantUndo[i] {
					t.Errorf("rollback[%d] = %q, want %q", i, undo[i], tt.wantUndo[i])
				}
			}

			if host.HasAccount("claude7") {
				t.Error("account survived rollback")
			}
			if host.HasUnitFile("/etc/systemd/system/vncserver-claude7.service") {
				t.Error("unit file survived rollback")
			}
			if tt.noAccount {
				for _, c := range cmds {
					if strings.HasPrefix(c, "userdel") {
						t.Errorf("must not delete an account it did not create: %q", c)
					}
				}
			}
		})
	}
}

func TestProvisionWithoutRollbackLeavesPartialState(t *testing.T) {
	host := executortest.NewHost()
	host.FailOn("systemctl start", nil)
	p, _ := newTestProvisioner(t, host, func(c *Config) { c.Rollback = false })

	_, err := p.Provision(context.Background())
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Step != StepStartUnit {
		t.Fatalf("err = %v, want start-unit failure", err)
	}
	if !host.HasAccount("claude7") {
		t.Error("account should remain without rollback")
	}
	if !host.IsEnabled("vncserver-claude7.service") {
		t.Error("unit should remain enabled without rollback")
	}
	if !strings.Contains(err.Error(), "step 10 (start-unit)") {
		t.Errorf("error message %q should name the step", err)
	}
}

func TestProvisionRollbackFailuresAreAggregated(t *testing.T) {
	host := executortest.NewHost()
	host.FailOn("systemctl start", nil)
	host.FailOn("systemctl disable", nil)
	host.FailOn("userdel", nil)
	p, _ := newTestProvisioner(t, host, nil)

	_, err := p.Provision(context.Background())
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisionError", err)
	}
	if perr.RollbackErr == nil {
		t.Fatal("expected rollback errors")
	}
	msg := perr.RollbackErr.Error()
	for _, want := range []string{"undo enable-unit", "undo create-account"} {
		if !strings.Contains(msg, want) {
			t.Errorf("rollback error %q missing %q", msg, want)
		}
	}
	if !strings.Contains(err.Error(), "rollback incomplete") {
		t.Errorf("error %q should mention the incomplete rollback", err)
	}
}

func TestProvisionAllocationFailure(t *testing.T) {
	host := executortest.NewHost()
	host.FailOn("getent", nil)
	p, _ := newTestProvisioner(t, host, nil)

	_, err := p.Provision(context.Background())
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Step != StepAllocate || perr.Index != 1 {
		t.Fatalf("err = %v, want allocate failure", err)
	}
	if len(host.Commands()) != 1 {
		t.Errorf("ran %v after failed allocation", host.Commands())
	}
}

func TestProvisionSealsGeneratedPassword(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	v, err := vault.New(vault.Config{
		Dir:        filepath.Join(t.TempDir(), "vault"),
		Recipients: []string{identity.Recipient().String()},
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	host := executortest.NewHost()
	p, _ := newTestProvisioner(t, host, func(c *Config) {
		c.Vault = v
		c.SharedPassword = ""
	})

	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	pw, err := v.Reveal("claude7", identity)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if len(pw) != vault.PasswordLength {
		t.Errorf("password %q has length %d", pw, len(pw))
	}
	for _, cmd := range host.Commands() {
		if strings.Contains(cmd, pw) {
			t.Errorf("generated password visible in %q", cmd)
		}
	}
}

func TestProvisionRollbackRemovesSealedPassword(t *testing.T) {
	identity, _ := age.GenerateX25519Identity()
	v, err := vault.New(vault.Config{
		Dir:        filepath.Join(t.TempDir(), "vault"),
		Recipients: []string{identity.Recipient().String()},
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	host := executortest.NewHost()
	host.FailOn("chown", nil)
	p, _ := newTestProvisioner(t, host, func(c *Config) { c.Vault = v })

	if _, err := p.Provision(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if v.Has("claude7") {
		t.Error("sealed password survived rollback")
	}
}

func TestProvisionConcurrentRequestsGetDistinctOrdinals(t *testing.T) {
	n := testNaming(t)
	host := executortest.NewHost("claude1", "claude2", "claude3")
	host.OnStart = listenOnStart(n)
	p, _ := newTestProvisioner(t, host, nil)

	const workers = 5
	var wg sync.WaitGroup
	names := make(chan string, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Provision(context.Background())
			if err != nil {
				errs <- err
				return
			}
			names <- s.Name
		}()
	}
	wg.Wait()
	close(names)
	close(errs)

	for err := range errs {
		t.Errorf("Provision: %v", err)
	}
	seen := map[string]bool{}
	for name := range names {
		if seen[name] {
			t.Errorf("ordinal handed out twice: %s", name)
		}
		seen[name] = true
	}
	for i := 7; i < 7+workers; i++ {
		if !seen[fmt.Sprintf("claude%d", i)] {
			t.Errorf("claude%d was not provisioned (got %v)", i, seen)
		}
	}
}

func TestProvisionLockTimeout(t *testing.T) {
	locker := NewMutexLocker()
	unlock, err := locker.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	host := executortest.NewHost()
	p, _ := newTestProvisioner(t, host, func(c *Config) {
		c.Locker = locker
		c.LockWait = 50 * time.Millisecond
	})

	_, err = p.Provision(context.Background())
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Step != StepLock {
		t.Fatalf("err = %v, want lock failure", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if len(host.Commands()) != 0 {
		t.Errorf("ran %v without the lock", host.Commands())
	}
}

func TestNewRequiresPasswordSource(t *testing.T) {
	host := executortest.NewHost()
	n := testNaming(t)
	_, err := New(Config{
		Executor:  host,
		Naming:    n,
		Directory: session.NewDirectory(host, n, session.OrderName, testLogger()),
	})
	if err == nil {
		t.Fatal("expected error without vault or shared password")
	}
}
