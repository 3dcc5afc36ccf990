package provision

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"vncprov/internal/executor"
	"vncprov/internal/executor/executortest"
	"vncprov/internal/session"
	"vncprov/internal/vault"

	"filippo.io/age"
)

func newTestDeprovisioner(t *testing.T, host *executortest.Host, v *vault.Vault) *Deprovisioner {
	t.Helper()
	d, err := NewDeprovisioner(DeprovisionConfig{
		Executor: host,
		Naming:   testNaming(t),
		Vault:    v,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDeprovisioner: %v", err)
	}
	return d
}

func TestDeprovisionGuardsRunNoCommands(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"claude", session.ErrProtectedSession},
		{"claude1", session.ErrProtectedSession},
		{"claude3", session.ErrProtectedSession},
		{"claude6", session.ErrProtectedSession},
		{"bob", session.ErrInvalidSession},
		{"claudette", session.ErrInvalidSession},
		{"claude7; rm -rf /", session.ErrInvalidSession},
		{"", session.ErrInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := executortest.NewHost("claude1", "claude3", "claude6")
			d := newTestDeprovisioner(t, host, nil)

			err := d.Deprovision(context.Background(), tt.name, true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Deprovision(%q) err = %v, want %v", tt.name, err, tt.want)
			}
			if cmds := host.Commands(); len(cmds) != 0 {
				t.Errorf("ran %v before the guard rejected %q", cmds, tt.name)
			}
		})
	}
}

func TestDeprovisionProtectedMessage(t *testing.T) {
	d := newTestDeprovisioner(t, executortest.NewHost(), nil)
	err := d.Deprovision(context.Background(), "claude3", false)
	if err == nil || !strings.Contains(err.Error(), "cannot deprovision base users (claude1-6)") {
		t.Errorf("err = %v", err)
	}
}

func TestDeprovisionRemovesSession(t *testing.T) {
	n := testNaming(t)
	host := executortest.NewHost()
	host.OnStart = listenOnStart(n)
	p, _ := newTestProvisioner(t, host, nil)
	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	host.Reset()

	d := newTestDeprovisioner(t, host, nil)
	if err := d.Deprovision(context.Background(), "claude7", true); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}

	want := []string{
		"systemctl stop vncserver-claude7.service",
		"systemctl disable vncserver-claude7.service",
		"rm -f /etc/systemd/system/vncserver-claude7.service",
		"systemctl daemon-reload",
		"userdel -r claude7",
	}
	matchCommands(t, host.Commands(), want)

	if host.HasAccount("claude7") {
		t.Error("account still present")
	}
	if host.HasUnitFile("/etc/systemd/system/vncserver-claude7.service") {
		t.Error("unit file still present")
	}
	if host.IsActive("vncserver-claude7.service") || host.IsEnabled("vncserver-claude7.service") {
		t.Error("unit still active or enabled")
	}
}

func TestDeprovisionKeepsAccount(t *testing.T) {
	host := executortest.NewHost()
	p, _ := newTestProvisioner(t, host, nil)
	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	d := newTestDeprovisioner(t, host, nil)
	if err := d.Deprovision(context.Background(), "claude7", false); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if !host.HasAccount("claude7") {
		t.Error("account removed although deleteAccount was false")
	}
	if host.HasUnitFile("/etc/systemd/system/vncserver-claude7.service") {
		t.Error("unit file still present")
	}
	for _, cmd := range host.Commands() {
		if strings.HasPrefix(cmd, "userdel") {
			t.Errorf("unexpected %q", cmd)
		}
	}
}

func TestDeprovisionIsIdempotent(t *testing.T) {
	host := executortest.NewHost()
	d := newTestDeprovisioner(t, host, nil)

	// Nothing exists: stop and disable fail, userdel reports no such user.
	for i := 0; i < 2; i++ {
		if err := d.Deprovision(context.Background(), "claude12", true); err != nil {
			t.Fatalf("Deprovision #%d: %v", i+1, err)
		}
	}
}

func TestDeprovisionUserdelExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr bool
	}{
		{"no such user", 6, false},
		{"home already gone", 12, false},
		{"busy", 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := executortest.NewHost("claude9")
			host.FailOn("userdel", &executor.CommandError{Command: "userdel -r claude9", ExitCode: tt.code})
			d := newTestDeprovisioner(t, host, nil)

			err := d.Deprovision(context.Background(), "claude9", true)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Deprovision: %v", err)
			}
		})
	}
}

func TestDeprovisionRemovesSealedPassword(t *testing.T) {
	identity, _ := age.GenerateX25519Identity()
	v, err := vault.New(vault.Config{
		Dir:        filepath.Join(t.TempDir(), "vault"),
		Recipients: []string{identity.Recipient().String()},
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	if err := v.Store("claude8", "pw"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	host := executortest.NewHost("claude8")
	d := newTestDeprovisioner(t, host, v)
	if err := d.Deprovision(context.Background(), "claude8", true); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if v.Has("claude8") {
		t.Error("sealed password survived deprovisioning")
	}
}

func TestDeprovisionUnitRemovalFailure(t *testing.T) {
	host := executortest.NewHost("claude8")
	host.FailOn("rm -f", nil)
	d := newTestDeprovisioner(t, host, nil)

	if err := d.Deprovision(context.Background(), "claude8", true); err == nil {
		t.Fatal("expected error")
	}
	if !host.HasAccount("claude8") {
		t.Error("account deleted although unit removal failed")
	}
}
