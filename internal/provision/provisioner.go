// Package provision creates and removes VNC desktop sessions on the host by
// driving account management, vncpasswd and systemd through an Executor.
package provision

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"vncprov/internal/executor"
	"vncprov/internal/session"
	"vncprov/internal/vault"

	"github.com/hashicorp/go-multierror"
)

// Step names reported by ProvisionError.
const (
	StepLock                 = "acquire-lock"
	StepAllocate             = "allocate"
	StepCreateAccount        = "create-account"
	StepCreateConfigDir      = "create-config-dir"
	StepInstallStartupScript = "install-startup-script"
	StepSetDisplayPassword   = "set-display-password"
	StepSetOwnership         = "set-ownership"
	StepInstallUnit          = "install-unit"
	StepReloadUnits          = "reload-units"
	StepEnableUnit           = "enable-unit"
	StepStartUnit            = "start-unit"
)

// ProvisionError reports which step of a provisioning sequence failed.
// Index counts from 1 (allocate); lock acquisition is step 0.
type ProvisionError struct {
	Step    string
	Index   int
	Session string
	Cause   error
	// RollbackErr holds every compensation that failed, or nil.
	RollbackErr error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision failed at step %d (%s)", e.Index, e.Step)
	if e.Session != "" {
		msg = fmt.Sprintf("provision %s failed at step %d (%s)", e.Session, e.Index, e.Step)
	}
	msg += ": " + e.Cause.Error()
	if e.RollbackErr != nil {
		msg += "; rollback incomplete: " + e.RollbackErr.Error()
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Cause }

// Config holds configuration for creating a Provisioner.
type Config struct {
	Executor  executor.Executor
	Naming    *session.Naming
	Directory *session.Directory
	Locker    Locker

	// Vault, when set, receives a per-session generated password. Without
	// it every session gets SharedPassword.
	Vault          *vault.Vault
	SharedPassword string

	HomeRoot   string // default /home
	UnitDir    string // default /etc/systemd/system
	TempDir    string // staging dir for rendered files, default os.TempDir()
	LoginShell string // default /bin/bash
	Desktop    string // default startxfce4
	Geometry   string // default 1920x1080
	Depth      int    // default 24

	// SettleDelay is how long to wait after start before probing. Zero
	// probes immediately.
	SettleDelay time.Duration
	// LockWait bounds how long Provision waits for the allocation lock.
	LockWait time.Duration
	// Rollback undoes completed steps when a later one fails.
	Rollback bool

	Logger *log.Logger
}

// Provisioner creates sessions.
type Provisioner struct {
	cfg       Config
	exec      executor.Executor
	naming    *session.Naming
	dir       *session.Directory
	allocator *session.Allocator
	locker    Locker
	logger    *log.Logger
}

// New creates a provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Executor == nil || cfg.Naming == nil || cfg.Directory == nil {
		return nil, fmt.Errorf("executor, naming and directory are required")
	}
	if cfg.Vault == nil && cfg.SharedPassword == "" {
		return nil, fmt.Errorf("either a vault or a shared password is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[provisioner] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMutexLocker()
	}
	if cfg.HomeRoot == "" {
		cfg.HomeRoot = "/home"
	}
	if cfg.UnitDir == "" {
		cfg.UnitDir = "/etc/systemd/system"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LoginShell == "" {
		cfg.LoginShell = "/bin/bash"
	}
	if cfg.Desktop == "" {
		cfg.Desktop = "startxfce4"
	}
	if cfg.Geometry == "" {
		cfg.Geometry = "1920x1080"
	}
	if cfg.Depth == 0 {
		cfg.Depth = 24
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Minute
	}

	return &Provisioner{
		cfg:       cfg,
		exec:      cfg.Executor,
		naming:    cfg.Naming,
		dir:       cfg.Directory,
		allocator: session.NewAllocator(cfg.Directory, cfg.Naming),
		locker:    cfg.Locker,
		logger:    cfg.Logger,
	}, nil
}

// target is the session being built.
type target struct {
	name    string
	ordinal int
	port    int
	unit    string
	paths   hostPaths
}

type step struct {
	name string
	run  func(ctx context.Context, t *target) error
	// undo compensates a completed run; nil when a later compensation
	// already covers it.
	undo func(ctx context.Context, t *target) error
}

func (p *Provisioner) steps() []step {
	return []step{
		{
			name: StepCreateAccount,
			run: func(ctx context.Context, t *target) error {
				return p.run(ctx, useraddCmd(p.cfg.LoginShell, t.name))
			},
			undo: func(ctx context.Context, t *target) error {
				return removeAccount(ctx, p.exec, t.name)
			},
		},
		{
			name: StepCreateConfigDir,
			run: func(ctx context.Context, t *target) error {
				return p.run(ctx, mkdirCmd(t.paths.vncDir))
			},
		},
		{
			name: StepInstallStartupScript,
			run:  p.installStartupScript,
		},
		{
			name: StepSetDisplayPassword,
			run:  p.setDisplayPassword,
			undo: func(ctx context.Context, t *target) error {
				if p.cfg.Vault == nil {
					return nil
				}
				return p.cfg.Vault.Remove(t.name)
			},
		},
		{
			name: StepSetOwnership,
			run: func(ctx context.Context, t *target) error {
				return p.run(ctx, chownCmd(t.name, t.paths.vncDir))
			},
		},
		{
			name: StepInstallUnit,
			run:  p.installUnit,
			undo: func(ctx context.Context, t *target) error {
				if err := p.run(ctx, removeCmd(t.paths.unitPath)); err != nil {
					return err
				}
				return p.run(ctx, reloadUnitsCmd)
			},
		},
		{
			name: StepReloadUnits,
			run: func(ctx context.Context, t *target) error {
				return p.run(ctx, reloadUnitsCmd)
			},
		},
		{
			name: StepEnableUnit,
			run: func(ctx context.Context, t *target) error {
				return p.run(ctx, systemctlCmd("enable", t.unit))
			},
			undo: func(ctx context.Context, t *target) error {
				return p.run(ctx, systemctlCmd("disable", t.unit))
			},
		},
		{
			name: StepStartUnit,
			run: func(ctx context.Context, t *target) error {
				return p.run(ctx, systemctlCmd("start", t.unit))
			},
			undo: func(ctx context.Context, t *target) error {
				return p.run(ctx, systemctlCmd("stop", t.unit))
			},
		},
	}
}

// Provision allocates the next ordinal and brings up its session. The
// allocation lock is held for the whole sequence. On failure the returned
// error is a *ProvisionError.
func (p *Provisioner) Provision(ctx context.Context) (*session.Session, error) {
	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockWait)
	unlock, err := p.locker.Lock(lockCtx)
	cancel()
	if err != nil {
		return nil, &ProvisionError{Step: StepLock, Index: 0, Cause: err}
	}
	defer unlock()

	ordinal, err := p.allocator.Next(ctx)
	if err != nil {
		return nil, &ProvisionError{Step: StepAllocate, Index: 1, Cause: err}
	}

	name := p.naming.Name(ordinal)
	unit := p.naming.UnitName(name)
	t := &target{
		name:    name,
		ordinal: ordinal,
		port:    p.naming.DisplayPort(ordinal),
		unit:    unit,
		paths:   pathsFor(p.cfg.HomeRoot, p.cfg.UnitDir, name, unit),
	}
	p.logger.Printf("provisioning %s (display :%d, port %d)", t.name, t.ordinal, t.port)

	var done []step
	for i, st := range p.steps() {
		if err := st.run(ctx, t); err != nil {
			perr := &ProvisionError{Step: st.name, Index: i + 2, Session: t.name, Cause: err}
			p.logger.Printf("%s: step %s failed: %v", t.name, st.name, err)
			if p.cfg.Rollback {
				perr.RollbackErr = p.rollback(ctx, t, done)
			}
			return nil, perr
		}
		done = append(done, st)
	}

	running := p.verify(ctx, t)
	p.logger.Printf("provisioned %s (running=%v)", t.name, running)

	return &session.Session{
		Name:        t.name,
		Ordinal:     t.ordinal,
		DisplayPort: t.port,
		Running:     running,
		Protected:   p.naming.IsProtected(t.ordinal),
	}, nil
}

// rollback runs the compensations of done in reverse and collects their
// failures.
func (p *Provisioner) rollback(ctx context.Context, t *target, done []step) error {
	var result *multierror.Error
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		if st.undo == nil {
			continue
		}
		if err := st.undo(ctx, t); err != nil {
			p.logger.Printf("%s: undo %s failed: %v", t.name, st.name, err)
			result = multierror.Append(result, fmt.Errorf("undo %s: %w", st.name, err))
		}
	}
	if result == nil {
		p.logger.Printf("%s: rolled back", t.name)
		return nil
	}
	return result
}

// verify waits for the server to settle and probes its port. A session that
// is not yet listening is still reported as provisioned.
func (p *Provisioner) verify(ctx context.Context, t *target) bool {
	if p.cfg.SettleDelay > 0 {
		timer := time.NewTimer(p.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	running := p.dir.Probe(ctx, t.port)
	if !running {
		p.logger.Printf("%s: port %d not listening yet", t.name, t.port)
	}
	return running
}

func (p *Provisioner) installStartupScript(ctx context.Context, t *target) error {
	script, err := RenderStartup(StartupParams{Desktop: p.cfg.Desktop})
	if err != nil {
		return err
	}
	if err := p.stage(ctx, "xstartup-"+t.name, script, t.paths.xstartup); err != nil {
		return err
	}
	return p.run(ctx, chmodCmd("755", t.paths.xstartup))
}

func (p *Provisioner) setDisplayPassword(ctx context.Context, t *target) error {
	password := p.cfg.SharedPassword
	if p.cfg.Vault != nil {
		generated, err := vault.GeneratePassword()
		if err != nil {
			return fmt.Errorf("generate password: %w", err)
		}
		password = generated
	}

	secret, err := p.writeTemp("vncpass-"+t.name, []byte(password+"\n"))
	if err != nil {
		return err
	}
	defer os.Remove(secret)

	if err := p.run(ctx, vncpasswdCmd(secret, t.paths.passwd)); err != nil {
		return err
	}
	if err := p.run(ctx, chmodCmd("600", t.paths.passwd)); err != nil {
		return err
	}
	if p.cfg.Vault != nil {
		if err := p.cfg.Vault.Store(t.name, password); err != nil {
			return fmt.Errorf("seal password: %w", err)
		}
	}
	return nil
}

func (p *Provisioner) installUnit(ctx context.Context, t *target) error {
	unit, err := RenderUnit(UnitParams{
		Name:     t.name,
		Display:  t.ordinal,
		Geometry: p.cfg.Geometry,
		Depth:    p.cfg.Depth,
	})
	if err != nil {
		return err
	}
	return p.stage(ctx, "unit-"+t.name, unit, t.paths.unitPath)
}

// stage writes content to a temp file and copies it to dst on the host.
func (p *Provisioner) stage(ctx context.Context, prefix string, content []byte, dst string) error {
	src, err := p.writeTemp(prefix, content)
	if err != nil {
		return err
	}
	defer os.Remove(src)
	return p.run(ctx, copyCmd(src, dst))
}

// writeTemp creates an owner-only temp file holding content.
func (p *Provisioner) writeTemp(prefix string, content []byte) (string, error) {
	f, err := os.CreateTemp(p.cfg.TempDir, prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

func (p *Provisioner) run(ctx context.Context, command string) error {
	_, err := p.exec.Run(ctx, command)
	return err
}
