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
)

// DeprovisionConfig holds configuration for creating a Deprovisioner.
type DeprovisionConfig struct {
	Executor executor.Executor
	Naming   *session.Naming
	Locker   Locker
	Vault    *vault.Vault
	UnitDir  string
	LockWait time.Duration
	Logger   *log.Logger
}

// Deprovisioner tears sessions down.
type Deprovisioner struct {
	exec     executor.Executor
	naming   *session.Naming
	locker   Locker
	vault    *vault.Vault
	unitDir  string
	lockWait time.Duration
	logger   *log.Logger
}

// NewDeprovisioner creates a deprovisioner. Share the Locker with the
// Provisioner so teardown never interleaves with allocation.
func NewDeprovisioner(cfg DeprovisionConfig) (*Deprovisioner, error) {
	if cfg.Executor == nil || cfg.Naming == nil {
		return nil, fmt.Errorf("executor and naming are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[deprovisioner] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMutexLocker()
	}
	if cfg.UnitDir == "" {
		cfg.UnitDir = "/etc/systemd/system"
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Minute
	}
	return &Deprovisioner{
		exec:     cfg.Executor,
		naming:   cfg.Naming,
		locker:   cfg.Locker,
		vault:    cfg.Vault,
		unitDir:  cfg.UnitDir,
		lockWait: cfg.LockWait,
		logger:   cfg.Logger,
	}, nil
}

// Deprovision stops and removes name's VNC service and, when deleteAccount
// is set, its account and home directory. Invalid and protected names are
// rejected before any command runs. Tearing down a session that is already
// gone succeeds.
func (d *Deprovisioner) Deprovision(ctx context.Context, name string, deleteAccount bool) error {
	ordinal, err := d.naming.ParseOrdinal(name)
	if err != nil {
		return err
	}
	if d.naming.IsProtected(ordinal) {
		return fmt.Errorf("%w: cannot deprovision base users (%s1-%d)",
			session.ErrProtectedSession, d.naming.Base, d.naming.ProtectThreshold)
	}

	lockCtx, cancel := context.WithTimeout(ctx, d.lockWait)
	unlock, err := d.locker.Lock(lockCtx)
	cancel()
	if err != nil {
		return err
	}
	defer unlock()

	unit := d.naming.UnitName(name)
	d.logger.Printf("deprovisioning %s (deleteAccount=%v)", name, deleteAccount)

	// The unit may already be stopped, disabled or gone.
	d.tolerate(ctx, systemctlCmd("stop", unit))
	d.tolerate(ctx, systemctlCmd("disable", unit))

	paths := pathsFor("", d.unitDir, name, unit)
	if _, err := d.exec.Run(ctx, removeCmd(paths.unitPath)); err != nil {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if _, err := d.exec.Run(ctx, reloadUnitsCmd); err != nil {
		return fmt.Errorf("reload units: %w", err)
	}

	if deleteAccount {
		if err := removeAccount(ctx, d.exec, name); err != nil {
			return err
		}
		if d.vault != nil {
			if err := d.vault.Remove(name); err != nil {
				return err
			}
		}
	}

	d.logger.Printf("deprovisioned %s", name)
	return nil
}

func (d *Deprovisioner) tolerate(ctx context.Context, command string) {
	if _, err := d.exec.Run(ctx, command); err != nil {
		d.logger.Printf("ignoring: %v", err)
	}
}
