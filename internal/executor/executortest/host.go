// Package executortest provides an in-memory stand-in for the host operating
// system so provisioning logic can be exercised without root, systemd, or a
// VNC server.
package executortest

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"vncprov/internal/executor"
)

var probePortPattern = regexp.MustCompile(`:([0-9]+)\(\[\^0-9\]\|\$\)`)

// Host simulates the subset of a Linux host the provisioner talks to:
// the account database, systemd unit files and their enabled/active state,
// and TCP listeners. It implements executor.Executor.
type Host struct {
	mu        sync.Mutex
	accounts  map[string]bool
	units     map[string]bool // unit file paths
	enabled   map[string]bool // unit names
	active    map[string]bool // unit names
	listening map[int]bool
	failures  []failure
	commands  []string

	// OnStart is called (without the lock held) when a unit is started.
	// Tests use it to mark the session's display port as listening.
	OnStart func(h *Host, unit string)
}

type failure struct {
	prefix string
	err    error
}

// NewHost returns a host whose account database contains accounts.
func NewHost(accounts ...string) *Host {
	h := &Host{
		accounts:  make(map[string]bool),
		units:     make(map[string]bool),
		enabled:   make(map[string]bool),
		active:    make(map[string]bool),
		listening: make(map[int]bool),
	}
	for _, a := range accounts {
		h.accounts[a] = true
	}
	return h
}

// FailOn makes every command starting with prefix fail with err. A nil err
// fails with a generic *executor.CommandError.
func (h *Host) FailOn(prefix string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{prefix: prefix, err: err})
}

// Listen marks port as having a bound TCP listener.
func (h *Host) Listen(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listening[port] = true
}

// HasAccount reports whether name is in the account database.
func (h *Host) HasAccount(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accounts[name]
}

// HasUnitFile reports whether a unit file is installed at p.
func (h *Host) HasUnitFile(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.units[p]
}

// IsActive reports whether unit was started and not stopped.
func (h *Host) IsActive(unit string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[unit]
}

// IsEnabled reports whether unit is enabled.
func (h *Host) IsEnabled(unit string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[unit]
}

// Commands returns every command run so far, in order.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.commands))
	copy(out, h.commands)
	return out
}

// Reset clears the command log.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
}

// Run implements executor.Executor.
func (h *Host) Run(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h.mu.Lock()
	h.commands = append(h.commands, command)
	for _, f := range h.failures {
		if strings.HasPrefix(command, f.prefix) {
			h.mu.Unlock()
			if f.err != nil {
				return "", f.err
			}
			return "", &executor.CommandError{Command: command, Stderr: "injected failure", ExitCode: 1}
		}
	}

	out, startedUnit, err := h.apply(command)
	onStart := h.OnStart
	h.mu.Unlock()

	if startedUnit != "" && onStart != nil {
		onStart(h, startedUnit)
	}
	return out, err
}

// apply interprets command against the simulated state. Caller holds h.mu.
func (h *Host) apply(command string) (out, startedUnit string, err error) {
	fail := func(code int, stderr string) (string, string, error) {
		return "", "", &executor.CommandError{Command: command, Stderr: stderr, ExitCode: code}
	}

	if strings.HasPrefix(command, "getent passwd") {
		names := []string{"root", "daemon", "nobody"}
		for a := range h.accounts {
			names = append(names, a)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), "", nil
	}

	if strings.Contains(command, "netstat -tln") {
		m := probePortPattern.FindStringSubmatch(command)
		if m == nil {
			return fail(2, "unparseable probe")
		}
		port, _ := strconv.Atoi(m[1])
		if h.listening[port] {
			return "", "", nil
		}
		return fail(1, "")
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", "", nil
	}

	switch fields[0] {
	case "useradd":
		name := fields[len(fields)-1]
		if h.accounts[name] {
			return fail(9, fmt.Sprintf("useradd: user '%s' already exists", name))
		}
		h.accounts[name] = true

	case "userdel":
		name := fields[len(fields)-1]
		if !h.accounts[name] {
			return fail(6, fmt.Sprintf("userdel: user '%s' does not exist", name))
		}
		delete(h.accounts, name)

	case "cp":
		if len(fields) == 3 && strings.HasSuffix(fields[2], ".service") {
			h.units[fields[2]] = true
		}

	case "rm":
		delete(h.units, fields[len(fields)-1])

	case "systemctl":
		if len(fields) < 2 {
			return fail(1, "systemctl: missing verb")
		}
		if fields[1] == "daemon-reload" {
			return "", "", nil
		}
		if len(fields) < 3 {
			return fail(1, "systemctl: missing unit")
		}
		unit := fields[2]
		installed := h.unitInstalled(unit)
		switch fields[1] {
		case "enable":
			if !installed {
				return fail(1, fmt.Sprintf("Failed to enable unit: Unit file %s does not exist.", unit))
			}
			h.enabled[unit] = true
		case "disable":
			if !installed {
				return fail(1, fmt.Sprintf("Failed to disable unit: Unit file %s does not exist.", unit))
			}
			delete(h.enabled, unit)
		case "start":
			if !installed {
				return fail(5, fmt.Sprintf("Failed to start %s: Unit %s not found.", unit, unit))
			}
			h.active[unit] = true
			return "", unit, nil
		case "stop":
			if !installed && !h.active[unit] {
				return fail(5, fmt.Sprintf("Failed to stop %s: Unit %s not loaded.", unit, unit))
			}
			delete(h.active, unit)
		}
	}

	return "", "", nil
}

func (h *Host) unitInstalled(unit string) bool {
	for p, ok := range h.units {
		if ok && path.Base(p) == unit {
			return true
		}
	}
	return false
}
