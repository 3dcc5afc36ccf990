// Package session models provisioned VNC desktop sessions. A session has no
// stored record of its own: it is projected on every query from the host's
// account database and the listeners bound on the host.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	// ErrInvalidSession means a name does not follow <base><ordinal>.
	ErrInvalidSession = errors.New("invalid session name")
	// ErrProtectedSession means the session's ordinal is at or below the
	// protection threshold and it must not be removed.
	ErrProtectedSession = errors.New("protected session")
	// ErrSessionNotFound means no account exists for the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOrdinalsExhausted means the next ordinal's display port would
	// exceed 65535.
	ErrOrdinalsExhausted = errors.New("no display ports left")
)

// Session is one provisioned desktop: an OS account plus a VNC service.
type Session struct {
	Name        string
	Ordinal     int
	DisplayPort int
	Running     bool
	Protected   bool
}

// Order selects how listings are sorted.
type Order string

const (
	// OrderName sorts lexically by name, so claude10 precedes claude2.
	OrderName Order = "name"
	// OrderOrdinal sorts numerically by ordinal.
	OrderOrdinal Order = "ordinal"
)

// Naming derives everything that follows from a session's name.
type Naming struct {
	Base             string
	BasePort         int
	ProtectThreshold int

	pattern *regexp.Regexp
}

// NewNaming validates base and compiles the session-name pattern.
func NewNaming(base string, basePort, protectThreshold int) (*Naming, error) {
	if !validBase.MatchString(base) {
		return nil, fmt.Errorf("session base %q must be a lower-case account name", base)
	}
	if basePort < 1 || basePort > 65535 {
		return nil, fmt.Errorf("base port %d out of range", basePort)
	}
	if protectThreshold < 0 {
		return nil, fmt.Errorf("protect threshold must not be negative, got %d", protectThreshold)
	}
	return &Naming{
		Base:             base,
		BasePort:         basePort,
		ProtectThreshold: protectThreshold,
		pattern:          regexp.MustCompile("^" + regexp.QuoteMeta(base) + "([1-9][0-9]*)?$"),
	}, nil
}

var validBase = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

// ParseOrdinal returns the ordinal encoded in name. The bare base name is
// ordinal 1.
func (n *Naming) ParseOrdinal(name string) (int, error) {
	m := n.pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSession, name)
	}
	if m[1] == "" {
		return 1, nil
	}
	ord, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSession, name)
	}
	return ord, nil
}

// Name returns the account name for ordinal.
func (n *Naming) Name(ordinal int) string {
	return n.Base + strconv.Itoa(ordinal)
}

// DisplayPort returns the VNC port for ordinal.
func (n *Naming) DisplayPort(ordinal int) int {
	return n.BasePort + ordinal
}

// IsProtected reports whether ordinal may not be deprovisioned.
func (n *Naming) IsProtected(ordinal int) bool {
	return ordinal <= n.ProtectThreshold
}

// UnitName returns the systemd unit that runs name's VNC server.
func (n *Naming) UnitName(name string) string {
	return "vncserver-" + name + ".service"
}

// Describe builds the Session for name without probing liveness.
func (n *Naming) Describe(name string) (Session, error) {
	ord, err := n.ParseOrdinal(name)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Name:        name,
		Ordinal:     ord,
		DisplayPort: n.DisplayPort(ord),
		Protected:   n.IsProtected(ord),
	}, nil
}
