package session

import (
	"context"
	"fmt"
)

const maxPort = 65535

// Allocator picks the ordinal for the next session.
//
// Next is a read-then-compute operation; callers that go on to create the
// session must hold the allocation lock across Next and account creation or
// two requests can compute the same ordinal.
type Allocator struct {
	dir    *Directory
	naming *Naming
}

// NewAllocator creates an allocator reading from dir.
func NewAllocator(dir *Directory, naming *Naming) *Allocator {
	return &Allocator{dir: dir, naming: naming}
}

// Next returns one more than the highest ordinal in use, never less than
// ProtectThreshold+1. Gaps left by removed sessions are not reused.
func (a *Allocator) Next(ctx context.Context) (int, error) {
	names, err := a.dir.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate ordinal: %w", err)
	}

	highest := a.naming.ProtectThreshold
	for _, name := range names {
		// The bare base account is ordinal 1 and never raises the floor.
		if name == a.naming.Base {
			continue
		}
		ord, err := a.naming.ParseOrdinal(name)
		if err != nil {
			continue
		}
		if ord > highest {
			highest = ord
		}
	}
	next := highest + 1
	if port := a.naming.DisplayPort(next); port > maxPort {
		return 0, fmt.Errorf("allocate ordinal %d: %w (port %d)", next, ErrOrdinalsExhausted, port)
	}
	return next, nil
}
