// Package activity implements the lease ledger that can veto suspension.
//
// A lease is a named, time-bounded claim that the device must stay awake.
// Leases expire passively: nothing reaps them on a timer, they simply stop
// counting once their deadline is observed to have passed. The orchestrator
// freezes the ledger at the point of no return of a suspend commit so a
// lease cannot race the actual sleep.
package activity

import (
	"sort"
	"sync"
	"time"
)

// Lease is a read-only view of one live lease.
type Lease struct {
	ID        string
	ExpiresAt time.Time
}

// Ledger maps activity ids to expiring leases. Written by the IPC dispatch
// goroutine, read by the orchestrator; a single mutex serializes access.
type Ledger struct {
	mu     sync.Mutex
	leases map[string]time.Time
	frozen bool
}

// NewLedger returns an empty, unfrozen ledger.
func NewLedger() *Ledger {
	return &Ledger{leases: make(map[string]time.Time)}
}

// Start inserts or refreshes the lease for id with the given duration.
// Re-starting an existing id resets its deadline. Returns false when the
// ledger is frozen, the only refusal surfaced to callers. Durations must
// be validated as strictly positive at the boundary; a non-positive
// duration here is also refused.
func (l *Ledger) Start(id string, duration time.Duration) bool {
	if duration <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return false
	}
	l.leases[id] = time.Now().Add(duration)
	return true
}

// Stop removes the lease for id. No-op if absent.
func (l *Ledger) Stop(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, id)
}

// HasActive reports whether any lease is still live at now.
func (l *Ledger) HasActive(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, deadline := range l.leases {
		if deadline.After(now) {
			return true
		}
	}
	return false
}

// Freeze refuses new leases from now on, but only if nothing is live at
// now: a live lease is a hard veto and Freeze reports false without
// freezing. Expired leases are dropped as a side effect.
func (l *Ledger) Freeze(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeExpiredLocked(now)
	if len(l.leases) > 0 {
		return false
	}
	l.frozen = true
	return true
}

// Thaw lifts a freeze. No-op if not frozen.
func (l *Ledger) Thaw() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = false
}

// RemoveExpired drops every lease whose deadline is at or before now.
func (l *Ledger) RemoveExpired(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeExpiredLocked(now)
}

func (l *Ledger) removeExpiredLocked(now time.Time) {
	for id, deadline := range l.leases {
		if !deadline.After(now) {
			delete(l.leases, id)
		}
	}
}

// MaxRemaining returns the longest remaining lease duration at now, or zero
// when nothing is live. The idle monitor uses this to push the next idle
// check past every known lease.
func (l *Ledger) MaxRemaining(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var max time.Duration
	for _, deadline := range l.leases {
		if d := deadline.Sub(now); d > max {
			max = d
		}
	}
	return max
}

// Count returns the number of leases live at now.
func (l *Ledger) Count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, deadline := range l.leases {
		if deadline.After(now) {
			n++
		}
	}
	return n
}

// Snapshot returns the live leases at now, sorted by id.
func (l *Ledger) Snapshot(now time.Time) []Lease {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Lease, 0, len(l.leases))
	for id, deadline := range l.leases {
		if deadline.After(now) {
			out = append(out, Lease{ID: id, ExpiresAt: deadline})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
