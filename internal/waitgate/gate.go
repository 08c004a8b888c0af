// Package waitgate provides the blocking synchronization primitive that
// bridges vote recording on the dispatch side and the suspend orchestrator.
//
// A Gate is not a queue: repeated signals within one round coalesce, and a
// signal that lands between Arm and Wait is not lost. Each Arm starts a new
// round identified by a generation token; Wait observes only the round it was
// given a token for, which closes the classic lost-wakeup race between
// checking a predicate and starting to wait.
package waitgate

import (
	"context"
	"sync"
	"time"
)

// Outcome reports how a Wait concluded.
type Outcome int

const (
	// Signaled means the gate was signaled for the waited round, or the
	// round had already been superseded by a newer Arm.
	Signaled Outcome = iota
	// TimedOut means the deadline elapsed without a signal.
	TimedOut
	// Canceled means the context was canceled while waiting.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Signaled:
		return "signaled"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Gate is a single-slot, generation-counted wakeup primitive.
//
// The zero value is not usable; call New.
type Gate struct {
	mu       sync.Mutex
	gen      uint64
	ch       chan struct{}
	signaled bool
}

// New returns a Gate with no armed round. Signals before the first Arm are
// dropped.
func New() *Gate {
	return &Gate{}
}

// Arm starts a new round and returns its generation token. Any previous
// round is superseded: waiters still blocked on it are released.
func (g *Gate) Arm() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ch != nil && !g.signaled {
		close(g.ch)
	}
	g.gen++
	g.ch = make(chan struct{})
	g.signaled = false
	return g.gen
}

// Signal wakes every waiter of the current round. Signals coalesce: calling
// Signal repeatedly within one round is the same as calling it once. A
// Signal with no armed round is a no-op.
func (g *Gate) Signal() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ch == nil || g.signaled {
		return
	}
	g.signaled = true
	close(g.ch)
}

// Wait blocks until the round identified by token is signaled, the timeout
// elapses, or ctx is done. If the token's round was already signaled (or
// superseded by a newer Arm) Wait returns Signaled immediately.
func (g *Gate) Wait(ctx context.Context, token uint64, timeout time.Duration) Outcome {
	g.mu.Lock()
	if token != g.gen || g.signaled {
		g.mu.Unlock()
		return Signaled
	}
	ch := g.ch
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return Signaled
	case <-timer.C:
		return TimedOut
	case <-ctx.Done():
		return Canceled
	}
}
