// Package client tracks the processes participating in the suspend
// handshake: their identities, which handshake phases they vote in, and the
// per-round vote tally that decides quorum.
//
// The registry is shared mutable state. It is written by the IPC dispatch
// goroutine on behalf of remote callers and read by the suspend orchestrator
// when it arms and concludes voting rounds; a single mutex serializes all
// access.
package client

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when an operation references a clientId that has
// no live registry record.
var ErrNotFound = errors.New("client not found")

// Record is one registered client. The ID is the transport-assigned unique
// token; Name and ApplicationName are caller-supplied and optional.
type Record struct {
	ID              string
	Name            string
	ApplicationName string

	// Phase opt-ins.
	SuspendRequest bool
	PrepareSuspend bool

	// Cumulative NACK counters, kept for diagnostics only. A NACK never
	// vetoes a round.
	NACKSuspendRequest uint
	NACKPrepareSuspend uint
}

// round is the tally for one in-flight voting phase.
type round struct {
	open bool
	// counted holds the ids snapshotted into expected at arm time. A client
	// registering mid-round is deliberately absent: it votes starting the
	// next round, so the quorum target never grows under a running vote.
	counted  map[string]struct{}
	voted    map[string]struct{}
	expected int
	nacks    int
}

// RoundSummary describes a concluded voting round.
type RoundSummary struct {
	Phase    Phase
	Expected int
	Voted    int
	NACKs    int
	// Silent lists clients that were counted but never voted, sorted by id.
	Silent []string
}

// NACKFunc is invoked, outside the registry lock, whenever a client NACKs.
// Used to persist NACK history.
type NACKFunc func(rec Record, phase Phase)

// QuorumFunc is invoked, outside the registry lock, when an in-flight round
// reaches quorum, whether by a vote landing or by an unregistration
// shrinking the expectation.
type QuorumFunc func(phase Phase)

// Registry is the client table plus the per-phase vote tally.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	rounds  [numPhases]round

	onQuorum QuorumFunc
	onNACK   NACKFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
	}
}

// OnQuorum installs the quorum notifier. Must be called before any round is
// armed.
func (r *Registry) OnQuorum(fn QuorumFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onQuorum = fn
}

// OnNACK installs the NACK observer.
func (r *Registry) OnNACK(fn NACKFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNACK = fn
}

// Identify creates (or reuses) the record for clientId and stamps the
// caller-supplied names onto it. Re-identifying is not an error; the record
// is updated in place.
func (r *Registry) Identify(clientID, clientName, applicationName string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientID]
	if !ok {
		rec = &Record{ID: clientID}
		r.records[clientID] = rec
	}
	rec.Name = clientName
	rec.ApplicationName = applicationName
	return *rec
}

// Lookup returns a copy of the record for clientId.
func (r *Registry) Lookup(clientID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns copies of all live records, sorted by id. Used for
// diagnostics and the status reply.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnregisterByID removes the record for clientId and withdraws it from any
// in-flight round it was counted in. No-op if absent.
func (r *Registry) UnregisterByID(clientID string) {
	r.mu.Lock()
	quorums := r.removeLocked(clientID)
	r.mu.Unlock()

	r.notifyQuorums(quorums)
}

// UnregisterByName removes every record whose Name matches. Callers that
// cannot reuse their transport token across calls unregister this way.
// No-op if nothing matches.
func (r *Registry) UnregisterByName(clientName string) {
	r.mu.Lock()
	var quorums []Phase
	for id, rec := range r.records {
		if rec.Name == clientName {
			quorums = append(quorums, r.removeLocked(id)...)
		}
	}
	r.mu.Unlock()

	r.notifyQuorums(quorums)
}

// removeLocked deletes the record and adjusts in-flight rounds, returning
// the phases that reached quorum as a result.
func (r *Registry) removeLocked(clientID string) []Phase {
	if _, ok := r.records[clientID]; !ok {
		return nil
	}
	delete(r.records, clientID)

	var quorums []Phase
	for p := Phase(0); p < numPhases; p++ {
		if r.withdrawLocked(p, clientID) {
			quorums = append(quorums, p)
		}
	}
	return quorums
}

// withdrawLocked drops clientID from phase p's in-flight round if it was
// counted and has not voted. Reports whether the round reached quorum.
func (r *Registry) withdrawLocked(p Phase, clientID string) bool {
	rd := &r.rounds[p]
	if !rd.open {
		return false
	}
	if _, counted := rd.counted[clientID]; !counted {
		return false
	}
	if _, voted := rd.voted[clientID]; voted {
		return false
	}
	delete(rd.counted, clientID)
	rd.expected--
	return len(rd.voted) >= rd.expected
}

// SetPhaseRegistration flips the phase opt-in flag for clientId.
//
// Enabling during an in-flight round does not add the client to that round;
// it is counted starting the next round. Disabling during an in-flight round
// withdraws the client if it has not voted yet, so the round can still
// conclude without it.
func (r *Registry) SetPhaseRegistration(clientID string, p Phase, enabled bool) error {
	r.mu.Lock()
	rec, ok := r.records[clientID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	switch p {
	case PhaseSuspendRequest:
		rec.SuspendRequest = enabled
	case PhasePrepareSuspend:
		rec.PrepareSuspend = enabled
	}

	var quorums []Phase
	if !enabled && r.withdrawLocked(p, clientID) {
		quorums = append(quorums, p)
	}
	r.mu.Unlock()

	r.notifyQuorums(quorums)
	return nil
}

// StartRound snapshots the clients registered for phase p into a fresh
// tally and returns the expectation. An expectation of zero means quorum is
// trivially reached and the caller should not wait at all.
func (r *Registry) StartRound(p Phase) (expected int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counted := make(map[string]struct{})
	for id, rec := range r.records {
		if rec.registeredFor(p) {
			counted[id] = struct{}{}
		}
	}
	r.rounds[p] = round{
		open:     true,
		counted:  counted,
		voted:    make(map[string]struct{}),
		expected: len(counted),
	}
	return len(counted)
}

// ConcludeRound closes phase p's tally and returns its summary. Votes
// arriving after conclusion are still accepted by Vote but no longer move
// any tally.
func (r *Registry) ConcludeRound(p Phase) RoundSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	rd := &r.rounds[p]
	summary := RoundSummary{
		Phase:    p,
		Expected: rd.expected,
		Voted:    len(rd.voted),
		NACKs:    rd.nacks,
	}
	for id := range rd.counted {
		if _, voted := rd.voted[id]; !voted {
			summary.Silent = append(summary.Silent, id)
		}
	}
	sort.Strings(summary.Silent)
	rd.open = false
	return summary
}

// Vote records an ACK or NACK from clientId for phase p.
//
// Unknown clients get ErrNotFound. Duplicate votes in the same round are
// silently idempotent. Votes for a concluded round, or from a client that
// was not counted when the round was armed, are accepted without moving
// the tally, though a NACK still bumps the client's persistent counter.
func (r *Registry) Vote(clientID string, p Phase, ack bool) error {
	r.mu.Lock()
	rec, ok := r.records[clientID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	var nacked *Record
	if !ack {
		switch p {
		case PhaseSuspendRequest:
			rec.NACKSuspendRequest++
		case PhasePrepareSuspend:
			rec.NACKPrepareSuspend++
		}
		cp := *rec
		nacked = &cp
	}

	quorum := false
	rd := &r.rounds[p]
	if rd.open {
		_, counted := rd.counted[clientID]
		_, voted := rd.voted[clientID]
		if counted && !voted {
			rd.voted[clientID] = struct{}{}
			if !ack {
				rd.nacks++
			}
			quorum = len(rd.voted) >= rd.expected
		}
	}
	onNACK := r.onNACK
	r.mu.Unlock()

	if nacked != nil && onNACK != nil {
		onNACK(*nacked, p)
	}
	if quorum {
		r.notifyQuorums([]Phase{p})
	}
	return nil
}

func (r *Registry) registeredCountLocked(p Phase) int {
	n := 0
	for _, rec := range r.records {
		if rec.registeredFor(p) {
			n++
		}
	}
	return n
}

// RegisteredCount returns how many live clients are opted into phase p.
func (r *Registry) RegisteredCount(p Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registeredCountLocked(p)
}

func (rec *Record) registeredFor(p Phase) bool {
	switch p {
	case PhaseSuspendRequest:
		return rec.SuspendRequest
	case PhasePrepareSuspend:
		return rec.PrepareSuspend
	default:
		return false
	}
}

func (r *Registry) notifyQuorums(phases []Phase) {
	if len(phases) == 0 {
		return
	}
	r.mu.Lock()
	fn := r.onQuorum
	r.mu.Unlock()
	if fn == nil {
		return
	}
	for _, p := range phases {
		fn(p)
	}
}
