package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quorumRecorder collects quorum notifications.
type quorumRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (q *quorumRecorder) record(p Phase) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.phases = append(q.phases, p)
}

func (q *quorumRecorder) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.phases)
}

func newRegistryWithClients(t *testing.T, ids ...string) (*Registry, *quorumRecorder) {
	t.Helper()
	r := NewRegistry()
	q := &quorumRecorder{}
	r.OnQuorum(q.record)
	for _, id := range ids {
		r.Identify(id, "svc-"+id, "")
		require.NoError(t, r.SetPhaseRegistration(id, PhaseSuspendRequest, true))
	}
	return r, q
}

func TestRegistry_IdentifyIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := r.Identify("c1", "media", "player")
	second := r.Identify("c1", "media2", "player")

	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, "media2", second.Name)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_QuorumWhenAllVote(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b", "c")

	expected := r.StartRound(PhaseSuspendRequest)
	require.Equal(t, 3, expected)

	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))
	require.NoError(t, r.Vote("b", PhaseSuspendRequest, true))
	assert.Equal(t, 0, q.count(), "quorum must not fire before the last vote")

	require.NoError(t, r.Vote("c", PhaseSuspendRequest, true))
	assert.Equal(t, 1, q.count())

	sum := r.ConcludeRound(PhaseSuspendRequest)
	assert.Equal(t, 3, sum.Voted)
	assert.Empty(t, sum.Silent)
}

func TestRegistry_DuplicateVotesAreIdempotent(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b")

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))

	assert.Equal(t, 0, q.count(), "duplicate votes must not reach quorum")

	require.NoError(t, r.Vote("b", PhaseSuspendRequest, true))
	assert.Equal(t, 1, q.count())
}

func TestRegistry_NACKCountsAsVote(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b")

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, false))
	require.NoError(t, r.Vote("b", PhaseSuspendRequest, true))
	assert.Equal(t, 1, q.count(), "a NACK is a vote, the round must conclude")

	sum := r.ConcludeRound(PhaseSuspendRequest)
	assert.Equal(t, 2, sum.Voted)
	assert.Equal(t, 1, sum.NACKs)

	rec, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, uint(1), rec.NACKSuspendRequest)
}

func TestRegistry_LateNACKStillBumpsCounter(t *testing.T) {
	r, _ := newRegistryWithClients(t, "a")

	r.StartRound(PhaseSuspendRequest)
	r.ConcludeRound(PhaseSuspendRequest)

	// Vote after conclusion: accepted, moves no tally, counter still grows.
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, false))

	rec, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, uint(1), rec.NACKSuspendRequest)
}

func TestRegistry_NACKObserverFires(t *testing.T) {
	r, _ := newRegistryWithClients(t, "a")

	var mu sync.Mutex
	var seen []string
	r.OnNACK(func(rec Record, p Phase) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rec.ID+"/"+p.String())
	})

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a/suspend_request"}, seen)
}

func TestRegistry_VoteFromUnknownClient(t *testing.T) {
	r := NewRegistry()
	err := r.Vote("ghost", PhaseSuspendRequest, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_UnregisterReducesExpectation(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b")

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))

	// The last outstanding voter goes away: the round must conclude.
	r.UnregisterByID("b")
	assert.Equal(t, 1, q.count())

	sum := r.ConcludeRound(PhaseSuspendRequest)
	assert.Equal(t, 1, sum.Expected)
	assert.Equal(t, 1, sum.Voted)
}

func TestRegistry_UnregisterAfterVotingDoesNotShrinkRound(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b")

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))

	// a already voted; removing it must not count twice.
	r.UnregisterByID("a")
	assert.Equal(t, 0, q.count())

	require.NoError(t, r.Vote("b", PhaseSuspendRequest, true))
	assert.Equal(t, 1, q.count())
}

func TestRegistry_UnregisterByName(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b")
	r.Identify("c", "svc-a", "")
	require.NoError(t, r.SetPhaseRegistration("c", PhaseSuspendRequest, true))

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("b", PhaseSuspendRequest, true))

	// Both "svc-a" records vanish; b's vote is now the whole quorum.
	r.UnregisterByName("svc-a")
	assert.Equal(t, 1, q.count())
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_MidRoundEnableIsDeferred(t *testing.T) {
	r, q := newRegistryWithClients(t, "a")

	expected := r.StartRound(PhaseSuspendRequest)
	require.Equal(t, 1, expected)

	// b registers while the round is running: not counted this round.
	r.Identify("b", "svc-b", "")
	require.NoError(t, r.SetPhaseRegistration("b", PhaseSuspendRequest, true))

	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))
	assert.Equal(t, 1, q.count(), "quorum target must not grow mid-round")

	r.ConcludeRound(PhaseSuspendRequest)

	// Next round counts b.
	assert.Equal(t, 2, r.StartRound(PhaseSuspendRequest))
}

func TestRegistry_MidRoundDisableWithdraws(t *testing.T) {
	r, q := newRegistryWithClients(t, "a", "b")

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("a", PhaseSuspendRequest, true))

	require.NoError(t, r.SetPhaseRegistration("b", PhaseSuspendRequest, false))
	assert.Equal(t, 1, q.count(), "deregistration must let the round conclude")
}

func TestRegistry_SilentClientsListed(t *testing.T) {
	r, _ := newRegistryWithClients(t, "a", "b", "c")

	r.StartRound(PhaseSuspendRequest)
	require.NoError(t, r.Vote("b", PhaseSuspendRequest, true))

	sum := r.ConcludeRound(PhaseSuspendRequest)
	assert.Equal(t, []string{"a", "c"}, sum.Silent)
}

func TestRegistry_PhasesAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.Identify("a", "", "")
	require.NoError(t, r.SetPhaseRegistration("a", PhaseSuspendRequest, true))

	assert.Equal(t, 1, r.RegisteredCount(PhaseSuspendRequest))
	assert.Equal(t, 0, r.RegisteredCount(PhasePrepareSuspend))

	assert.Equal(t, 0, r.StartRound(PhasePrepareSuspend))
}
