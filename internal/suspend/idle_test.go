package suspend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dozed/internal/activity"
	"dozed/internal/client"
	"dozed/internal/config"
	"dozed/internal/logging"
)

// newIdleFixture builds a monitor over an orchestrator that is not
// running, so queued triggers stay observable.
func newIdleFixture(cfg func() config.SuspendConfig, wakeups WakeupSource) (*IdleMonitor, *Orchestrator, *activity.Ledger, *fakeMachine) {
	machine := newFakeMachine()
	acts := activity.NewLedger()
	orch := New(Options{
		Registry:   client.NewRegistry(),
		Activities: acts,
		Machine:    machine,
		Broadcast:  newFakeBcast(),
		Wakeups:    wakeups,
		Config:     cfg,
		Logger:     logging.Default(),
	})
	mon := NewIdleMonitor(orch, acts, machine, wakeups, cfg, logging.Default())
	return mon, orch, acts, machine
}

func TestIdleMonitor_TriggersWhenIdle(t *testing.T) {
	mon, orch, _, _ := newIdleFixture(testSuspendConfig, nil)

	mon.check(time.Now())
	assert.Len(t, orch.triggers, 1, "an unblocked check must queue a trigger")
}

func TestIdleMonitor_PostResumeGrace(t *testing.T) {
	cfg := func() config.SuspendConfig {
		c := testSuspendConfig()
		c.AfterResumeIdleMs = 500
		return c
	}
	mon, orch, _, _ := newIdleFixture(cfg, nil)

	// LastWake is effectively now; the grace has not elapsed.
	wait := mon.check(time.Now())
	assert.Empty(t, orch.triggers)
	assert.Greater(t, wait, 300*time.Millisecond)
}

func TestIdleMonitor_ActivityDefersCheck(t *testing.T) {
	mon, orch, acts, _ := newIdleFixture(testSuspendConfig, nil)
	require.True(t, acts.Start("download", 30*time.Second))

	wait := mon.check(time.Now())
	assert.Empty(t, orch.triggers)
	assert.Greater(t, wait, 25*time.Second,
		"the next check must be pushed past the lease")
}

func TestIdleMonitor_ChargerBlocks(t *testing.T) {
	mon, orch, _, machine := newIdleFixture(testSuspendConfig, nil)
	machine.canSleep.Store(false)

	wait := mon.check(time.Now())
	assert.Empty(t, orch.triggers)
	assert.Equal(t, testSuspendConfig().WaitIdle(), wait)
}

func TestIdleMonitor_ImminentAlarmBlocks(t *testing.T) {
	wake := fixedWakeup{at: time.Now().Add(2 * time.Second)}
	mon, orch, _, _ := newIdleFixture(testSuspendConfig, wake)

	wait := mon.check(time.Now())
	assert.Empty(t, orch.triggers)
	assert.Greater(t, wait, time.Second)
}

func TestIdleMonitor_DistantAlarmDoesNotBlock(t *testing.T) {
	wake := fixedWakeup{at: time.Now().Add(time.Hour)}
	mon, orch, _, _ := newIdleFixture(testSuspendConfig, wake)

	mon.check(time.Now())
	assert.Len(t, orch.triggers, 1)
}

func TestIdleMonitor_SkipsWhileCycleRuns(t *testing.T) {
	mon, orch, _, _ := newIdleFixture(testSuspendConfig, nil)
	orch.setState(StatePreparingSuspend)

	wait := mon.check(time.Now())
	assert.Empty(t, orch.triggers)
	assert.Equal(t, testSuspendConfig().WaitIdle(), wait)
}
