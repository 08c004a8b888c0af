package suspend

import (
	"context"
	"time"

	"dozed/internal/activity"
	"dozed/internal/config"
	"dozed/internal/logging"
)

// IdleMonitor periodically decides whether the device may try to sleep and,
// when every guard passes, hands a trigger to the orchestrator. It never
// sleeps the device itself.
type IdleMonitor struct {
	orch    *Orchestrator
	acts    *activity.Ledger
	machine Machine
	wakeups WakeupSource
	cfg     func() config.SuspendConfig
	log     *logging.Logger

	kick chan time.Duration
}

// NewIdleMonitor wires a monitor. Wakeups may be nil when alarm bookkeeping
// is disabled.
func NewIdleMonitor(orch *Orchestrator, acts *activity.Ledger, machine Machine, wakeups WakeupSource, cfg func() config.SuspendConfig, log *logging.Logger) *IdleMonitor {
	return &IdleMonitor{
		orch:    orch,
		acts:    acts,
		machine: machine,
		wakeups: wakeups,
		cfg:     cfg,
		log:     log,
		kick:    make(chan time.Duration, 1),
	}
}

// Schedule moves the next idle check to d from now. Used by the
// orchestrator after a resume to honor the post-wake grace.
func (m *IdleMonitor) Schedule(d time.Duration) {
	select {
	case m.kick <- d:
	default:
	}
}

// Run checks idleness on a timer until ctx is done.
func (m *IdleMonitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.cfg().WaitIdle())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case d := <-m.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)

		case <-timer.C:
			timer.Reset(m.check(time.Now()))
		}
	}
}

// check runs the idle guards once and returns the delay until the next
// check. The guards are ordered cheapest first; the first failing guard
// decides the delay.
func (m *IdleMonitor) check(now time.Time) time.Duration {
	cfg := m.cfg()
	interval := cfg.WaitIdle()
	slack := time.Duration(cfg.WaitIdleGranularityMs) * time.Millisecond

	if m.orch.State() != StateIdle {
		return interval
	}

	// Post-resume grace: stay awake a little while after every wake so
	// whatever woke the device gets a chance to claim an activity.
	if since := now.Sub(m.orch.LastWake()); since < cfg.AfterResumeIdle() {
		return cfg.AfterResumeIdle() - since + slack
	}

	m.acts.RemoveExpired(now)
	if m.acts.HasActive(now) {
		// Push the next check past the longest lease; checking sooner
		// cannot succeed.
		wait := m.acts.MaxRemaining(now) + slack
		if wait < interval {
			wait = interval
		}
		m.log.Debug("idle check blocked by activity",
			"activities", m.acts.Count(now), "recheck", wait.Round(time.Millisecond))
		return wait
	}

	// An alarm about to fire makes the sleep/wake round trip pointless.
	if m.wakeups != nil {
		if at, ok := m.wakeups.NextWakeup(now); ok {
			if until := at.Sub(now); until <= cfg.WaitAlarms() {
				m.log.Debug("idle check blocked by imminent wakeup", "in", until.Round(time.Second))
				wait := until + slack
				if wait < interval {
					wait = interval
				}
				return wait
			}
		}
	}

	if !m.machine.CanSleep() {
		m.log.Debug("idle check blocked", "reason", m.machine.CantSleepReason())
		return interval
	}

	m.orch.TriggerSuspend("idle")
	return interval
}
