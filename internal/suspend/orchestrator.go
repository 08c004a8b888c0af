// Package suspend implements the suspend/resume state machine: it runs the
// two-phase client handshake through the wait gates, consults the activity
// ledger and the vote tally, and drives the platform machine backend.
package suspend

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"dozed/internal/activity"
	"dozed/internal/client"
	"dozed/internal/config"
	"dozed/internal/logging"
	"dozed/internal/waitgate"
)

// State of the suspend cycle. The machine is cyclic: Idle is re-entered
// after Resuming.
type State int32

const (
	StateIdle State = iota
	StateRequestingSuspend
	StatePreparingSuspend
	StateSuspending
	StateSuspended
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingSuspend:
		return "requesting_suspend"
	case StatePreparingSuspend:
		return "preparing_suspend"
	case StateSuspending:
		return "suspending"
	case StateSuspended:
		return "suspended"
	case StateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Resume types carried in the resume broadcast payload.
const (
	// ResumeTypeKernel: the device slept and a hardware event woke it.
	ResumeTypeKernel = 0
	// ResumeTypeActivity: an activity lease canceled the attempt at the
	// commit point; the device never slept.
	ResumeTypeActivity = 1
	// ResumeTypeAbort: the suspend attempt was aborted (machine refusal,
	// wakeup scheduling failure, or the suspend call itself failing).
	ResumeTypeAbort = 2
)

// Broadcaster fans the four power signals out to every listener. Delivery
// is best effort: implementations report errors for logging but the state
// machine proceeds regardless.
type Broadcaster interface {
	SuspendRequest() error
	PrepareSuspend() error
	Suspended() error
	Resume(resumeType int) error
}

// Recorder persists suspend instrumentation. Optional; failures are logged
// and never abort a suspend.
type Recorder interface {
	SaveWallClock(now time.Time) error
	RecordSleep(at time.Time, awake time.Duration) error
	RecordWake(at time.Time, asleep time.Duration, resumeType int) error
}

// WakeupSource supplies the next scheduled RTC wakeup, if any.
type WakeupSource interface {
	NextWakeup(now time.Time) (time.Time, bool)
}

type triggerEvent int

const (
	eventIdle triggerEvent = iota
	eventForce
)

type trigger struct {
	event  triggerEvent
	reason string
}

// Options wires an Orchestrator. Registry, Activities, Machine, Broadcast,
// Config and Logger are required; Recorder and Wakeups are optional.
type Options struct {
	Registry   *client.Registry
	Activities *activity.Ledger
	Machine    Machine
	Broadcast  Broadcaster
	Recorder   Recorder
	Wakeups    WakeupSource
	Config     func() config.SuspendConfig
	Logger     *logging.Logger
}

// Orchestrator owns the phase lifecycle. Exactly one cycle runs at a time;
// triggers arriving mid-cycle coalesce into at most one pending attempt.
type Orchestrator struct {
	reg     *client.Registry
	acts    *activity.Ledger
	machine Machine
	bcast   Broadcaster
	rec     Recorder
	wakeups WakeupSource
	cfg     func() config.SuspendConfig
	log     *logging.Logger

	gates    [2]*waitgate.Gate
	triggers chan trigger

	state    atomic.Int32
	lastWake atomic.Pointer[time.Time]

	// scheduleIdle reschedules the idle monitor after a resume. Set by the
	// daemon during wiring; may stay nil in tests.
	scheduleIdle atomic.Pointer[func(time.Duration)]
}

// New creates an orchestrator and hooks the registry's quorum notifier to
// the wait gates.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		reg:      opts.Registry,
		acts:     opts.Activities,
		machine:  opts.Machine,
		bcast:    opts.Broadcast,
		rec:      opts.Recorder,
		wakeups:  opts.Wakeups,
		cfg:      opts.Config,
		log:      opts.Logger,
		triggers: make(chan trigger, 1),
	}
	o.gates[client.PhaseSuspendRequest] = waitgate.New()
	o.gates[client.PhasePrepareSuspend] = waitgate.New()

	now := time.Now()
	o.lastWake.Store(&now)

	opts.Registry.OnQuorum(func(p client.Phase) {
		if p.Valid() {
			o.gates[p].Signal()
		}
	})
	return o
}

// SetIdleScheduler installs the idle monitor reschedule hook.
func (o *Orchestrator) SetIdleScheduler(fn func(time.Duration)) {
	o.scheduleIdle.Store(&fn)
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// LastWake returns the time of the most recent resume (of any type), or
// process start before the first cycle.
func (o *Orchestrator) LastWake() time.Time {
	return *o.lastWake.Load()
}

// TriggerSuspend requests an idle-triggered suspend attempt. Triggers
// arriving while a cycle is in flight coalesce.
func (o *Orchestrator) TriggerSuspend(reason string) {
	o.offer(trigger{event: eventIdle, reason: reason})
}

// ForceSuspend requests a suspend attempt that skips the idle and charger
// guards but still runs the full two-phase handshake.
func (o *Orchestrator) ForceSuspend(reason string) {
	o.offer(trigger{event: eventForce, reason: reason})
}

func (o *Orchestrator) offer(t trigger) {
	select {
	case o.triggers <- t:
	default:
		// A trigger is already pending; coalesce.
	}
}

// Run processes triggers until ctx is done. It is the only goroutine that
// blocks for non-trivial duration (on the wait gates, bounded by the phase
// deadlines).
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.triggers:
			o.cycle(ctx, t)
		}
	}
}

// cycle runs one complete suspend attempt: both voting phases, the commit
// checks, the sleep, and the resume broadcast.
func (o *Orchestrator) cycle(ctx context.Context, t trigger) {
	forced := t.event == eventForce
	cfg := o.cfg()

	if !forced && !o.machine.CanSleep() {
		o.log.Debug("not attempting suspend", "reason", o.machine.CantSleepReason())
		return
	}

	o.log.Info("starting suspend attempt", "trigger", t.reason, "forced", forced)
	startedAt := time.Now()

	o.setState(StateRequestingSuspend)
	o.runPhase(ctx, client.PhaseSuspendRequest, cfg.WaitSuspendResponse(), o.bcast.SuspendRequest)

	o.setState(StatePreparingSuspend)
	o.runPhase(ctx, client.PhasePrepareSuspend, cfg.WaitPrepareSuspend(), o.bcast.PrepareSuspend)

	if ctx.Err() != nil {
		o.setState(StateIdle)
		return
	}

	now := time.Now()
	frozen := false
	if !forced {
		// An activity started during the handshake must still be able to
		// cancel it: this is the last check before the point of no return.
		if !o.acts.Freeze(now) {
			o.log.Info("aborting suspend, activity is active",
				"activities", o.acts.Count(now))
			o.finishCycle(ResumeTypeActivity, 0, cfg)
			return
		}
		frozen = true
	}
	// Thaw before the resume broadcast goes out so a client reacting to it
	// can take a lease immediately.
	thaw := func() {
		if frozen {
			o.acts.Thaw()
			frozen = false
		}
	}
	defer thaw()

	o.setState(StateSuspending)
	if err := o.bcast.Suspended(); err != nil {
		o.log.Warn("suspended broadcast failed", "error", err)
	}

	awake := now.Sub(o.LastWake())
	o.log.Info("committing to sleep",
		"awake", awake.Round(time.Millisecond),
		"decision", time.Since(startedAt).Round(time.Millisecond))

	if o.rec != nil {
		if err := o.rec.SaveWallClock(now); err != nil {
			o.log.Warn("could not save wall clock", "error", err)
		}
		if err := o.rec.RecordSleep(now, awake); err != nil {
			o.log.Warn("could not record sleep", "error", err)
		}
	}

	if !forced && !o.machine.CanSleep() {
		o.log.Info("aborting suspend", "reason", o.machine.CantSleepReason())
		thaw()
		o.finishCycle(ResumeTypeAbort, 0, cfg)
		return
	}

	if o.wakeups != nil {
		if at, ok := o.wakeups.NextWakeup(now); ok {
			o.log.Debug("programming wakeup", "at", at, "in", at.Sub(now).Round(time.Second))
			if err := o.machine.ScheduleWakeup(at); err != nil {
				o.log.Warn("could not program wakeup, aborting suspend", "error", err)
				thaw()
				o.finishCycle(ResumeTypeAbort, 0, cfg)
				return
			}
		}
	}

	sleptAt := time.Now()
	if err := o.machine.Sleep(ctx); err != nil {
		o.log.Warn("suspend call failed", "error", err)
		thaw()
		o.finishCycle(ResumeTypeAbort, 0, cfg)
		return
	}
	o.setState(StateSuspended)

	asleep := time.Since(sleptAt)
	o.log.Info("woke from sleep", "asleep", asleep.Round(time.Millisecond))
	thaw()
	o.finishCycle(ResumeTypeKernel, asleep, cfg)
}

// runPhase arms the gate, snapshots the expectation, broadcasts the phase
// signal, and waits for quorum or the deadline. Timeout is a normal
// conclusion, never an error: a hung client must not block system-wide
// suspension.
func (o *Orchestrator) runPhase(ctx context.Context, p client.Phase, timeout time.Duration, send func() error) {
	// Arm before snapshotting so a vote landing between the snapshot and
	// the wait signals an already-armed gate.
	token := o.gates[p].Arm()
	expected := o.reg.StartRound(p)

	if err := send(); err != nil {
		o.log.Warn("phase broadcast failed", "phase", p.String(), "error", err)
	}

	if expected == 0 {
		o.reg.ConcludeRound(p)
		o.log.Debug("no clients registered for phase", "phase", p.String())
		return
	}

	o.log.Debug("waiting for votes",
		"phase", p.String(), "expected", expected, "timeout", timeout)

	outcome := o.gates[p].Wait(ctx, token, timeout)
	summary := o.reg.ConcludeRound(p)

	switch outcome {
	case waitgate.TimedOut:
		o.log.Info("timed out waiting for clients to acknowledge",
			"phase", p.String(),
			"voted", summary.Voted,
			"expected", summary.Expected,
			"silent", strings.Join(summary.Silent, ","))
	case waitgate.Signaled:
		o.log.Debug("phase concluded",
			"phase", p.String(), "voted", summary.Voted, "nacks", summary.NACKs)
	case waitgate.Canceled:
		o.log.Debug("phase wait canceled", "phase", p.String())
	}
}

// finishCycle broadcasts resume, stamps the wake time, records the wake,
// reschedules the idle monitor, and returns to Idle.
func (o *Orchestrator) finishCycle(resumeType int, asleep time.Duration, cfg config.SuspendConfig) {
	o.setState(StateResuming)

	if err := o.bcast.Resume(resumeType); err != nil {
		o.log.Warn("resume broadcast failed", "error", err)
	}

	now := time.Now()
	o.lastWake.Store(&now)

	if o.rec != nil {
		if err := o.rec.RecordWake(now, asleep, resumeType); err != nil {
			o.log.Warn("could not record wake", "error", err)
		}
	}

	if fn := o.scheduleIdle.Load(); fn != nil {
		(*fn)(cfg.AfterResumeIdle())
	}

	o.setState(StateIdle)
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}
