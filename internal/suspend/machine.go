package suspend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Machine abstracts the platform power backend: the actual kernel suspend
// entry, the charger policy gate, and RTC wakeup programming. The suspend
// core never touches hardware directly.
type Machine interface {
	// CanSleep reports whether platform policy permits sleeping right now
	// (charger state vs the suspend_with_charger option).
	CanSleep() bool

	// CantSleepReason names the blocking condition, empty when none.
	CantSleepReason() string

	// Sleep enters the low-power state and blocks until the hardware wakes.
	// A nil return is a kernel wake; an error means the suspend attempt
	// failed and the device never slept.
	Sleep(ctx context.Context) error

	// ScheduleWakeup programs the RTC to wake the device at t.
	ScheduleWakeup(t time.Time) error
}

// Default sysfs paths for the Linux power backend.
const (
	DefaultPowerStatePath = "/sys/power/state"
	DefaultWakealarmPath  = "/sys/class/rtc/rtc0/wakealarm"
)

// SysfsMachine suspends the device by writing "mem" to the kernel power
// state file. The write blocks for the duration of the sleep; returning
// from it is the kernel resume.
type SysfsMachine struct {
	// PowerStatePath is the sysfs suspend entry, normally /sys/power/state.
	PowerStatePath string

	// WakealarmPath is the RTC wakealarm file.
	WakealarmPath string

	// SuspendWithCharger mirrors the config option; hot reload updates it.
	suspendWithCharger atomic.Bool

	chargerConnected atomic.Bool
}

// NewSysfsMachine returns a machine using the default sysfs paths.
func NewSysfsMachine(suspendWithCharger bool) *SysfsMachine {
	m := &SysfsMachine{
		PowerStatePath: DefaultPowerStatePath,
		WakealarmPath:  DefaultWakealarmPath,
	}
	m.suspendWithCharger.Store(suspendWithCharger)
	return m
}

// Probe verifies the power state file is writable. Called once at startup;
// failure is fatal for the daemon.
func (m *SysfsMachine) Probe() error {
	fd, err := unix.Open(m.PowerStatePath, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.PowerStatePath, err)
	}
	unix.Close(fd)
	return nil
}

// SetChargerConnected records the charger plug state reported over IPC.
func (m *SysfsMachine) SetChargerConnected(connected bool) {
	m.chargerConnected.Store(connected)
}

// SetSuspendWithCharger updates the charger policy, typically on config
// reload.
func (m *SysfsMachine) SetSuspendWithCharger(allow bool) {
	m.suspendWithCharger.Store(allow)
}

// CanSleep implements Machine.
func (m *SysfsMachine) CanSleep() bool {
	return !m.chargerConnected.Load() || m.suspendWithCharger.Load()
}

// CantSleepReason implements Machine.
func (m *SysfsMachine) CantSleepReason() string {
	if m.chargerConnected.Load() && !m.suspendWithCharger.Load() {
		return "charger_present"
	}
	return ""
}

// Sleep implements Machine. The sysfs write does not return until the
// device wakes.
func (m *SysfsMachine) Sleep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sysfsWriteString(m.PowerStatePath, "mem")
}

// ScheduleWakeup implements Machine. The RTC wakealarm wants an epoch
// timestamp; writing 0 first clears any stale alarm.
func (m *SysfsMachine) ScheduleWakeup(t time.Time) error {
	if err := sysfsWriteString(m.WakealarmPath, "0"); err != nil {
		return err
	}
	return sysfsWriteString(m.WakealarmPath, fmt.Sprintf("%d", t.Unix()))
}

// sysfsWriteString writes s to a sysfs attribute file.
func sysfsWriteString(path, s string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	buf := []byte(s)
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		buf = buf[n:]
	}
	return nil
}
