// Package dbusbridge mirrors the power transition signals onto the
// message bus so listeners that never connect to the daemon socket still
// observe suspend/resume.
//
// Every signal is emitted twice, once on the deprecated interface name and
// once on the current one. The two emissions are independent: a failure on
// one channel never suppresses the other, and neither failure is fatal.
package dbusbridge

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"dozed/internal/config"
	"dozed/internal/logging"
)

// Bus identity of the daemon.
const (
	BusName = "io.dozed"
	Path    = dbus.ObjectPath("/io/dozed/Power")
)

// Signal member names.
const (
	MemberSuspendRequest = "suspendRequest"
	MemberPrepareSuspend = "prepareSuspend"
	MemberSuspended      = "suspended"
	MemberResume         = "resume"
)

// Bridge owns the bus connection and the two emission interfaces.
type Bridge struct {
	conn    *dbus.Conn
	legacy  string
	current string
	log     *logging.Logger
}

// Connect attaches to the bus and claims the daemon's name. The session
// bus is used only when the config asks for it (tests, development).
func Connect(cfg config.DBusConfig, log *logging.Logger) (*Bridge, error) {
	var conn *dbus.Conn
	var err error
	if cfg.UseSessionBus {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("name %s already owned", BusName)
	}

	log.Info("dbus bridge connected",
		"name", BusName, "legacy", cfg.LegacyInterface, "current", cfg.CurrentInterface)

	return &Bridge{
		conn:    conn,
		legacy:  cfg.LegacyInterface,
		current: cfg.CurrentInterface,
		log:     log,
	}, nil
}

// Close releases the bus connection.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// SuspendRequest emits the first-phase signal.
func (b *Bridge) SuspendRequest() error {
	return b.emit(MemberSuspendRequest)
}

// PrepareSuspend emits the second-phase signal.
func (b *Bridge) PrepareSuspend() error {
	return b.emit(MemberPrepareSuspend)
}

// Suspended emits the commit signal.
func (b *Bridge) Suspended() error {
	return b.emit(MemberSuspended)
}

// Resume emits the resume signal with its type argument.
func (b *Bridge) Resume(resumeType int) error {
	return b.emit(MemberResume, int32(resumeType))
}

func (b *Bridge) emit(member string, args ...interface{}) error {
	var errs []error
	for _, iface := range []string{b.legacy, b.current} {
		if iface == "" {
			continue
		}
		if err := b.conn.Emit(Path, iface+"."+member, args...); err != nil {
			b.log.Warn("dbus emit failed", "interface", iface, "member", member, "error", err)
			errs = append(errs, fmt.Errorf("%s.%s: %w", iface, member, err))
		}
	}
	return errors.Join(errs...)
}
