package main

import (
	"errors"
	"sync"
	"time"

	"dozed/internal/dbusbridge"
	"dozed/internal/ipc"
	"dozed/internal/logging"
)

// fanout delivers each power transition to both listener surfaces: the
// socket signal stream and, when connected, the D-Bus bridge. The two
// deliveries are independent; a failure on one never suppresses the other.
type fanout struct {
	mu     sync.RWMutex
	srv    *ipc.Server
	bridge *dbusbridge.Bridge
	log    *logging.Logger
}

func newFanout(bridge *dbusbridge.Bridge, log *logging.Logger) *fanout {
	return &fanout{bridge: bridge, log: log}
}

// bind installs the IPC server. The server is constructed after the
// orchestrator, which already holds the fanout, hence the late binding.
func (f *fanout) bind(srv *ipc.Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.srv = srv
}

func (f *fanout) SuspendRequest() error {
	return f.deliver(ipc.SignalSuspendRequest, nil)
}

func (f *fanout) PrepareSuspend() error {
	return f.deliver(ipc.SignalPrepareSuspend, nil)
}

func (f *fanout) Suspended() error {
	return f.deliver(ipc.SignalSuspended, nil)
}

func (f *fanout) Resume(resumeType int) error {
	return f.deliver(ipc.SignalResume, &resumeType)
}

func (f *fanout) deliver(signal string, resumeType *int) error {
	f.mu.RLock()
	srv, bridge := f.srv, f.bridge
	f.mu.RUnlock()

	var errs []error

	if srv != nil {
		ev := &ipc.SignalEvent{Signal: signal, ResumeType: resumeType, At: time.Now()}
		if err := srv.PushSignal(ev); err != nil {
			errs = append(errs, err)
		}
	}

	if bridge != nil {
		var err error
		switch signal {
		case ipc.SignalSuspendRequest:
			err = bridge.SuspendRequest()
		case ipc.SignalPrepareSuspend:
			err = bridge.PrepareSuspend()
		case ipc.SignalSuspended:
			err = bridge.Suspended()
		case ipc.SignalResume:
			err = bridge.Resume(*resumeType)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
