package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dozed/internal/activity"
	"dozed/internal/client"
	"dozed/internal/logging"
	"dozed/internal/schema"
	"dozed/internal/suspend"
)

// HistorySource supplies sleep/wake records for the history command.
// Optional; a nil source yields empty history.
type HistorySource interface {
	History(limit int) ([]HistoryTuple, error)
}

// HistoryTuple is the store-agnostic form of one history row.
type HistoryTuple struct {
	Kind       string
	At         time.Time
	Duration   time.Duration
	ResumeType int
}

// ChargerSink receives charger plug state reported over the wire.
type ChargerSink interface {
	SetChargerConnected(connected bool)
}

// AlarmStore schedules and cancels RTC wakeups reported over the wire.
// Optional; without it the alarm methods report that alarms are disabled.
type AlarmStore interface {
	Add(key, appID string, expiry time.Time) (int64, error)
	Remove(id int64) error
}

// Dispatcher routes IPC requests onto the suspend core. One instance
// serves every connection; all the state it touches is internally locked.
type Dispatcher struct {
	version string

	reg     *client.Registry
	acts    *activity.Ledger
	orch    *suspend.Orchestrator
	charger ChargerSink
	alarms  AlarmStore
	hist    HistorySource
	log     *logging.Logger

	// subscribers is consulted for the status reply.
	subscribers func() int
}

// NewDispatcher wires a dispatcher. Charger, alarms and hist may be nil.
func NewDispatcher(version string, reg *client.Registry, acts *activity.Ledger, orch *suspend.Orchestrator, charger ChargerSink, alarms AlarmStore, hist HistorySource, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		version:     version,
		reg:         reg,
		acts:        acts,
		orch:        orch,
		charger:     charger,
		alarms:      alarms,
		hist:        hist,
		log:         log,
		subscribers: func() int { return 0 },
	}
}

// SetSubscriberCounter installs the live subscriber counter used by the
// status reply. The server is constructed after the dispatcher, hence the
// late binding.
func (d *Dispatcher) SetSubscriberCounter(fn func() int) {
	d.subscribers = fn
}

// HandleDisconnect implements Handler. A vanished connection is an
// implicit cancel: its registrations are withdrawn so no future round
// waits on it.
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.reg.UnregisterByID(connID)
}

// HandleMessage implements Handler.
func (d *Dispatcher) HandleMessage(_ context.Context, conn *Conn, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID

	if method := msg.Header.Type.Method(); method != "" {
		if err := schema.Validate(method, msg.Payload); err != nil {
			return schemaErrorReply(reqID, err), nil
		}
	}

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, reqID, nil), nil

	case MsgIdentify:
		return d.handleIdentify(conn, reqID, msg.Payload)

	case MsgSuspendRequestRegister:
		return d.handleRegister(reqID, msg.Payload, client.PhaseSuspendRequest)
	case MsgPrepareSuspendRegister:
		return d.handleRegister(reqID, msg.Payload, client.PhasePrepareSuspend)

	case MsgSuspendRequestAck:
		return d.handleAck(reqID, msg.Payload, client.PhaseSuspendRequest)
	case MsgPrepareSuspendAck:
		return d.handleAck(reqID, msg.Payload, client.PhasePrepareSuspend)

	case MsgActivityStart:
		return d.handleActivityStart(reqID, msg.Payload)
	case MsgActivityEnd:
		return d.handleActivityEnd(reqID, msg.Payload)

	case MsgClientCancelByName:
		return d.handleClientCancelByName(reqID, msg.Payload)

	case MsgForceSuspend:
		return d.handleForceSuspend(reqID, msg.Payload)

	case MsgChargerStatus:
		return d.handleChargerStatus(reqID, msg.Payload)

	case MsgAlarmAdd:
		return d.handleAlarmAdd(reqID, msg.Payload)
	case MsgAlarmRemove:
		return d.handleAlarmRemove(reqID, msg.Payload)

	case MsgStatusRequest:
		return d.handleStatus(reqID)

	case MsgHistoryRequest:
		return d.handleHistory(reqID, msg.Payload)

	default:
		return NewReply(reqID, false, ErrCodeUnknown,
			fmt.Sprintf("unknown message type 0x%04x", uint16(msg.Header.Type))), nil
	}
}

func schemaErrorReply(reqID uint32, err error) *Message {
	if errors.Is(err, schema.ErrMalformed) {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error())
	}
	return NewReply(reqID, false, ErrCodeInvalidParams, err.Error())
}

func (d *Dispatcher) handleIdentify(conn *Conn, reqID uint32, payload []byte) (*Message, error) {
	var req IdentifyRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	// The signal stream is the whole point of identifying; refusing it
	// leaves the caller unable to ever see a phase broadcast.
	if !req.Subscribe {
		return NewReply(reqID, false, ErrCodeInvalidParams, "subscribe must be true"), nil
	}

	rec := d.reg.Identify(conn.ID, req.ClientName, req.ApplicationName)
	conn.Subscribe()

	d.log.Info("client identified",
		"client", rec.ID, "name", rec.Name, "application", rec.ApplicationName)

	return NewResponse(MsgIdentifyResp, reqID, &IdentifyResponse{
		Subscribed:  true,
		ClientID:    rec.ID,
		ReturnValue: true,
	})
}

func (d *Dispatcher) handleRegister(reqID uint32, payload []byte, p client.Phase) (*Message, error) {
	var req RegisterRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	if err := d.reg.SetPhaseRegistration(req.ClientID, p, req.Register); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return NewReply(reqID, false, "", "Client not found"), nil
		}
		return nil, err
	}

	d.log.Debug("phase registration changed",
		"client", req.ClientID, "phase", p.String(), "register", req.Register)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleAck(reqID uint32, payload []byte, p client.Phase) (*Message, error) {
	var req AckRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	if err := d.reg.Vote(req.ClientID, p, req.Ack); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return NewReply(reqID, false, "", "Client not found"), nil
		}
		return nil, err
	}

	if !req.Ack {
		d.log.Info("client nacked", "client", req.ClientID, "phase", p.String())
	}
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleActivityStart(reqID uint32, payload []byte) (*Message, error) {
	var req ActivityStartRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	// Schema validation already rejected non-positive durations, so a
	// refusal here means the ledger is frozen.
	if !d.acts.Start(req.ActivityID, time.Duration(req.DurationMs)*time.Millisecond) {
		return NewReply(reqID, false, "", "Activities Frozen"), nil
	}

	d.log.Debug("activity started",
		"activity", req.ActivityID, "duration_ms", req.DurationMs)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleActivityEnd(reqID uint32, payload []byte) (*Message, error) {
	var req ActivityEndRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	d.acts.Stop(req.ActivityID)
	d.log.Debug("activity ended", "activity", req.ActivityID)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleClientCancelByName(reqID uint32, payload []byte) (*Message, error) {
	var req ClientCancelByNameRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	d.reg.UnregisterByName(req.ClientName)
	d.log.Info("clients canceled by name", "name", req.ClientName)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleForceSuspend(reqID uint32, payload []byte) (*Message, error) {
	var req ForceSuspendRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	reason := req.Reason
	if reason == "" {
		reason = "forceSuspend"
	}
	d.log.Info("force suspend requested", "reason", reason)
	d.orch.ForceSuspend(reason)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleChargerStatus(reqID uint32, payload []byte) (*Message, error) {
	var req ChargerStatusRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	if d.charger != nil {
		d.charger.SetChargerConnected(req.Connected)
	}
	d.log.Debug("charger status", "connected", req.Connected)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleAlarmAdd(reqID uint32, payload []byte) (*Message, error) {
	var req AlarmAddRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	if d.alarms == nil {
		return NewReply(reqID, false, "", "Alarms disabled"), nil
	}

	expiry := time.Now().Add(time.Duration(req.InSecs) * time.Second)
	id, err := d.alarms.Add(req.Key, req.AppID, expiry)
	if err != nil {
		return NewReply(reqID, false, ErrCodeUnknown, err.Error()), nil
	}

	d.log.Debug("alarm scheduled",
		"id", id, "key", req.Key, "app", req.AppID, "in_s", req.InSecs)
	return NewResponse(MsgAlarmAddResp, reqID, &AlarmAddResponse{
		AlarmID:     id,
		ReturnValue: true,
	})
}

func (d *Dispatcher) handleAlarmRemove(reqID uint32, payload []byte) (*Message, error) {
	var req AlarmRemoveRequest
	if err := Decode(payload, &req); err != nil {
		return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
	}

	if d.alarms == nil {
		return NewReply(reqID, false, "", "Alarms disabled"), nil
	}

	if err := d.alarms.Remove(req.AlarmID); err != nil {
		return NewReply(reqID, false, ErrCodeUnknown, err.Error()), nil
	}

	d.log.Debug("alarm removed", "id", req.AlarmID)
	return NewReply(reqID, true, "", ""), nil
}

func (d *Dispatcher) handleStatus(reqID uint32) (*Message, error) {
	now := time.Now()

	resp := &StatusResponse{
		Version:     d.version,
		State:       d.orch.State().String(),
		LastWake:    d.orch.LastWake(),
		Subscribers: d.subscribers(),
		Clients:     []ClientInfo{},
		Activities:  []ActivityInfo{},
		ReturnValue: true,
	}

	for _, rec := range d.reg.Snapshot() {
		resp.Clients = append(resp.Clients, ClientInfo{
			ClientID:           rec.ID,
			ClientName:         rec.Name,
			ApplicationName:    rec.ApplicationName,
			SuspendRequest:     rec.SuspendRequest,
			PrepareSuspend:     rec.PrepareSuspend,
			NACKSuspendRequest: rec.NACKSuspendRequest,
			NACKPrepareSuspend: rec.NACKPrepareSuspend,
		})
	}

	for _, lease := range d.acts.Snapshot(now) {
		resp.Activities = append(resp.Activities, ActivityInfo{
			ActivityID: lease.ID,
			ExpiresAt:  lease.ExpiresAt,
		})
	}

	return NewResponse(MsgStatusResponse, reqID, resp)
}

func (d *Dispatcher) handleHistory(reqID uint32, payload []byte) (*Message, error) {
	var req HistoryRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewReply(reqID, false, ErrCodeBadJSON, err.Error()), nil
		}
	}

	resp := &HistoryResponse{Records: []HistoryRecord{}, ReturnValue: true}
	if d.hist != nil {
		tuples, err := d.hist.History(req.Limit)
		if err != nil {
			return NewReply(reqID, false, ErrCodeUnknown, err.Error()), nil
		}
		for _, t := range tuples {
			resp.Records = append(resp.Records, HistoryRecord{
				Kind:       t.Kind,
				At:         t.At,
				DurationMs: t.Duration.Milliseconds(),
				ResumeType: t.ResumeType,
			})
		}
	}

	return NewResponse(MsgHistoryResponse, reqID, resp)
}
