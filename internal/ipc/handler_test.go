package ipc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dozed/internal/activity"
	"dozed/internal/client"
	"dozed/internal/config"
	"dozed/internal/logging"
	"dozed/internal/suspend"
)

// stubMachine satisfies the orchestrator and the charger sink without any
// hardware.
type stubMachine struct {
	charger atomic.Bool
}

func (m *stubMachine) CanSleep() bool { return true }
func (m *stubMachine) CantSleepReason() string { return "" }
func (m *stubMachine) Sleep(ctx context.Context) error { return nil }
func (m *stubMachine) ScheduleWakeup(t time.Time) error { return nil }
func (m *stubMachine) SetChargerConnected(connected bool) {
	m.charger.Store(connected)
}

// fakeAlarms records scheduled wakeups in memory.
type fakeAlarms struct {
	mu     sync.Mutex
	nextID int64
	added  map[int64]time.Time
}

func newFakeAlarms() *fakeAlarms {
	return &fakeAlarms{added: make(map[int64]time.Time)}
}

func (a *fakeAlarms) Add(key, appID string, expiry time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.added[a.nextID] = expiry
	return a.nextID, nil
}

func (a *fakeAlarms) Remove(id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.added, id)
	return nil
}

type nopBcast struct{}

func (nopBcast) SuspendRequest() error { return nil }
func (nopBcast) PrepareSuspend() error { return nil }
func (nopBcast) Suspended() error      { return nil }
func (nopBcast) Resume(int) error      { return nil }

type fixture struct {
	disp    *Dispatcher
	reg     *client.Registry
	acts    *activity.Ledger
	machine *stubMachine
	alarms  *fakeAlarms
	conn    *Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		reg:     client.NewRegistry(),
		acts:    activity.NewLedger(),
		machine: &stubMachine{},
		alarms:  newFakeAlarms(),
		conn:    &Conn{ID: "conn-1", ConnectedAt: time.Now()},
	}
	orch := suspend.New(suspend.Options{
		Registry:   f.reg,
		Activities: f.acts,
		Machine:    f.machine,
		Broadcast:  nopBcast{},
		Config:     func() config.SuspendConfig { return config.Default().Suspend },
		Logger:     logging.Default(),
	})
	f.disp = NewDispatcher("test", f.reg, f.acts, orch, f.machine, f.alarms, nil, logging.Default())
	return f
}

func (f *fixture) call(t *testing.T, msgType MessageType, payload string) *Message {
	t.Helper()
	msg := NewMessage(msgType, 7, []byte(payload))
	resp, err := f.disp.HandleMessage(context.Background(), f.conn, msg)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func decodeReply(t *testing.T, msg *Message) Reply {
	t.Helper()
	require.Equal(t, MsgReply, msg.Header.Type)
	var rep Reply
	require.NoError(t, Decode(msg.Payload, &rep))
	return rep
}

func (f *fixture) identify(t *testing.T) string {
	t.Helper()
	resp := f.call(t, MsgIdentify, `{"subscribe":true,"clientName":"svc","applicationName":"app"}`)
	var ir IdentifyResponse
	require.NoError(t, Decode(resp.Payload, &ir))
	require.True(t, ir.ReturnValue)
	return ir.ClientID
}

func TestHandler_Identify(t *testing.T) {
	f := newFixture(t)

	id := f.identify(t)
	assert.Equal(t, f.conn.ID, id, "clientId is the connection token")
	assert.True(t, f.conn.Subscribed())

	rec, ok := f.reg.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "svc", rec.Name)
	assert.Equal(t, "app", rec.ApplicationName)
}

func TestHandler_IdentifyWithoutSubscribe(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, MsgIdentify, `{"subscribe":false}`)
	rep := decodeReply(t, resp)
	assert.False(t, rep.ReturnValue)
	assert.Equal(t, ErrCodeInvalidParams, rep.ErrorCode)
	assert.False(t, f.conn.Subscribed())
}

func TestHandler_MalformedJSON(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, MsgIdentify, `{"subscribe":`)
	rep := decodeReply(t, resp)
	assert.False(t, rep.ReturnValue)
	assert.Equal(t, ErrCodeBadJSON, rep.ErrorCode)
}

func TestHandler_RegisterAndAck(t *testing.T) {
	f := newFixture(t)
	id := f.identify(t)

	rep := decodeReply(t, f.call(t, MsgSuspendRequestRegister,
		`{"clientId":"`+id+`","register":true}`))
	require.True(t, rep.ReturnValue)

	rec, _ := f.reg.Lookup(id)
	assert.True(t, rec.SuspendRequest)
	assert.False(t, rec.PrepareSuspend)

	f.reg.StartRound(client.PhaseSuspendRequest)
	rep = decodeReply(t, f.call(t, MsgSuspendRequestAck,
		`{"clientId":"`+id+`","ack":true}`))
	assert.True(t, rep.ReturnValue)

	sum := f.reg.ConcludeRound(client.PhaseSuspendRequest)
	assert.Equal(t, 1, sum.Voted)
}

func TestHandler_UnknownClient(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name    string
		msgType MessageType
		payload string
	}{
		{"register", MsgSuspendRequestRegister, `{"clientId":"ghost","register":true}`},
		{"ack", MsgPrepareSuspendAck, `{"clientId":"ghost","ack":false}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rep := decodeReply(t, f.call(t, tc.msgType, tc.payload))
			assert.False(t, rep.ReturnValue)
			assert.Empty(t, rep.ErrorCode, "custom errors carry no code")
			assert.Equal(t, "Client not found", rep.ErrorText)
		})
	}
}

func TestHandler_ActivityStart(t *testing.T) {
	f := newFixture(t)

	rep := decodeReply(t, f.call(t, MsgActivityStart,
		`{"id":"download","duration_ms":60000}`))
	require.True(t, rep.ReturnValue)
	assert.True(t, f.acts.HasActive(time.Now()))
}

func TestHandler_ActivityStartRejectsBadDuration(t *testing.T) {
	f := newFixture(t)

	for _, payload := range []string{
		`{"id":"x","duration_ms":0}`,
		`{"id":"x","duration_ms":-5}`,
		`{"id":"x"}`,
	} {
		rep := decodeReply(t, f.call(t, MsgActivityStart, payload))
		assert.False(t, rep.ReturnValue)
		assert.Equal(t, ErrCodeInvalidParams, rep.ErrorCode)
	}
	assert.False(t, f.acts.HasActive(time.Now()))
}

func TestHandler_ActivityStartWhileFrozen(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.acts.Freeze(time.Now()))

	rep := decodeReply(t, f.call(t, MsgActivityStart,
		`{"id":"late","duration_ms":1000}`))
	assert.False(t, rep.ReturnValue)
	assert.Equal(t, "Activities Frozen", rep.ErrorText)
}

func TestHandler_ActivityEnd(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.acts.Start("call", time.Minute))

	rep := decodeReply(t, f.call(t, MsgActivityEnd, `{"id":"call"}`))
	assert.True(t, rep.ReturnValue)
	assert.False(t, f.acts.HasActive(time.Now()))
}

func TestHandler_ClientCancelByName(t *testing.T) {
	f := newFixture(t)
	f.identify(t)

	rep := decodeReply(t, f.call(t, MsgClientCancelByName, `{"clientName":"svc"}`))
	assert.True(t, rep.ReturnValue)
	assert.Equal(t, 0, f.reg.Count())
}

func TestHandler_ChargerStatus(t *testing.T) {
	f := newFixture(t)

	rep := decodeReply(t, f.call(t, MsgChargerStatus, `{"connected":true}`))
	assert.True(t, rep.ReturnValue)
	assert.True(t, f.machine.charger.Load())
}

func TestHandler_AlarmAdd(t *testing.T) {
	f := newFixture(t)

	before := time.Now()
	resp := f.call(t, MsgAlarmAdd, `{"key":"calendar","app_id":"org.example.cal","in_s":600}`)
	require.Equal(t, MsgAlarmAddResp, resp.Header.Type)

	var ar AlarmAddResponse
	require.NoError(t, Decode(resp.Payload, &ar))
	assert.True(t, ar.ReturnValue)
	require.NotZero(t, ar.AlarmID)

	expiry, ok := f.alarms.added[ar.AlarmID]
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(600*time.Second), expiry, time.Second)
}

func TestHandler_AlarmRemove(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, MsgAlarmAdd, `{"key":"backup","in_s":60}`)
	var ar AlarmAddResponse
	require.NoError(t, Decode(resp.Payload, &ar))

	rep := decodeReply(t, f.call(t, MsgAlarmRemove,
		fmt.Sprintf(`{"alarmId":%d}`, ar.AlarmID)))
	assert.True(t, rep.ReturnValue)
	assert.Empty(t, f.alarms.added)
}

func TestHandler_AlarmAddRejectsBadParams(t *testing.T) {
	f := newFixture(t)

	for _, payload := range []string{
		`{"key":"x","in_s":0}`,
		`{"key":"","in_s":5}`,
		`{"in_s":5}`,
	} {
		rep := decodeReply(t, f.call(t, MsgAlarmAdd, payload))
		assert.False(t, rep.ReturnValue)
		assert.Equal(t, ErrCodeInvalidParams, rep.ErrorCode)
	}
	assert.Empty(t, f.alarms.added)
}

func TestHandler_AlarmsDisabled(t *testing.T) {
	f := newFixture(t)
	f.disp.alarms = nil

	rep := decodeReply(t, f.call(t, MsgAlarmAdd, `{"key":"x","in_s":5}`))
	assert.False(t, rep.ReturnValue)
	assert.Empty(t, rep.ErrorCode, "custom errors carry no code")
	assert.Equal(t, "Alarms disabled", rep.ErrorText)
}

func TestHandler_Status(t *testing.T) {
	f := newFixture(t)
	f.identify(t)
	require.True(t, f.acts.Start("sync", time.Minute))

	resp := f.call(t, MsgStatusRequest, "")
	require.Equal(t, MsgStatusResponse, resp.Header.Type)

	var st StatusResponse
	require.NoError(t, Decode(resp.Payload, &st))
	assert.True(t, st.ReturnValue)
	assert.Equal(t, "idle", st.State)
	assert.Len(t, st.Clients, 1)
	assert.Len(t, st.Activities, 1)
}

func TestHandler_UnknownMessageType(t *testing.T) {
	f := newFixture(t)

	rep := decodeReply(t, f.call(t, MessageType(0x7777), ""))
	assert.False(t, rep.ReturnValue)
	assert.Equal(t, ErrCodeUnknown, rep.ErrorCode)
}

func TestHandler_Ping(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, MsgPing, "")
	assert.Equal(t, MsgPong, resp.Header.Type)
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	id := f.identify(t)
	decodeReply(t, f.call(t, MsgSuspendRequestRegister,
		`{"clientId":"`+id+`","register":true}`))

	f.reg.StartRound(client.PhaseSuspendRequest)
	f.disp.HandleDisconnect(id)

	assert.Equal(t, 0, f.reg.Count())
	sum := f.reg.ConcludeRound(client.PhaseSuspendRequest)
	assert.Equal(t, 0, sum.Expected, "the vanished client must be withdrawn")
}
