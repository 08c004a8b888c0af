// Package ipc provides inter-process communication between the dozed daemon
// and client applications (dozectl, power-aware services).
//
// The protocol is a length-prefixed frame stream over a unix socket:
// request/response for commands, plus a one-way signal stream pushed to
// subscribed connections for the four power transitions.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x44505752 // "DPWR"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgReply MessageType = 0x0003

	// Handshake and registration (0x01xx)
	MsgIdentify               MessageType = 0x0100
	MsgIdentifyResp           MessageType = 0x0101
	MsgSuspendRequestRegister MessageType = 0x0102
	MsgPrepareSuspendRegister MessageType = 0x0103
	MsgSuspendRequestAck      MessageType = 0x0104
	MsgPrepareSuspendAck      MessageType = 0x0105

	// Activity leases (0x02xx)
	MsgActivityStart MessageType = 0x0200
	MsgActivityEnd   MessageType = 0x0201

	// Administrative (0x03xx)
	MsgClientCancelByName MessageType = 0x0300
	MsgForceSuspend       MessageType = 0x0301
	MsgChargerStatus      MessageType = 0x0302
	MsgStatusRequest      MessageType = 0x0303
	MsgStatusResponse     MessageType = 0x0304
	MsgHistoryRequest     MessageType = 0x0305
	MsgHistoryResponse    MessageType = 0x0306

	// RTC wakeup alarms (0x04xx)
	MsgAlarmAdd     MessageType = 0x0400
	MsgAlarmAddResp MessageType = 0x0401
	MsgAlarmRemove  MessageType = 0x0402

	// Pushed signals (0x05xx)
	MsgSignal MessageType = 0x0500
)

// Method returns the wire method name used for schema validation, or ""
// for message types without a request schema.
func (t MessageType) Method() string {
	switch t {
	case MsgIdentify:
		return "identify"
	case MsgSuspendRequestRegister:
		return "suspendRequestRegister"
	case MsgPrepareSuspendRegister:
		return "prepareSuspendRegister"
	case MsgSuspendRequestAck:
		return "suspendRequestAck"
	case MsgPrepareSuspendAck:
		return "prepareSuspendAck"
	case MsgActivityStart:
		return "activityStart"
	case MsgActivityEnd:
		return "activityEnd"
	case MsgClientCancelByName:
		return "clientCancelByName"
	case MsgForceSuspend:
		return "forceSuspend"
	case MsgChargerStatus:
		return "chargerStatus"
	case MsgAlarmAdd:
		return "alarmAdd"
	case MsgAlarmRemove:
		return "alarmRemove"
	default:
		return ""
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// MaxPayload bounds a single frame's payload.
const MaxPayload = 1 << 20

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Wire error codes. Anything else travels as free text in errorText.
const (
	ErrCodeBadJSON       = "BadJSON"
	ErrCodeInvalidParams = "InvalidParams"
	ErrCodeUnknown       = "Unknown"
)

// Reply is the generic command response envelope.
type Reply struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`
}

// Request/Response payloads

// IdentifyRequest binds names to the connection and subscribes it to the
// signal stream. subscribe must be true; identifying without subscribing
// is rejected.
type IdentifyRequest struct {
	Subscribe       bool   `json:"subscribe"`
	ClientName      string `json:"clientName,omitempty"`
	ApplicationName string `json:"applicationName,omitempty"`
}

// IdentifyResponse carries the server-assigned client id.
type IdentifyResponse struct {
	Subscribed  bool   `json:"subscribed"`
	ClientID    string `json:"clientId"`
	ReturnValue bool   `json:"returnValue"`
}

// RegisterRequest opts a client in or out of a handshake phase.
type RegisterRequest struct {
	ClientID string `json:"clientId"`
	Register bool   `json:"register"`
}

// AckRequest is a vote: ack true is an ACK, false a NACK.
type AckRequest struct {
	ClientID string `json:"clientId"`
	Ack      bool   `json:"ack"`
}

// ActivityStartRequest claims an activity lease.
type ActivityStartRequest struct {
	ActivityID string `json:"id"`
	DurationMs int64  `json:"duration_ms"`
}

// ActivityEndRequest releases an activity lease early.
type ActivityEndRequest struct {
	ActivityID string `json:"id"`
}

// ClientCancelByNameRequest unregisters every client with the given name.
type ClientCancelByNameRequest struct {
	ClientName string `json:"clientName"`
}

// ForceSuspendRequest starts a suspend attempt bypassing the idle and
// charger checks.
type ForceSuspendRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ChargerStatusRequest reports charger plug state.
type ChargerStatusRequest struct {
	Connected bool `json:"connected"`
}

// AlarmAddRequest schedules an RTC wakeup in_s seconds from now.
type AlarmAddRequest struct {
	Key    string `json:"key"`
	AppID  string `json:"app_id,omitempty"`
	InSecs int64  `json:"in_s"`
}

// AlarmAddResponse carries the assigned alarm id.
type AlarmAddResponse struct {
	AlarmID     int64 `json:"alarmId"`
	ReturnValue bool  `json:"returnValue"`
}

// AlarmRemoveRequest cancels a scheduled wakeup.
type AlarmRemoveRequest struct {
	AlarmID int64 `json:"alarmId"`
}

// Signal names pushed on the signal stream.
const (
	SignalSuspendRequest = "suspendRequest"
	SignalPrepareSuspend = "prepareSuspend"
	SignalSuspended      = "suspended"
	SignalResume         = "resume"
)

// SignalEvent is one pushed power transition. ResumeType is present only
// for the resume signal.
type SignalEvent struct {
	Signal     string    `json:"signal"`
	ResumeType *int      `json:"resumetype,omitempty"`
	At         time.Time `json:"at"`
}

// ClientInfo describes one registered client in the status reply.
type ClientInfo struct {
	ClientID           string `json:"clientId"`
	ClientName         string `json:"clientName,omitempty"`
	ApplicationName    string `json:"applicationName,omitempty"`
	SuspendRequest     bool   `json:"suspendRequest"`
	PrepareSuspend     bool   `json:"prepareSuspend"`
	NACKSuspendRequest uint   `json:"nackSuspendRequest"`
	NACKPrepareSuspend uint   `json:"nackPrepareSuspend"`
}

// ActivityInfo describes one live activity lease in the status reply.
type ActivityInfo struct {
	ActivityID string    `json:"id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StatusResponse contains daemon status.
type StatusResponse struct {
	Version     string         `json:"version"`
	State       string         `json:"state"`
	LastWake    time.Time      `json:"last_wake"`
	Subscribers int            `json:"subscribers"`
	Clients     []ClientInfo   `json:"clients"`
	Activities  []ActivityInfo `json:"activities"`
	ReturnValue bool           `json:"returnValue"`
}

// HistoryRequest asks for recent sleep/wake records.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryRecord is one sleep or wake entry.
type HistoryRecord struct {
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms"`
	ResumeType int       `json:"resume_type"`
}

// HistoryResponse contains the sleep/wake history, newest first.
type HistoryResponse struct {
	Records     []HistoryRecord `json:"records"`
	ReturnValue bool            `json:"returnValue"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewReply creates a Reply message.
func NewReply(requestID uint32, ok bool, code, text string) *Message {
	payload, _ := Encode(&Reply{ReturnValue: ok, ErrorCode: code, ErrorText: text})
	return NewMessage(MsgReply, requestID, payload)
}

// NewResponse creates a response message of the given type.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
