package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Common client errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrRemote           = errors.New("daemon rejected request")
)

// Client is the synchronous IPC client used by dozectl and tests. One
// request is in flight at a time; Watch takes over the connection for
// signal streaming.
type Client struct {
	mu         sync.Mutex
	conn       net.Conn
	socketPath string
	timeout    time.Duration
	nextReqID  atomic.Uint32
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// NewClient creates a client for the given socket.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.RequestTimeout,
	}
	return c
}

// Connect dials the daemon socket.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends a request and decodes the typed response into out. When the
// daemon answers with a plain Reply carrying an error, Call returns
// ErrRemote wrapped with the error text. out may be nil to discard the
// response body.
func (c *Client) Call(msgType MessageType, req any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	var payload []byte
	if req != nil {
		var err error
		payload, err = Encode(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, payload)

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := msg.Write(c.conn); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	resp, err := c.readResponse(reqID)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgReply {
		var rep Reply
		if err := Decode(resp.Payload, &rep); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		if !rep.ReturnValue {
			text := rep.ErrorText
			if rep.ErrorCode != "" {
				text = rep.ErrorCode + ": " + text
			}
			return fmt.Errorf("%w: %s", ErrRemote, text)
		}
		if out != nil {
			return Decode(resp.Payload, out)
		}
		return nil
	}

	if out != nil {
		return Decode(resp.Payload, out)
	}
	return nil
}

// readResponse reads frames until the one correlated with reqID shows up,
// skipping any interleaved signal pushes.
func (c *Client) readResponse(reqID uint32) (*Message, error) {
	for {
		resp, err := ReadMessage(c.conn)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.Header.Type == MsgSignal {
			continue
		}
		if resp.Header.RequestID != reqID {
			continue
		}
		return resp, nil
	}
}

// Identify performs the identify handshake and returns the assigned
// client id.
func (c *Client) Identify(clientName, applicationName string) (string, error) {
	var resp IdentifyResponse
	err := c.Call(MsgIdentify, &IdentifyRequest{
		Subscribe:       true,
		ClientName:      clientName,
		ApplicationName: applicationName,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.ReturnValue {
		return "", ErrRemote
	}
	return resp.ClientID, nil
}

// Watch blocks reading the signal stream, invoking fn per event, until
// the connection drops. The caller must have identified first.
func (c *Client) Watch(fn func(ev SignalEvent)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return err
		}
		if msg.Header.Type != MsgSignal {
			continue
		}
		var ev SignalEvent
		if err := Decode(msg.Payload, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}
