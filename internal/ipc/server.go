package ipc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"dozed/internal/logging"
)

// Handler processes IPC messages and observes disconnects.
type Handler interface {
	// HandleMessage processes a message and returns a response.
	HandleMessage(ctx context.Context, conn *Conn, msg *Message) (*Message, error)

	// HandleDisconnect runs after a connection goes away, before its
	// state is forgotten.
	HandleDisconnect(connID string)
}

// Conn represents one connected client.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	conn net.Conn

	// subscribed flips once identify succeeds; only subscribed
	// connections receive the signal stream.
	subscribed atomic.Bool

	writeMu sync.Mutex
}

// Subscribe marks the connection as a signal stream subscriber.
func (c *Conn) Subscribe() {
	c.subscribed.Store(true)
}

// Subscribed reports whether the connection receives signals.
func (c *Conn) Subscribed() bool {
	return c.subscribed.Load()
}

// send writes a message to the connection, serialized against concurrent
// pushes.
func (c *Conn) send(m *Message, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return m.Write(c.conn)
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// Server is the unix-socket IPC server.
type Server struct {
	mu       sync.RWMutex
	listener net.Listener
	cfg      ServerConfig
	handler  Handler
	log      *logging.Logger
	conns    map[string]*Conn

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates the IPC server.
func NewServer(cfg ServerConfig, handler Handler, log *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log,
		conns:   make(map[string]*Conn),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket file from a previous run.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out waiting for connections")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// ConnCount returns the number of connected clients.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// SubscriberCount returns the number of signal stream subscribers.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.conns {
		if c.Subscribed() {
			n++
		}
	}
	return n
}

// PushSignal sends a signal event to every subscribed connection. A
// failing subscriber is logged and skipped; delivery to the rest proceeds.
func (s *Server) PushSignal(ev *SignalEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.Subscribed() {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		msg := NewMessage(MsgSignal, 0, payload)
		if err := c.send(msg, s.cfg.WriteTimeout); err != nil {
			s.log.Warn("signal push failed",
				"client", c.ID, "signal", ev.Signal, "error", err)
		}
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.mu.RLock()
		count := len(s.conns)
		s.mu.RUnlock()
		if s.cfg.MaxConnections > 0 && count >= s.cfg.MaxConnections {
			s.log.Warn("connection limit reached, rejecting", "limit", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		c := &Conn{
			ID:          generateConnID(),
			conn:        conn,
			ConnectedAt: time.Now(),
		}

		s.mu.Lock()
		s.conns[c.ID] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c *Conn) {
	defer s.wg.Done()
	defer func() {
		c.conn.Close()

		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()

		s.handler.HandleDisconnect(c.ID)
		s.log.Debug("client disconnected", "client", c.ID)
	}()

	s.log.Debug("client connected", "client", c.ID)

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return
		}

		resp, err := s.handler.HandleMessage(s.ctx, c, msg)
		if err != nil {
			s.log.Warn("message handling failed",
				"client", c.ID, "type", fmt.Sprintf("0x%04x", uint16(msg.Header.Type)), "error", err)
			resp = NewReply(msg.Header.RequestID, false, ErrCodeUnknown, err.Error())
		}
		if resp == nil {
			continue
		}
		if err := c.send(resp, s.cfg.WriteTimeout); err != nil {
			return
		}
	}
}

func generateConnID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
