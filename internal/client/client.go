package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"tablesync/internal/events"
	"tablesync/internal/protocol"

	"github.com/coder/websocket"
)

var (
	ErrConnectionTimeout  = errors.New("handshake timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Events published on the bus. Message payloads are protocol.ServerMessage;
// the disconnect payload is the terminal error.
const (
	EventMessage    = "message"
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

type Config struct {
	URL      string // websocket endpoint, e.g. ws://host/ws
	RoomCode string
	Name     string
	HostKey  string

	HandshakeTimeout time.Duration // default 10s
	QueueCapacity    int           // default 64
	BackoffBase      time.Duration // default 500ms
	BackoffCap       time.Duration // default 15s
	MaxAttempts      int           // default 5
}

func (c *Config) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

type pendingConnect struct {
	done chan struct{}
	err  error
}

// Manager owns one persistent connection: dialing, sending, queueing while
// offline, and reconnecting with capped exponential backoff. State lives in
// the Manager value, never in package globals, so independent sessions can
// coexist.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  *pendingConnect
	queue    [][]byte
	gen      int // bumped by Disconnect; stale goroutines check it and bail
	terminal bool

	writeMu sync.Mutex
}

func NewManager(cfg Config, bus *events.Bus) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, bus: bus}
}

// Connect opens the transport and resolves once the handshake completes. A
// second call while one is pending waits on the same attempt instead of
// opening a duplicate transport.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if p := m.pending; p != nil {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingConnect{done: make(chan struct{})}
	m.pending = p
	gen := m.gen
	m.mu.Unlock()

	conn, err := m.dial(ctx)

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	if m.gen != gen {
		// Disconnect was called while we were dialing; the result of this
		// attempt is ignored.
		m.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "abandoned")
		}
		p.err = errors.New("connect abandoned")
		close(p.done)
		return p.err
	}
	if m.conn != nil {
		// A background reconnect attempt won the race while we were
		// dialing; its connection stands.
		m.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "duplicate")
		}
		close(p.done)
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		p.err = err
		close(p.done)
		return err
	}
	m.conn = conn
	m.terminal = false
	m.mu.Unlock()

	go m.readLoop(gen, conn)
	m.flushQueue(conn)
	m.requestResync()
	close(p.done)
	m.bus.Publish(EventConnect, m.cfg.RoomCode)
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	if m.cfg.RoomCode != "" {
		q.Set("join", m.cfg.RoomCode)
	}
	if m.cfg.Name != "" {
		q.Set("name", m.cfg.Name)
	}
	if m.cfg.HostKey != "" {
		q.Set("host_key", m.cfg.HostKey)
	}
	target := m.cfg.URL
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, m.cfg.HandshakeTimeout)
		}
		return nil, fmt.Errorf("dialing %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

// Send transmits immediately when connected, otherwise queues the frame.
// The queue is bounded; the oldest frames are dropped past capacity so a
// prolonged outage cannot grow memory without limit.
func (m *Manager) Send(msg protocol.ServerMessage) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.enqueueLocked(frame)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.write(conn, frame); err != nil {
		// The read loop will notice the closure and reconnect; keep the
		// frame so it is flushed then.
		m.mu.Lock()
		m.enqueueLocked(frame)
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) enqueueLocked(frame []byte) {
	if len(m.queue) >= m.cfg.QueueCapacity {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, frame)
}

func (m *Manager) write(conn *websocket.Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Disconnect closes the transport. A pending Connect is abandoned, not
// aborted: its eventual resolution is ignored via the generation guard.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Terminal reports whether reconnection has been exhausted; only a
// successful explicit Connect clears it.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// QueueLen is exposed for tests and diagnostics.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			if m.gen != gen {
				m.mu.Unlock()
				return
			}
			m.conn = nil
			m.mu.Unlock()

			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				m.bus.Publish(EventDisconnect, nil)
				return
			}
			go m.reconnect(gen)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("[Client] Dropping bad frame: %v\n", err)
			continue
		}
		m.bus.Publish(EventMessage, msg)
	}
}

func (m *Manager) reconnect(gen int) {
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		delay := m.cfg.BackoffBase << attempt
		if delay > m.cfg.BackoffCap {
			delay = m.cfg.BackoffCap
		}
		time.Sleep(delay)

		m.mu.Lock()
		if m.gen != gen || m.conn != nil || m.pending != nil {
			// Disconnected deliberately, or an explicit Connect took over
			// while we were backing off.
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		conn, err := m.dial(context.Background())
		if err != nil {
			log.Printf("[Client] Reconnect attempt %d failed: %v\n", attempt+1, err)
			continue
		}

		m.mu.Lock()
		if m.gen != gen || m.conn != nil {
			m.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "abandoned")
			return
		}
		m.conn = conn
		m.mu.Unlock()

		go m.readLoop(gen, conn)
		m.flushQueue(conn)
		m.requestResync()
		m.bus.Publish(EventConnect, m.cfg.RoomCode)
		return
	}

	m.mu.Lock()
	m.terminal = true
	m.mu.Unlock()
	m.bus.Publish(EventDisconnect, ErrReconnectExhausted)
}

// flushQueue drains queued frames in their original order, then the caller
// requests a full-state resync to cover anything missed while offline.
func (m *Manager) flushQueue(conn *websocket.Conn) {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	for i, frame := range queued {
		if err := m.write(conn, frame); err != nil {
			m.mu.Lock()
			m.queue = append(queued[i:], m.queue...)
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) requestResync() {
	_ = m.Send(protocol.ServerMessage{
		Type:      protocol.TypeResyncRequest,
		Timestamp: time.Now().UnixMilli(),
	})
}
