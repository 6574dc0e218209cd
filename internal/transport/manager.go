// Package transport owns the single physical connection to the venue:
// handshake, keepalive and reconnection with exponential backoff. It knows
// nothing about message semantics.
//
// All state lives on an eventloop.Loop. Reader, writer and dial goroutines
// only Post results back onto the loop.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/market-sync/internal/eventloop"
	"github.com/atmx/market-sync/internal/metrics"
)

// State is the connection state machine:
// Idle → Connecting → Open → {Closing → Idle | Closed}.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Config tunes the manager.
type Config struct {
	URL               string
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMaxDelay time.Duration
	MaxAttempts       int
	SendBuffer        int
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// pingFrame is the application-level keepalive probe.
var pingFrame = []byte(`{"type":"ping"}`)

// Manager is the transport state machine. Handlers registered with OnFrame,
// OnOpen and OnExhausted run on the event loop and must be set before
// Connect.
type Manager struct {
	cfg    Config
	dialer Dialer
	loop   *eventloop.Loop
	logger *slog.Logger

	onFrame     func([]byte)
	onOpen      []func()
	onExhausted func(error)

	// Loop-owned.
	state          State
	attempt        int
	gen            uint64
	conn           *connection
	dialTimer      *time.Timer
	reconnectTimer *time.Timer
	waiters        []chan error

	// Readable from any goroutine.
	terminal  atomic.Bool
	exhausted atomic.Bool
	stateView atomic.Int32
	attempts  atomic.Int32
}

// NewManager creates a manager bound to loop. Nothing is dialled until
// Connect.
func NewManager(cfg Config, dialer Dialer, loop *eventloop.Loop, logger *slog.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		loop:   loop,
		logger: logger.With("component", "transport"),
	}
}

// OnFrame registers the single consumer of inbound frames.
func (m *Manager) OnFrame(fn func([]byte)) { m.onFrame = fn }

// OnOpen registers a handler run every time the connection opens,
// including after a reconnect.
func (m *Manager) OnOpen(fn func()) { m.onOpen = append(m.onOpen, fn) }

// OnExhausted registers the handler run once automatic recovery gives up.
func (m *Manager) OnExhausted(fn func(error)) { m.onExhausted = fn }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.stateView.Load()) }

// Attempt returns the number of consecutive failed connection attempts.
func (m *Manager) Attempt() int { return int(m.attempts.Load()) }

// Permanent reports whether the manager will not reconnect on its own:
// after Disconnect or once reconnect attempts are exhausted.
func (m *Manager) Permanent() bool { return m.terminal.Load() || m.exhausted.Load() }

// Connect establishes the connection and returns once the handshake has
// completed or failed. A failed attempt returns a *ConnectionError and
// leaves a reconnect scheduled. Calling Connect after exhaustion starts a
// fresh series of attempts. It must not be called on the event loop.
func (m *Manager) Connect(ctx context.Context) error {
	if m.terminal.Load() {
		return ErrClosed
	}
	result := make(chan error, 1)
	if !m.loop.Post(func() { m.connect(result) }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect shuts the connection down for good and cancels any pending
// reconnect. It is idempotent and safe to call from any goroutine,
// including subscriber callbacks.
func (m *Manager) Disconnect() {
	if m.terminal.Swap(true) {
		return
	}
	m.loop.Enqueue(m.shutdown)
}

// Send queues frame for writing. It must be called on the event loop. When
// no connection is open the frame is dropped and logged.
func (m *Manager) Send(frame []byte) {
	if m.state != Open || m.conn == nil {
		m.logger.Warn("send dropped: not connected", "state", m.state.String(), "bytes", len(frame))
		metrics.FramesDropped.WithLabelValues("not_connected").Inc()
		return
	}
	select {
	case m.conn.send <- frame:
	default:
		m.logger.Warn("send dropped: write buffer full", "bytes", len(frame))
		metrics.FramesDropped.WithLabelValues("buffer_full").Inc()
	}
}

// --- loop-confined state machine ---

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state change", "from", m.state.String(), "to", s.String())
	m.state = s
	m.stateView.Store(int32(s))
	metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) setAttempt(n int) {
	m.attempt = n
	m.attempts.Store(int32(n))
}

func (m *Manager) connect(result chan error) {
	if m.terminal.Load() {
		result <- ErrClosed
		return
	}
	switch m.state {
	case Open:
		result <- nil
		return
	case Connecting:
		m.waiters = append(m.waiters, result)
		return
	}

	if m.exhausted.Swap(false) {
		m.setAttempt(0)
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.waiters = append(m.waiters, result)
	m.dial()
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	m.setState(Connecting)
	m.logger.Info("connecting", "url", m.cfg.URL, "attempt", m.attempt)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	// Guard against dialers that ignore ctx: the timer fails the attempt
	// and the late result is discarded by the generation check.
	m.dialTimer = m.loop.AfterFunc(m.cfg.DialTimeout, func() {
		m.dialed(gen, nil, context.DeadlineExceeded)
	})

	go func() {
		defer cancel()
		conn, err := m.dialer.Dial(ctx, m.cfg.URL)
		if !m.loop.Post(func() { m.dialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if gen != m.gen || m.state != Connecting || m.terminal.Load() {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if m.dialTimer != nil {
		m.dialTimer.Stop()
		m.dialTimer = nil
	}

	if err != nil {
		m.setAttempt(m.attempt + 1)
		cerr := &ConnectionError{Attempt: m.attempt, Err: err}
		m.logger.Warn("connection attempt failed", "attempt", m.attempt, "err", err)
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		m.notify(cerr)
		m.setState(Closed)
		m.scheduleReconnect()
		return
	}

	c := newConnection(conn, gen, m.cfg.SendBuffer)
	m.conn = c
	m.setAttempt(0)
	m.setState(Open)
	metrics.ConnectAttempts.WithLabelValues("success").Inc()
	m.logger.Info("connected", "url", m.cfg.URL)

	go m.readPump(c)
	go m.writePump(c)
	go m.keepalive(c)

	m.notify(nil)
	for _, fn := range m.onOpen {
		fn()
	}
}

func (m *Manager) notify(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Manager) frame(c *connection, data []byte) {
	if c != m.conn {
		return
	}
	metrics.FramesReceived.Inc()
	if m.onFrame != nil {
		m.onFrame(data)
	}
}

func (m *Manager) lost(c *connection, err error) {
	if c != m.conn {
		return
	}
	c.close()
	m.conn = nil
	m.logger.Warn("connection closed", "err", err)
	metrics.Disconnects.Inc()
	m.setState(Closed)
	m.scheduleReconnect()
}

// scheduleReconnect waits base·2^attempt (capped) before dialling again,
// or reports exhaustion once MaxAttempts consecutive attempts have failed.
func (m *Manager) scheduleReconnect() {
	if m.terminal.Load() {
		return
	}
	if m.attempt >= m.cfg.MaxAttempts {
		m.exhausted.Store(true)
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempt)
		if m.onExhausted != nil {
			m.onExhausted(ErrExhausted)
		}
		return
	}

	delay := m.backoff(m.attempt)
	m.logger.Info("reconnect scheduled", "delay", delay, "attempt", m.attempt)
	m.reconnectTimer = m.loop.AfterFunc(delay, func() {
		m.reconnectTimer = nil
		if m.terminal.Load() || m.state != Closed {
			return
		}
		metrics.Reconnects.Inc()
		m.dial()
	})
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.ReconnectBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	return delay
}

func (m *Manager) shutdown() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.dialTimer != nil {
		m.dialTimer.Stop()
		m.dialTimer = nil
	}
	// Invalidate any in-flight dial.
	m.gen++

	if m.conn != nil {
		m.setState(Closing)
		m.conn.close()
		m.conn = nil
	}
	m.notify(ErrClosed)
	m.setState(Idle)
	m.logger.Info("disconnected")
}

// --- per-connection goroutines ---

type connection struct {
	conn Conn
	gen  uint64
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func newConnection(conn Conn, gen uint64, buffer int) *connection {
	return &connection{
		conn: conn,
		gen:  gen,
		send: make(chan []byte, buffer),
		stop: make(chan struct{}),
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
}

func (m *Manager) readPump(c *connection) {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			m.loop.Post(func() { m.lost(c, err) })
			return
		}
		if !m.loop.Post(func() { m.frame(c, data) }) {
			c.close()
			return
		}
	}
}

func (m *Manager) writePump(c *connection) {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(frame); err != nil {
				m.logger.Warn("write failed", "err", err)
				// Closing the conn makes the read pump report the loss.
				c.close()
				return
			}
		case <-c.stop:
			return
		}
	}
}

// keepalive posts a ping every interval while c is the live connection. A
// missed pong is not tracked here; the transport's own close event is.
func (m *Manager) keepalive(c *connection) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.loop.Post(func() {
				if c == m.conn {
					m.Send(pingFrame)
				}
			})
		case <-c.stop:
			return
		}
	}
}
