// Package realtime maintains named, independently reconnecting connections to
// the trading dashboard's feed endpoints. Each connection runs the same
// lifecycle: dial, heartbeat while open, reconnect with exponential backoff on
// unexpected closure, give up after a fixed number of consecutive failures.
// Decoded envelopes are handed to per-connection handlers and broadcast to
// type-keyed subscriptions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"timb-feed/internal/metrics"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = 3 * time.Second
	defaultMaxReconnects     = 5
)

var (
	ErrEmptyName     = errors.New("connection name must not be empty")
	ErrManagerClosed = errors.New("manager is shut down")
)

// State is the lifecycle state of a single named connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the aggregate, presentation-only view over all connections.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Handlers are the optional per-connection callback slots.
type Handlers struct {
	OnConnect    func(name string)
	OnMessage    func(name string, env Envelope)
	OnDisconnect func(name string)
	OnError      func(name string, err error)
}

// Config carries the manager's tunables. Zero values fall back to defaults;
// Dialer and Clock are injectable so tests can fake transports and time.
type Config struct {
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	MaxReconnects     int
	Dialer            Dialer
	Clock             clockwork.Clock
	Metrics           *metrics.Metrics
}

type subscription struct {
	msgType string
	fn      func(name string, payload json.RawMessage)
}

// Manager owns the registry of named connections. All registry mutations go
// through the manager; per-connection events are serialized by that
// connection's read loop goroutine.
type Manager struct {
	heartbeat     time.Duration
	reconnectBase time.Duration
	maxReconnects int
	dialer        Dialer
	clock         clockwork.Clock
	metrics       *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[string]*conn
	subs      []subscription
	suspended bool
	closed    bool
}

// conn holds the state for a single named connection. Lock ordering:
// Manager.mu may be taken before conn.mu, never the other way around.
type conn struct {
	name     string
	addr     string
	handlers Handlers

	mu          sync.Mutex
	state       State
	transport   Transport
	attempts    int
	gen         int // incarnation counter; bumping it invalidates stale callbacks
	session     string
	hbStop      chan struct{}
	retryStop   chan struct{}
	retryTimer  clockwork.Timer
}

// NewManager creates a connection manager. Metrics must be registered at most
// once per process; pass Config.Metrics explicitly when more than one manager
// (or a test registry) is in play.
func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		heartbeat:     cfg.HeartbeatInterval,
		reconnectBase: cfg.ReconnectBase,
		maxReconnects: cfg.MaxReconnects,
		dialer:        cfg.Dialer,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		ctx:           ctx,
		cancel:        cancel,
		conns:         make(map[string]*conn),
	}
}

// Connect registers a named connection and dials its transport. An existing
// connection with the same name is torn down first, so re-registration is
// idempotent. A dial failure marks the connection failed and is returned; no
// retry loop is entered for the initial dial.
func (m *Manager) Connect(ctx context.Context, name, addr string, h Handlers) error {
	if name == "" {
		return ErrEmptyName
	}
	if err := validateAddr(addr); err != nil {
		return err
	}

	c := &conn{name: name, addr: addr, handlers: h, state: StateConnecting}

	// The replacement claims the registry slot before the old connection is
	// torn down, so a concurrent Connect for the same name races on the slot,
	// not on the teardown. open() re-checks the slot before installing a
	// transport; the loser's dial gets closed instead of leaking.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	old := m.conns[name]
	m.conns[name] = c
	m.mu.Unlock()
	if old != nil {
		m.teardown(old)
	}

	log.Info().Str("conn", name).Str("addr", addr).Msg("establishing feed connection")

	t, err := m.dialer.Dial(ctx, addr)
	if err != nil {
		m.metrics.ConnectFailures.Inc()
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		m.invokeError(c, err)
		return fmt.Errorf("connect %s: %w", name, err)
	}

	m.open(c, t, 0)
	return nil
}

// Disconnect intentionally closes the named connection, cancels any pending
// reconnect, stops its heartbeat and removes it from the registry. No-op for
// unknown names.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	c := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if c == nil {
		return
	}
	m.teardown(c)
	m.updateOpenGauge()
	log.Info().Str("conn", name).Msg("feed disconnected")
}

// Send serializes an envelope and transmits it on the named connection, but
// only while it is open. It never queues: the return value reports whether
// the frame was written.
func (m *Manager) Send(name, msgType string, payload any) bool {
	m.mu.Lock()
	c := m.conns[name]
	m.mu.Unlock()
	if c == nil {
		return false
	}

	c.mu.Lock()
	t := c.transport
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || t == nil {
		m.metrics.SendsDropped.Inc()
		return false
	}

	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Warn().Err(err).Str("conn", name).Str("type", msgType).Msg("payload serialization failed")
			return false
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	if err := t.WriteMessage(data); err != nil {
		log.Warn().Err(err).Str("conn", name).Str("type", msgType).Msg("send failed")
		return false
	}
	return true
}

// Subscribe registers a broadcast callback for an exact message type.
// Subscriptions are not tied to a connection name; they fire for matching
// messages from any feed, in registration order.
func (m *Manager) Subscribe(msgType string, fn func(name string, payload json.RawMessage)) {
	if msgType == "" || fn == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, subscription{msgType: msgType, fn: fn})
	m.mu.Unlock()
}

// State returns the lifecycle state of the named connection, or StateIdle for
// unknown names.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[name]
	if c == nil {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status aggregates connection states for display. It prefers connected over
// connecting over failed; with no registered connections it reports
// disconnected.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var connecting, failed int
	for _, c := range m.conns {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		switch state {
		case StateOpen:
			return StatusConnected
		case StateConnecting, StateReconnecting:
			connecting++
		case StateFailed:
			failed++
		}
	}
	if connecting > 0 {
		return StatusConnecting
	}
	if failed > 0 {
		return StatusFailed
	}
	return StatusDisconnected
}

// Suspend stops every heartbeat without touching connection state, mirroring
// the page-hidden behavior of the dashboard. Coarse-grained on purpose: all
// heartbeats pause together.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suspended = true
	conns := m.snapshotLocked()
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		stopHeartbeatLocked(c)
		c.mu.Unlock()
	}
	log.Debug().Msg("heartbeats suspended")
}

// Resume restarts heartbeats for every connection currently open.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.suspended = false
	conns := m.snapshotLocked()
	m.mu.Unlock()

	for _, c := range conns {
		m.startHeartbeat(c)
	}
	log.Debug().Msg("heartbeats resumed")
}

// Shutdown intentionally disconnects every registered connection. No
// reconnect fires after this point and the manager accepts no new connects.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := m.snapshotLocked()
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	m.cancel()
	for _, c := range conns {
		m.teardown(c)
	}
	m.updateOpenGauge()
	log.Info().Int("conns", len(conns)).Msg("connection manager shut down")
}

// open transitions a connection to the open state: install the transport,
// reset the reconnect counter, start the heartbeat, fire on-connect, then
// start the read loop.
func (m *Manager) open(c *conn, t Transport, gen int) {
	// Both locks are held across the install so a concurrent re-registration
	// either sees the transport (and tears it down) or wins the slot first
	// (and the transport is closed here). Nothing stays open unobserved.
	m.mu.Lock()
	if m.conns[c.name] != c {
		m.mu.Unlock()
		t.Close(CloseNormal)
		return
	}
	suspended := m.suspended

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		m.mu.Unlock()
		t.Close(CloseNormal)
		return
	}
	c.transport = t
	c.state = StateOpen
	c.attempts = 0
	c.session = uuid.NewString()
	if !suspended {
		startHeartbeatLocked(m, c)
	}
	session := c.session
	c.mu.Unlock()
	m.mu.Unlock()

	m.updateOpenGauge()
	log.Info().Str("conn", c.name).Str("session", session).Msg("feed connection open")

	m.invokeConnect(c)
	go m.readLoop(c, t, gen)
}

// readLoop pumps frames from one transport incarnation until it fails.
func (m *Manager) readLoop(c *conn, t Transport, gen int) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleClose(c, gen, err)
			return
		}
		m.dispatch(c, data)
	}
}

// handleClose drives the state machine when a transport dies. A close with
// the intentional code settles the connection back to idle and removes it; any
// other closure enters the reconnect path.
func (m *Manager) handleClose(c *conn, gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// Superseded by an explicit disconnect or re-registration.
		c.mu.Unlock()
		return
	}
	c.gen++
	stopHeartbeatLocked(c)
	c.transport = nil

	var ce *CloseError
	isClose := errors.As(err, &ce)
	if isClose && ce.Code == CloseNormal {
		c.state = StateIdle
		c.mu.Unlock()
		m.remove(c)
		m.updateOpenGauge()
		log.Info().Str("conn", c.name).Msg("feed closed normally")
		return
	}

	c.state = StateReconnecting
	c.mu.Unlock()
	m.updateOpenGauge()

	if isClose {
		log.Warn().Str("conn", c.name).Int("code", ce.Code).Str("reason", ce.Reason).
			Msg("feed connection lost")
	} else {
		log.Warn().Str("conn", c.name).Err(err).Msg("feed transport error")
		m.invokeError(c, err)
	}
	m.invokeDisconnect(c)
	m.scheduleReconnect(c)
}

// scheduleReconnect arms the backoff timer for the next attempt. The delay is
// recomputed from the current attempt counter on every call: base * 2^k for
// the k-th attempt, growing unbounded until the attempt cap abandons the
// connection.
func (m *Manager) scheduleReconnect(c *conn) {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	if c.attempts >= m.maxReconnects {
		c.state = StateFailed
		c.mu.Unlock()
		m.metrics.ConnsAbandoned.Inc()
		log.Error().Str("conn", c.name).Int("attempts", m.maxReconnects).
			Msg("reconnect attempts exhausted, giving up")
		return
	}

	delay := m.reconnectBase << uint(c.attempts)
	c.attempts++
	attempt := c.attempts
	gen := c.gen
	stop := make(chan struct{})
	c.retryStop = stop
	timer := m.clock.NewTimer(delay)
	c.retryTimer = timer
	c.mu.Unlock()

	m.metrics.Reconnects.Inc()
	log.Warn().Str("conn", c.name).Int("attempt", attempt).Dur("backoff", delay).
		Msg("scheduling reconnect with exponential backoff")

	go func() {
		defer timer.Stop()
		select {
		case <-timer.Chan():
		case <-stop:
			return
		}
		m.redial(c, gen)
	}()
}

// redial performs one reconnect attempt. A failed dial counts as another
// consecutive failure and re-enters the backoff path.
func (m *Manager) redial(c *conn, gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.retryStop = nil
	c.retryTimer = nil
	addr := c.addr
	c.mu.Unlock()

	log.Info().Str("conn", c.name).Str("addr", addr).Msg("attempting reconnection")

	t, err := m.dialer.Dial(m.ctx, addr)
	if err != nil {
		m.metrics.ConnectFailures.Inc()
		log.Warn().Str("conn", c.name).Err(err).Msg("reconnection failed")
		m.invokeError(c, err)

		c.mu.Lock()
		if gen != c.gen || c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()
		m.scheduleReconnect(c)
		return
	}

	m.open(c, t, gen)
}

// teardown is the intentional-disconnect path: invalidate callbacks, stop
// timers, close the transport with the normal close code.
func (m *Manager) teardown(c *conn) {
	c.mu.Lock()
	c.gen++
	stopHeartbeatLocked(c)
	if c.retryStop != nil {
		close(c.retryStop)
		c.retryStop = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.state = StateIdle
	c.mu.Unlock()

	if t != nil {
		t.Close(CloseNormal)
	}
}

// dispatch decodes one frame and fans it out: the pong type is consumed
// internally, everything else goes to the connection's own handler first and
// then to matching subscriptions in registration order. Decode failures drop
// the frame and never affect the connection.
func (m *Manager) dispatch(c *conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.metrics.ParseErrors.Inc()
		log.Debug().Err(err).Str("conn", c.name).Str("frame", string(data)).
			Msg("dropping unparseable frame")
		return
	}

	if env.Type == TypePong {
		log.Debug().Str("conn", c.name).Msg("heartbeat pong received")
		return
	}

	m.metrics.MessagesReceived.WithLabelValues(env.Type).Inc()

	if c.handlers.OnMessage != nil {
		m.safeInvoke(c.name, "on_message", func() { c.handlers.OnMessage(c.name, env) })
	}

	m.mu.Lock()
	var matched []subscription
	for _, s := range m.subs {
		if s.msgType == env.Type {
			matched = append(matched, s)
		}
	}
	m.mu.Unlock()

	for _, s := range matched {
		fn := s.fn
		m.safeInvoke(c.name, "subscription", func() { fn(c.name, env.Payload) })
	}
}

// startHeartbeat starts the heartbeat loop if the connection is open and no
// loop is already running.
func (m *Manager) startHeartbeat(c *conn) {
	if m.heartbeatsSuspended() {
		return
	}
	c.mu.Lock()
	if c.state == StateOpen && c.hbStop == nil {
		startHeartbeatLocked(m, c)
	}
	c.mu.Unlock()
}

func startHeartbeatLocked(m *Manager, c *conn) {
	stop := make(chan struct{})
	c.hbStop = stop
	// The ticker is created here, not in the goroutine, so the schedule is
	// armed by the time the caller returns.
	ticker := m.clock.NewTicker(m.heartbeat)
	go m.heartbeatLoop(c, ticker, stop, c.gen)
}

func stopHeartbeatLocked(c *conn) {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

// heartbeatLoop sends a ping envelope every interval while the connection
// stays open. If the transport is gone when the ticker fires the loop exits;
// it is restarted on the next successful open.
func (m *Manager) heartbeatLoop(c *conn, ticker clockwork.Ticker, stop chan struct{}, gen int) {
	defer ticker.Stop()

	ping, _ := json.Marshal(Envelope{Type: TypePing})
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if m.heartbeatsSuspended() {
				// Suspend raced the tick; the stop signal is on its way.
				return
			}
			c.mu.Lock()
			if gen != c.gen || c.state != StateOpen || c.transport == nil {
				c.mu.Unlock()
				return
			}
			t := c.transport
			c.mu.Unlock()

			if err := t.WriteMessage(ping); err != nil {
				// The read loop sees the same failure and drives the
				// state machine; just stop ticking.
				log.Debug().Err(err).Str("conn", c.name).Msg("heartbeat write failed")
				return
			}
			m.metrics.HeartbeatsSent.Inc()
			log.Debug().Str("conn", c.name).Msg("heartbeat ping sent")
		}
	}
}

func (m *Manager) heartbeatsSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

func (m *Manager) snapshotLocked() []*conn {
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) remove(c *conn) {
	m.mu.Lock()
	if m.conns[c.name] == c {
		delete(m.conns, c.name)
	}
	m.mu.Unlock()
}

func (m *Manager) updateOpenGauge() {
	m.mu.Lock()
	open := 0
	for _, c := range m.conns {
		c.mu.Lock()
		if c.state == StateOpen {
			open++
		}
		c.mu.Unlock()
	}
	m.mu.Unlock()
	m.metrics.OpenConnections.Set(float64(open))
}

// safeInvoke shields dispatch from throwing callbacks: a panic in one
// subscriber must not abort delivery to the rest.
func (m *Manager) safeInvoke(name, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("conn", name).Str("callback", kind).
				Interface("panic", r).Msg("callback panicked")
		}
	}()
	fn()
}

func (m *Manager) invokeConnect(c *conn) {
	if c.handlers.OnConnect != nil {
		m.safeInvoke(c.name, "on_connect", func() { c.handlers.OnConnect(c.name) })
	}
}

func (m *Manager) invokeDisconnect(c *conn) {
	if c.handlers.OnDisconnect != nil {
		m.safeInvoke(c.name, "on_disconnect", func() { c.handlers.OnDisconnect(c.name) })
	}
}

func (m *Manager) invokeError(c *conn, err error) {
	if c.handlers.OnError != nil {
		m.safeInvoke(c.name, "on_error", func() { c.handlers.OnError(c.name, err) })
	}
}

func validateAddr(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid feed address %q: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid feed address %q: scheme must be ws or wss", addr)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid feed address %q: missing host", addr)
	}
	return nil
}
