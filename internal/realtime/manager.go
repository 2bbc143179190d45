// Package realtime owns the persistent WebSocket connection to the chat
// service: its lifecycle state machine, token binding, backoff-driven
// reconnection, and fan-out of inbound envelopes and connection changes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backoff"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/events"
	"github.com/coder/websocket"
)

//go:generate mockgen -destination=mock_wsconn_test.go -package=realtime -mock_names=wsConn=MockWSConn . wsConn

const (
	defaultDialTimeout = 15 * time.Second

	// readLimit caps a single inbound frame. Assistant replies are text
	// and comfortably below this.
	readLimit = 1 << 20
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, rawURL string) (wsConn, error)

// timer is the subset of *time.Timer the manager needs.
type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

func dialWebSocket(ctx context.Context, rawURL string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// Config holds the parameters for a Manager.
type Config struct {
	// Endpoint is the ws:// or wss:// URL. The bearer token is appended
	// as the "token" query parameter on every dial.
	Endpoint    string
	Backoff     backoff.Policy
	DialTimeout time.Duration
}

// Manager owns one logical connection. All state transitions happen under
// mu; subscriber notification always happens after mu is released.
//
// Every dial gets a generation number. Disconnect and Connect bump the
// generation, so a late dial result or read error from an abandoned
// socket is recognised as stale and ignored. At most one reconnect timer
// is pending at a time; scheduling a new one stops the old one.
type Manager struct {
	endpoint    string
	policy      backoff.Policy
	dialTimeout time.Duration
	logger      *slog.Logger

	dial      dialFunc
	afterFunc afterFunc

	messages    *events.Bus[Envelope]
	connChanges *events.Bus[bool]

	// baseCtx outlives individual connections and is cancelled by Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	state       State
	token       string
	intentional bool
	attempts    int
	gen         uint64
	conn        wsConn
	connCancel  context.CancelFunc
	timer       timer
	timerSeq    uint64

	// writeMu keeps back-to-back sends in call order on the wire.
	writeMu sync.Mutex
}

// NewManager creates a Manager in the Idle state. It does not dial.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		endpoint:    cfg.Endpoint,
		policy:      cfg.Backoff,
		dialTimeout: cfg.DialTimeout,
		logger:      logger,
		dial:        dialWebSocket,
		afterFunc:   realAfterFunc,
		messages:    events.NewBus[Envelope]("messages", logger),
		connChanges: events.NewBus[bool]("connection", logger),
		baseCtx:     ctx,
		baseCancel:  cancel,
		state:       StateIdle,
	}
}

// Connect binds token, resets the attempt counter and starts dialing in
// the background. Any pending reconnect timer is cancelled and any
// existing socket is replaced. Connect returns before the socket opens;
// subscribers are told once it does.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return apperrors.ErrNoToken
	}

	if m.baseCtx.Err() != nil {
		return fmt.Errorf("connecting: %w", m.baseCtx.Err())
	}

	m.mu.Lock()
	m.token = token
	m.intentional = false
	m.attempts = 0
	m.stopTimerLocked()
	old, wasOpen := m.detachLocked()
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "reconnecting")
	}

	if wasOpen {
		m.connChanges.Publish(false)
	}

	m.logger.Info("connecting", slog.String("endpoint", m.endpoint))

	go m.open(gen, token)

	return nil
}

// Disconnect closes the connection on purpose. No reconnect is scheduled
// until the next Connect. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.stopTimerLocked()
	conn, _ := m.detachLocked()
	m.gen++
	gen := m.gen

	if conn != nil {
		m.state = StateClosing
	} else {
		m.state = StateClosed
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			m.logger.Debug("closing socket", slog.String("error", err.Error()))
		}

		m.mu.Lock()
		if m.gen == gen {
			m.state = StateClosed
		}
		m.mu.Unlock()
	}

	m.logger.Info("disconnected")
	m.connChanges.Publish(false)
}

// Close disconnects and releases the manager. Connect fails afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.baseCancel()
}

// Send writes frame to the socket. It does not wait for any reply.
func (m *Manager) Send(ctx context.Context, frame Frame) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return apperrors.ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: writing frame: %w", apperrors.ErrTransport, err)
	}

	return nil
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state == StateOpen
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// OnMessage subscribes to decoded inbound envelopes.
func (m *Manager) OnMessage(fn func(Envelope)) func() {
	return m.messages.Subscribe(fn)
}

// OnConnectionChange subscribes to connected/disconnected transitions.
func (m *Manager) OnConnectionChange(fn func(bool)) func() {
	return m.connChanges.Subscribe(fn)
}

// open dials for generation gen and, on success, starts the reader.
func (m *Manager) open(gen uint64, token string) {
	target, err := m.dialURL(token)
	if err != nil {
		m.logger.Error("invalid websocket endpoint", slog.String("error", err.Error()))
		m.handleClose(gen)

		return
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, m.dialTimeout)
	conn, err := m.dial(ctx, target)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()

		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}

		return
	}

	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("transport error",
			slog.String("phase", "dial"),
			slog.String("error", err.Error()),
		)
		m.handleClose(gen)

		return
	}

	connCtx, connCancel := context.WithCancel(m.baseCtx)
	m.conn = conn
	m.connCancel = connCancel
	m.state = StateOpen
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("connected")
	m.connChanges.Publish(true)

	go m.readLoop(connCtx, gen, conn)
}

// readLoop delivers inbound frames until the socket fails. Read errors
// are the close signal; they are logged and turned into exactly one
// handleClose call.
func (m *Manager) readLoop(ctx context.Context, gen uint64, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("transport closed",
					slog.Int("status", int(websocket.CloseStatus(err))),
					slog.String("error", err.Error()),
				)
			}

			m.handleClose(gen)

			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			m.logger.Warn("dropping inbound frame",
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)

			continue
		}

		m.messages.Publish(env)
	}
}

// handleClose processes the end of connection generation gen. Closes
// that were requested by Disconnect never reach here with a current
// generation, so anything that does is unintentional unless the flag
// was set in the meantime.
func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.detachLocked()
	m.state = StateClosed

	if !m.intentional && m.token != "" {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	m.connChanges.Publish(false)
}

// scheduleReconnectLocked arms the single reconnect timer using the
// current attempt count, then increments it. Caller holds mu.
func (m *Manager) scheduleReconnectLocked() {
	m.stopTimerLocked()

	delay := m.policy.Delay(m.attempts)
	m.attempts++
	m.timerSeq++
	seq := m.timerSeq

	m.logger.Info("reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", m.attempts),
	)

	m.timer = m.afterFunc(delay, func() { m.fireReconnect(seq) })
}

// fireReconnect runs when reconnect timer seq expires. A timer that was
// stopped or replaced after it started firing is ignored.
func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if m.timer == nil || seq != m.timerSeq || m.intentional || m.token == "" {
		m.mu.Unlock()
		return
	}

	m.timer = nil
	m.gen++
	gen := m.gen
	token := m.token
	m.state = StateConnecting
	m.mu.Unlock()

	m.open(gen, token)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// detachLocked forgets the current socket and stops its reader. It
// returns the socket so the caller can close it outside the lock.
func (m *Manager) detachLocked() (wsConn, bool) {
	wasOpen := m.state == StateOpen
	conn := m.conn

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	m.conn = nil

	return conn, wasOpen
}

func (m *Manager) dialURL(token string) (string, error) {
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.New("endpoint scheme must be ws or wss")
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// pendingReconnect reports whether a reconnect timer is armed.
func (m *Manager) pendingReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.timer != nil
}

func (m *Manager) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}
