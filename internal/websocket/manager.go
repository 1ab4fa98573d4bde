// Package websocket owns the client's persistent connection: lifecycle,
// reconnection and dispatch of decoded envelopes to listeners.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/protocol"
)

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5

	handshakeTimeout = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("websocket not connected")

	// ErrConnectionRejected is returned when the server refuses the credential.
	ErrConnectionRejected = errors.New("connection rejected")

	// ErrMissingToken is returned by Connect for an empty credential.
	ErrMissingToken = errors.New("missing auth token")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Status is the kind of a connection-status signal.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusRejected     Status = "rejected"
)

// ConnectionEvent is delivered to OnStatus handlers.
type ConnectionEvent struct {
	Status Status
	// Code is the close code for disconnects, zero otherwise
	Code int
	// Attempt is the reconnect attempt number for StatusReconnecting
	Attempt int
	Err     error
}

// Dialer opens client connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer
	Logger               *log.Entry
}

// Manager is the single live transport for a session.
type Manager struct {
	url         string
	interval    time.Duration
	maxAttempts int
	dialer      Dialer
	log         *log.Entry

	listeners *registry

	mu       sync.Mutex
	state    State
	token    string
	conn     *conn
	attempts int
	timer    *time.Timer
	statusFn []func(ConnectionEvent)
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}

	return &Manager{
		url:         opts.URL,
		interval:    opts.ReconnectInterval,
		maxAttempts: opts.MaxReconnectAttempts,
		dialer:      opts.Dialer,
		log:         opts.Logger.WithField("component", "websocket"),
		listeners:   newRegistry(),
	}
}

// Connect opens the transport with token and blocks until it is open or the
// dial fails. It is a no-op while already connected or connecting.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrMissingToken
	}

	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.token = token
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.dial(ctx, token); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes with the normal close code, cancels any pending
// reconnect and clears every listener. It is the only path that suppresses
// reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	c := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.attempts = 0
	m.statusFn = nil
	m.mu.Unlock()

	m.listeners.clear()

	if c != nil {
		c.closeWith(websocket.CloseNormalClosure, "User initiated disconnect")
		m.log.Info("Disconnected")
	}
}

// Send encodes v as one JSON text frame.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	c := m.conn
	open := m.state == StateConnected
	m.mu.Unlock()

	if c == nil || !open {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// On registers a listener for kind and returns a func that removes it.
func (m *Manager) On(kind protocol.Kind, fn Listener) func() {
	return m.listeners.add(kind, fn)
}

// OnStatus registers a connection-status handler.
func (m *Manager) OnStatus(fn func(ConnectionEvent)) {
	m.mu.Lock()
	m.statusFn = append(m.statusFn, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Attempts returns the reconnect attempts made since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// JoinGroup announces membership of a group.
func (m *Manager) JoinGroup(groupID, userID int64) error {
	return m.Send(protocol.NewJoin(groupID, userID, time.Now()))
}

// LeaveGroup announces leaving a group.
func (m *Manager) LeaveGroup(groupID, userID int64) error {
	return m.Send(protocol.NewLeave(groupID, userID, time.Now()))
}

// SendTyping sends a typing_start or typing_stop indicator.
func (m *Manager) SendTyping(groupID, userID int64, typing bool) error {
	return m.Send(protocol.NewTyping(groupID, userID, typing, time.Now()))
}

func (m *Manager) endpoint(token string) (string, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) dial(ctx context.Context, token string) error {
	target, err := m.endpoint(token)
	if err != nil {
		return err
	}

	ws, resp, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			rejected := fmt.Errorf("%w: handshake status %d", ErrConnectionRejected, resp.StatusCode)
			m.mu.Lock()
			m.state = StateDisconnected
			m.mu.Unlock()
			m.log.WithField("status", resp.StatusCode).Warn("Connection rejected")
			m.emit(ConnectionEvent{Status: StatusRejected, Err: rejected})
			return rejected
		}
		return fmt.Errorf("dial %s: %w", m.url, err)
	}

	c := newConn(ws)

	m.mu.Lock()
	if m.state != StateConnecting {
		// Disconnect won the race with this dial
		m.mu.Unlock()
		c.closeWith(websocket.CloseNormalClosure, "User initiated disconnect")
		return ErrNotConnected
	}
	m.conn = c
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	go c.pingLoop()
	go m.readLoop(c)

	m.log.WithField("url", m.url).Info("Connected")
	m.emit(ConnectionEvent{Status: StatusConnected})
	return nil
}

// readLoop pumps frames into dispatch until the socket fails.
func (m *Manager) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			m.handleClose(c, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) handleClose(c *conn, err error) {
	c.shutdown()
	code := closeCode(err)

	m.mu.Lock()
	if m.conn != c {
		// closed by Disconnect
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if code == websocket.CloseNormalClosure {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.log.Info("Connection closed normally")
		m.emit(ConnectionEvent{Status: StatusDisconnected, Code: code})
		return
	}

	m.log.WithError(err).WithField("code", code).Warn("Connection lost")
	next := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.emit(ConnectionEvent{Status: StatusDisconnected, Code: code, Err: err})
	m.emit(next)
}

// scheduleReconnectLocked arms one reconnect timer, or gives up once the
// attempt budget is spent. It returns the status event to emit after unlock.
func (m *Manager) scheduleReconnectLocked() ConnectionEvent {
	if m.attempts >= m.maxAttempts {
		m.state = StateDisconnected
		m.log.WithField("attempts", m.attempts).Error("Max reconnect attempts reached")
		return ConnectionEvent{Status: StatusDisconnected, Attempt: m.attempts}
	}

	m.attempts++
	m.state = StateReconnecting
	m.timer = time.AfterFunc(m.interval, m.reconnect)

	m.log.WithFields(log.Fields{
		"attempt": m.attempts,
		"max":     m.maxAttempts,
		"in":      m.interval,
	}).Info("Scheduling reconnect")
	return ConnectionEvent{Status: StatusReconnecting, Attempt: m.attempts}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	token := m.token
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	err := m.dial(ctx, token)
	if err == nil || errors.Is(err, ErrConnectionRejected) {
		return
	}

	m.log.WithError(err).Warn("Reconnect failed")

	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	next := m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.emit(next)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) emit(ev ConnectionEvent) {
	m.mu.Lock()
	handlers := append(([]func(ConnectionEvent))(nil), m.statusFn...)
	m.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Errorf("Status handler panicked: %v", r)
				}
			}()
			fn(ev)
		}()
	}
}
