package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/collabdocs/collabsync/internal/auth"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotConnected     = errors.New("channel not connected")
)

// State of the shared event channel.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Subscriber receives channel lifecycle and event callbacks. Dispatch is
// sequential from a single goroutine: no two callbacks run concurrently.
type Subscriber interface {
	// OnConnect fires on every (re)establishment of the channel. Events
	// missed while disconnected are not retransmitted, so subscribers
	// resync here.
	OnConnect()
	OnEvent(event string, data json.RawMessage)
	// OnDisconnect reports a transient drop. It implies nothing about the
	// credential; the manager reconnects on its own.
	OnDisconnect(err error)
}

type ManagerOptions struct {
	SocketURL   string
	Credentials *auth.Store
	Guard       *auth.Guard
	Dialer      Dialer
	DialTimeout time.Duration
	// Reconnect backoff: grows from BaseRetryDelay, capped at
	// MaxRetryDelay, retried without an attempt limit.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

// Manager owns the single duplex event channel for the session. The handle
// is reference-counted by subscribers and torn down when the last one
// releases it.
type Manager struct {
	socketURL   string
	creds       *auth.Store
	guard       *auth.Guard
	dialer      Dialer
	dialTimeout time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	writeT      time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	state      State
	subs       []*subEntry
	conn       wireConn
	cancelLoop context.CancelFunc

	// wake nudges the run goroutine to deliver OnConnect to subscribers
	// that joined after the channel came up, keeping all dispatch on that
	// one goroutine.
	wake chan struct{}

	writeMu sync.Mutex
}

// subEntry tracks whether a subscriber has seen OnConnect for the current
// connection. The flag flips under mu, so connect and disconnect each reach
// a subscriber exactly once per connection.
type subEntry struct {
	sub       Subscriber
	connected bool
}

func NewManager(opts ManagerOptions) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 20 * time.Second
	}
	baseDelay := opts.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	writeT := opts.WriteTimeout
	if writeT <= 0 {
		writeT = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		socketURL:   strings.TrimSpace(opts.SocketURL),
		creds:       opts.Credentials,
		guard:       opts.Guard,
		dialer:      dialer,
		dialTimeout: dialTimeout,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		writeT:      writeT,
		logger:      logger,
		state:       StateUnconnected,
		wake:        make(chan struct{}, 1),
	}
}

// Handle is a subscriber's reference to the shared channel.
type Handle struct {
	m        *Manager
	sub      Subscriber
	released bool
	mu       sync.Mutex
}

// Emit sends one client event over the channel.
func (h *Handle) Emit(event string, data any) error {
	return h.m.emit(event, data)
}

// Release drops this subscriber's reference; the channel is torn down only
// when no subscribers remain.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.m.release(h.sub)
}

// Acquire returns a handle on the shared channel, starting it if needed.
// With no valid credential it proactively ends the session and returns
// ErrNotAuthenticated: a handshake with a token already known to be expired
// is never attempted.
func (m *Manager) Acquire(sub Subscriber) (*Handle, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	token := strings.TrimSpace(m.creds.AccessToken())
	if token == "" {
		m.guard.Logout(auth.ReasonInvalid)
		return nil, ErrNotAuthenticated
	}
	if m.guard.TokenExpired() {
		m.guard.Logout(auth.ReasonExpired)
		return nil, ErrNotAuthenticated
	}

	m.mu.Lock()
	for _, existing := range m.subs {
		if existing.sub == sub {
			m.mu.Unlock()
			return &Handle{m: m, sub: sub}, nil
		}
	}
	m.subs = append(m.subs, &subEntry{sub: sub})
	live := m.state == StateConnected
	if m.cancelLoop == nil {
		// Terminated handles are re-created on next demand.
		m.state = StateConnecting
		ctx, cancel := context.WithCancel(context.Background())
		m.cancelLoop = cancel
		go m.run(ctx)
		live = false
	}
	m.mu.Unlock()
	// A subscriber joining an already-live channel missed the connect
	// dispatch; the run goroutine delivers it so callbacks stay serialized.
	if live {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return &Handle{m: m, sub: sub}, nil
}

func (m *Manager) release(sub Subscriber) {
	m.mu.Lock()
	for i, existing := range m.subs {
		if existing.sub == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	if len(m.subs) > 0 {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(StateUnconnected)
	m.mu.Unlock()
}

// Close tears the channel down unconditionally, from any state. It is the
// path the session guard takes on logout.
func (m *Manager) Close() {
	m.mu.Lock()
	m.subs = nil
	m.teardownLocked(StateTerminated)
	m.mu.Unlock()
}

func (m *Manager) teardownLocked(next State) {
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "client closing")
		m.conn = nil
	}
	m.state = next
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateTerminated {
		m.state = s
	}
	m.mu.Unlock()
}

// snapshotSubs returns the subscribers eligible for event dispatch: those
// that already saw OnConnect for the current connection. A late joiner gets
// its OnConnect first, never an event before it.
func (m *Manager) snapshotSubs() []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscriber, 0, len(m.subs))
	for _, entry := range m.subs {
		if entry.connected {
			out = append(out, entry.sub)
		}
	}
	return out
}

// claimUnconnected marks every subscriber that has not yet seen the current
// connection and returns them for an OnConnect dispatch. It is a no-op while
// no connection is attached.
func (m *Manager) claimUnconnected() []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	var out []Subscriber
	for _, entry := range m.subs {
		if !entry.connected {
			entry.connected = true
			out = append(out, entry.sub)
		}
	}
	return out
}

// dropConnected clears the connect marks and returns the subscribers that
// saw this connection, so OnDisconnect only reaches those that got the
// matching OnConnect.
func (m *Manager) dropConnected() []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscriber
	for _, entry := range m.subs {
		if entry.connected {
			entry.connected = false
			out = append(out, entry.sub)
		}
	}
	return out
}

func (m *Manager) emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.writeT)
	defer cancel()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, frame)
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		// The credential may have rotated via refresh since the last
		// attempt; always re-read it immediately before dialing.
		token := strings.TrimSpace(m.creds.AccessToken())
		if token == "" || m.guard.TokenExpired() {
			m.logger.Info("token no longer valid before connect attempt")
			m.guard.Logout(auth.ReasonExpired)
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		conn, err := m.dialer(dialCtx, m.socketURL, token)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var rejected *HandshakeRejectedError
			if errors.As(err, &rejected) {
				m.logger.Warn("handshake rejected by server", zap.Int("status", rejected.Status))
				m.serverRejected()
				return
			}
			// Transport failure: no auth action. Networks fail far more
			// often than tokens expire.
			attempt++
			m.setState(StateReconnecting)
			m.logger.Warn("connect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			if waitWithContext(ctx, m.retryDelay(attempt)) != nil {
				return
			}
			continue
		}

		if !m.attachConn(conn) {
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")
			return
		}
		attempt = 0
		m.setState(StateConnected)
		m.logger.Info("channel connected")
		for _, sub := range m.claimUnconnected() {
			sub.OnConnect()
		}

		readErr := m.readLoop(ctx, conn)
		m.detachConn(conn)
		if ctx.Err() != nil {
			return
		}
		if isAuthRejection(readErr) {
			m.logger.Warn("server rejected the session", zap.Error(readErr))
			m.serverRejected()
			return
		}
		if isServerForcedClose(readErr) {
			// The server forced the disconnect: re-check the local token.
			// A still-valid token means this was not about us; keep
			// reconnecting and let REST outcomes decide auth validity.
			if m.guard.TokenExpired() {
				m.logger.Warn("server forced disconnect with expired token", zap.Error(readErr))
				m.guard.Logout(auth.ReasonExpired)
				return
			}
			m.logger.Warn("server forced disconnect; token still valid", zap.Error(readErr))
		}

		m.setState(StateDisconnected)
		m.logger.Warn("channel dropped", zap.Error(readErr))
		for _, sub := range m.dropConnected() {
			sub.OnDisconnect(readErr)
		}
		attempt++
		m.setState(StateReconnecting)
		if waitWithContext(ctx, m.retryDelay(attempt)) != nil {
			return
		}
	}
}

type inboundFrame struct {
	data []byte
	err  error
}

func (m *Manager) readLoop(ctx context.Context, conn wireConn) error {
	frames := make(chan inboundFrame)
	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go func() {
		for {
			data, err := conn.Read(readCtx)
			select {
			case frames <- inboundFrame{data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
			for _, sub := range m.claimUnconnected() {
				sub.OnConnect()
			}
		case fr := <-frames:
			if fr.err != nil {
				return fr.err
			}
			var env Envelope
			if err := json.Unmarshal(fr.data, &env); err != nil || env.Event == "" {
				// Malformed frames never crash the loop.
				m.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			if err := validateInbound(env.Event, env.Data); err != nil {
				m.logger.Warn("dropping invalid payload",
					zap.String("event", env.Event), zap.Error(err))
				continue
			}
			if env.Event == EventError {
				var payload ErrorPayload
				_ = json.Unmarshal(env.Data, &payload)
				if authErrorMessage(payload.Message) {
					return &serverRejectionError{message: payload.Message}
				}
				// Non-auth errors are scoped to whatever the subscriber was
				// doing; they are not fatal to the connection.
			}
			for _, sub := range m.snapshotSubs() {
				sub.OnEvent(env.Event, env.Data)
			}
		}
	}
}

func (m *Manager) attachConn(conn wireConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateTerminated || m.cancelLoop == nil {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) detachConn(conn wireConn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "client closing")
}

// serverRejected handles a disconnect the server itself forced. Only here
// is the local token consulted to pick the logout reason.
func (m *Manager) serverRejected() {
	if m.guard.TokenExpired() {
		m.guard.Logout(auth.ReasonExpired)
		return
	}
	m.guard.Logout(auth.ReasonInvalid)
}

type serverRejectionError struct {
	message string
}

func (e *serverRejectionError) Error() string {
	return fmt.Sprintf("server rejected session: %s", e.message)
}

// isAuthRejection is an explicit application-level authentication failure:
// an error frame matching auth phrasing, relayed out of the read loop.
func isAuthRejection(err error) bool {
	var rejection *serverRejectionError
	return errors.As(err, &rejection)
}

// isServerForcedClose separates a close the server explicitly initiated
// from transport churn. Anything ambiguous counts as transport.
func isServerForcedClose(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return true
	case 4401, 4403:
		return true
	default:
		return false
	}
}

var authErrorPhrases = []string{
	"unauthenticated",
	"unauthorized",
	"invalid token",
	"token has expired",
	"token has been revoked",
	"authentication failed",
}

func authErrorMessage(message string) bool {
	message = strings.ToLower(message)
	for _, phrase := range authErrorPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
