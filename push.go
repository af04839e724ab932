package silentsupply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-stomp/stomp/v3"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	// UserMessageQueue is the per-company queue every new message is echoed to.
	UserMessageQueue = "/user/queue/messages"
	// ChatSendDestination accepts fire-and-forget message publishes.
	ChatSendDestination = "/app/chat.send"

	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 10 * time.Second
)

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures the push channel.
type PushConfig struct {
	// URL of the WebSocket endpoint. Defaults to Client.PushURL().
	URL string
	// Reconnect decides the wait between attempts. backoff.Stop gives up.
	// Defaults to a constant DefaultReconnectDelay. The manager serialises
	// every call, so stateful policies need no locking of their own.
	Reconnect backoff.BackOff
	// Heart-beat intervals negotiated with the broker.
	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration
	// ReadLimit caps a single WebSocket message. Defaults to 1 MiB.
	ReadLimit int64
	// HTTPClient performs the WebSocket handshake. It must not set Timeout.
	HTTPClient *http.Client
	// OnStateChange observes connection state transitions.
	OnStateChange func(ConnState)
}

func (c *PushConfig) defaults(client *Client) {
	if c.URL == "" {
		c.URL = client.PushURL()
	}
	if c.Reconnect == nil {
		c.Reconnect = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if c.HeartbeatIncoming == 0 {
		c.HeartbeatIncoming = DefaultHeartbeat
	}
	if c.HeartbeatOutgoing == 0 {
		c.HeartbeatOutgoing = DefaultHeartbeat
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// ConnState is the push channel's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ============================================================================
// Listener Registry
// ============================================================================

// MessageHandler receives every message delivered on the push channel.
type MessageHandler func(Message)

// Listener is the handle returned by OnMessage.
type Listener struct {
	fn      MessageHandler
	removed atomic.Bool
	reg     *listenerRegistry
}

// Remove unregisters the listener. It is safe to call more than once and
// from inside the listener itself; a listener removed during a fan-out is
// not invoked for that message if it was not reached yet.
func (l *Listener) Remove() {
	if l == nil || l.removed.Swap(true) {
		return
	}
	l.reg.remove(l)
}

type listenerRegistry struct {
	mu      sync.Mutex
	entries []*Listener
}

func (r *listenerRegistry) add(fn MessageHandler) *Listener {
	l := &Listener{fn: fn, reg: r}
	r.mu.Lock()
	r.entries = append(r.entries, l)
	r.mu.Unlock()
	return l
}

func (r *listenerRegistry) remove(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e == l {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the listeners in registration order.
func (r *listenerRegistry) snapshot() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Listener(nil), r.entries...)
}

func (r *listenerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ============================================================================
// PushManager
// ============================================================================

// PushManager owns the single STOMP-over-WebSocket connection of a session.
// It connects when the session authenticates, subscribes to the user queue,
// fans every message out to registered listeners, reconnects after failures,
// and disconnects when the session ends.
type PushManager struct {
	client    *Client
	config    PushConfig
	logger    *slog.Logger
	stompLog  stompLogger
	listeners listenerRegistry

	mu      sync.Mutex
	state   ConnState
	gen     uint64
	baseCtx context.Context
	cancel  context.CancelFunc
	conn    *stomp.Conn
	done    chan struct{}
	unbind  func()

	after     func(time.Duration) <-chan time.Time
	reconnLog rate.Sometimes
}

// NewPushManager creates a push manager for client's session. Call Start to
// bind it to the session lifecycle.
func NewPushManager(client *Client, config *PushConfig) *PushManager {
	var cfg PushConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults(client)
	logger := client.logger.With("component", "push")
	return &PushManager{
		client:    client,
		config:    cfg,
		logger:    logger,
		stompLog:  stompLogger{logger: logger.With("source", "stomp")},
		state:     StateDisconnected,
		after:     time.After,
		reconnLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// OnMessage registers a handler. Handlers run synchronously on the delivery
// goroutine, in registration order, one message at a time.
func (m *PushManager) OnMessage(h MessageHandler) *Listener {
	return m.listeners.add(h)
}

// State returns the current connection state.
func (m *PushManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is currently usable.
func (m *PushManager) Connected() bool {
	return m.State() == StateConnected
}

// Start follows the session: the channel opens whenever the session
// authenticates and closes when it ends. Without a token no connection is
// attempted. ctx bounds every connection the manager makes.
func (m *PushManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.unbind != nil {
		m.mu.Unlock()
		return
	}
	m.baseCtx = ctx
	m.unbind = func() {}
	m.mu.Unlock()

	unbind := m.client.session.OnChange(func(authenticated bool) {
		if authenticated {
			m.activate()
		} else {
			m.deactivate()
		}
	})

	m.mu.Lock()
	m.unbind = unbind
	m.mu.Unlock()

	if m.client.session.Authenticated() {
		m.activate()
	}
}

// Close unbinds from the session and tears the connection down. When Close
// returns, Connected reports false and no listener is invoked again for
// messages of the closed connection; the socket itself closes asynchronously.
func (m *PushManager) Close() {
	m.mu.Lock()
	unbind := m.unbind
	m.unbind = nil
	m.mu.Unlock()
	if unbind != nil {
		unbind()
	}
	m.deactivate()
}

// Wait blocks until the current connection loop has exited.
func (m *PushManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Publish sends payload as JSON to destination. It is fire-and-forget: when
// the channel is not connected the payload is dropped and Publish reports
// false. Use Messages.Send for anything that must be delivered.
func (m *PushManager) Publish(destination string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		m.client.metrics.droppedPublish()
		m.logger.Debug("publish dropped, not connected", "destination", destination)
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Debug("publish dropped, cannot encode", "destination", destination, "error", err)
		return false
	}
	if err := conn.Send(destination, "application/json", body); err != nil {
		m.client.metrics.droppedPublish()
		m.logger.Debug("publish dropped", "destination", destination, "error", err)
		return false
	}
	return true
}

// Send publishes a chat message to ChatSendDestination.
func (m *PushManager) Send(req *SendMessageRequest) bool {
	return m.Publish(ChatSendDestination, req)
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

func (m *PushManager) activate() {
	if !m.client.session.Authenticated() {
		return
	}

	m.mu.Lock()
	stale := m.stopLocked()
	base := m.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	m.gen++
	gen := m.gen
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.state = StateConnecting
	m.mu.Unlock()

	if stale != nil {
		_ = stale.MustDisconnect()
	}
	m.notifyState(StateConnecting)
	go m.run(ctx, gen, done)
}

func (m *PushManager) deactivate() {
	m.mu.Lock()
	wasDown := m.state == StateDisconnected && m.cancel == nil
	stale := m.stopLocked()
	m.mu.Unlock()

	if stale != nil {
		_ = stale.MustDisconnect()
	}
	if !wasDown {
		m.client.metrics.setPushConnected(false)
		m.notifyState(StateDisconnected)
		m.logger.Info("push channel closed")
	}
}

// stopLocked invalidates the running connection loop. The caller disconnects
// the returned STOMP connection after releasing m.mu.
func (m *PushManager) stopLocked() *stomp.Conn {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.state = StateDisconnected
	return conn
}

// transition moves to state if gen is still the active generation.
func (m *PushManager) transition(gen uint64, state ConnState) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed {
		m.notifyState(state)
	}
	return true
}

func (m *PushManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// nextDelay consults the reconnect policy on behalf of gen. The policy is
// shared across generations and only touched under m.mu.
func (m *PushManager) nextDelay(gen uint64) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return 0, false
	}
	return m.config.Reconnect.NextBackOff(), true
}

func (m *PushManager) resetBackoff(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.config.Reconnect.Reset()
	return true
}

func (m *PushManager) notifyState(state ConnState) {
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(state)
	}
}

// ----------------------------------------------------------------------------
// Connection loop
// ----------------------------------------------------------------------------

func (m *PushManager) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	if !m.resetBackoff(gen) {
		return
	}

	for {
		err := m.connectAndServe(ctx, gen)
		if ctx.Err() != nil || !m.current(gen) {
			return
		}
		m.client.metrics.setPushConnected(false)
		m.transition(gen, StateError)

		delay, ok := m.nextDelay(gen)
		if !ok {
			return
		}
		if delay == backoff.Stop {
			m.logger.Warn("push channel failed, giving up", "error", err)
			m.transition(gen, StateDisconnected)
			return
		}
		m.reconnLog.Do(func() {
			m.logger.Warn("push channel failed, reconnecting", "error", err, "delay", delay)
		})
		m.client.metrics.reconnect()

		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}
		if !m.transition(gen, StateConnecting) {
			return
		}
	}
}

func (m *PushManager) connectAndServe(ctx context.Context, gen uint64) error {
	token := m.client.session.Token()
	if token == "" {
		return ErrNotAuthenticated
	}

	ws, _, err := websocket.Dial(ctx, m.config.URL, &websocket.DialOptions{HTTPClient: m.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(m.config.ReadLimit)
	netConn := websocket.NetConn(ctx, ws, websocket.MessageText)

	conn, err := stomp.Connect(netConn,
		stomp.ConnOpt.Host(stompHost(m.config.URL)),
		stomp.ConnOpt.HeartBeat(m.config.HeartbeatOutgoing, m.config.HeartbeatIncoming),
		stomp.ConnOpt.Header("Authorization", "Bearer "+token),
		stomp.ConnOpt.Logger(m.stompLog),
	)
	if err != nil {
		_ = netConn.Close()
		return fmt.Errorf("stomp connect: %w", err)
	}

	sub, err := conn.Subscribe(UserMessageQueue, stomp.AckAuto)
	if err != nil {
		_ = conn.MustDisconnect()
		return fmt.Errorf("subscribe %s: %w", UserMessageQueue, err)
	}

	if !m.attach(gen, conn) {
		_ = conn.MustDisconnect()
		return context.Canceled
	}
	defer m.detach(gen, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return errors.New("subscription closed")
			}
			if msg.Err != nil {
				return fmt.Errorf("push channel: %w", msg.Err)
			}
			m.deliver(gen, msg.Body)
		}
	}
}

func (m *PushManager) attach(gen uint64, conn *stomp.Conn) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	m.config.Reconnect.Reset()
	m.mu.Unlock()

	m.client.metrics.setPushConnected(true)
	m.notifyState(StateConnected)
	m.logger.Info("push channel connected", "url", m.config.URL)
	return true
}

func (m *PushManager) detach(gen uint64, conn *stomp.Conn) {
	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.MustDisconnect()
}

// deliver decodes a frame body and fans it out over a snapshot of the
// listeners. A generation check precedes every handler call so a teardown
// that happens mid-fan-out stops the remaining calls.
func (m *PushManager) deliver(gen uint64, body []byte) {
	msg, err := decodeJSON[Message](body)
	if err != nil {
		m.logger.Warn("undecodable push frame", "error", err)
		return
	}
	m.client.metrics.frame()

	for _, l := range m.listeners.snapshot() {
		if !m.current(gen) {
			return
		}
		if l.removed.Load() {
			continue
		}
		m.invoke(l, *msg)
	}
}

func (m *PushManager) invoke(l *Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("push listener panicked", "panic", r, "message_id", msg.ID)
		}
	}()
	l.fn(msg)
}

// stompLogger routes go-stomp's diagnostics into the push logger so they
// honour the client's handler instead of the standard log package.
type stompLogger struct {
	logger *slog.Logger
}

func (l stompLogger) Debugf(format string, v ...any)   { l.logger.Debug(fmt.Sprintf(format, v...)) }
func (l stompLogger) Infof(format string, v ...any)    { l.logger.Info(fmt.Sprintf(format, v...)) }
func (l stompLogger) Warningf(format string, v ...any) { l.logger.Warn(fmt.Sprintf(format, v...)) }
func (l stompLogger) Errorf(format string, v ...any)   { l.logger.Error(fmt.Sprintf(format, v...)) }

func (l stompLogger) Debug(message string)   { l.logger.Debug(message) }
func (l stompLogger) Info(message string)    { l.logger.Info(message) }
func (l stompLogger) Warning(message string) { l.logger.Warn(message) }
func (l stompLogger) Error(message string)   { l.logger.Error(message) }

func stompHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "/"
	}
	return u.Hostname()
}
