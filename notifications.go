package silentsupply

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// NotificationEvent is the event name the server uses for new notifications.
const NotificationEvent = "notification"

// NotificationStreamConfig configures the notification stream.
type NotificationStreamConfig struct {
	// HTTPClient opens the stream. It must not set a Timeout, which would cut
	// the long-lived response. Defaults to a fresh client.
	HTTPClient *http.Client
	// SkipInitialRefresh disables the unread-count fetch done on every open.
	SkipInitialRefresh bool
}

func (c *NotificationStreamConfig) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// NotificationStream keeps the unread notification counter. It holds one
// server-sent events subscription per authenticated session and adds one to
// the counter per notification event. A stream that fails or ends stays
// closed until the session authenticates again or Start is called.
type NotificationStream struct {
	client *Client
	config NotificationStreamConfig
	logger *slog.Logger

	mu      sync.Mutex
	count   int64
	gen     uint64
	open    bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	baseCtx context.Context
	unbind  func()
	bg      sync.WaitGroup

	countObs        observers[int64]
	notificationObs observers[Notification]
}

// NewNotificationStream creates a stream for client's session.
func NewNotificationStream(client *Client, config *NotificationStreamConfig) *NotificationStream {
	var cfg NotificationStreamConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &NotificationStream{
		client: client,
		config: cfg,
		logger: client.logger.With("component", "notifications"),
	}
}

// Start binds the stream to the session and opens it if the session is
// already authenticated. Calling Start again re-opens a stream that ended.
func (s *NotificationStream) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	bound := s.unbind != nil
	if !bound {
		s.unbind = func() {}
	}
	s.mu.Unlock()

	if !bound {
		unbind := s.client.session.OnChange(func(authenticated bool) {
			if authenticated {
				s.openStream()
			} else {
				s.closeStream()
			}
		})
		s.mu.Lock()
		s.unbind = unbind
		s.mu.Unlock()
	}

	if s.client.session.Authenticated() {
		s.openStream()
	}
}

// Close unbinds from the session and closes the stream.
func (s *NotificationStream) Close() {
	s.mu.Lock()
	unbind := s.unbind
	s.unbind = nil
	s.mu.Unlock()
	if unbind != nil {
		unbind()
	}
	s.closeStream()
}

// Count returns the local unread notification count.
func (s *NotificationStream) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Open reports whether the subscription is currently established.
func (s *NotificationStream) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Err returns why the last stream ended, nil after a local close.
func (s *NotificationStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the current stream ends. It returns nil if no stream
// was ever opened.
func (s *NotificationStream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Refresh replaces the local count with the server's.
func (s *NotificationStream) Refresh(ctx context.Context) error {
	n, err := s.client.Notifications.UnreadCount(ctx)
	if err != nil {
		return err
	}
	s.setCount(n)
	return nil
}

// MarkAllRead zeroes the counter and acknowledges every notification on the
// server. The server call is best-effort; its failure is logged only.
func (s *NotificationStream) MarkAllRead(ctx context.Context) {
	s.setCount(0)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.client.Notifications.MarkAllRead(context.WithoutCancel(ctx)); err != nil {
			s.logger.Debug("mark all read failed", "error", err)
		}
	}()
}

// OnChange observes the counter. The returned func removes the observer.
func (s *NotificationStream) OnChange(fn func(count int64)) (remove func()) {
	return s.countObs.add(fn)
}

// OnNotification observes decoded notification payloads.
func (s *NotificationStream) OnNotification(fn func(Notification)) (remove func()) {
	return s.notificationObs.add(fn)
}

// ----------------------------------------------------------------------------
// Stream lifecycle
// ----------------------------------------------------------------------------

func (s *NotificationStream) openStream() {
	token := s.client.session.Token()
	if token == "" {
		return
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.err = nil
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	if !s.config.SkipInitialRefresh {
		go func() {
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("unread count refresh failed", "error", err)
			}
		}()
	}
	go s.run(ctx, gen, token, done)
}

// closeStream cancels the running stream. Err is reset.
func (s *NotificationStream) closeStream() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	wasOpen := s.open
	s.open = false
	s.err = nil
	s.mu.Unlock()

	if wasOpen {
		s.client.metrics.setStreamOpen(false)
	}
}

func (s *NotificationStream) run(ctx context.Context, gen uint64, token string, done chan struct{}) {
	defer close(done)

	err := s.subscribe(ctx, gen, token)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("notification stream ended")
	}
	s.logger.Info("notification stream closed", "error", err)

	s.mu.Lock()
	if s.gen == gen {
		s.cancel = nil
		s.open = false
		s.err = err
	}
	s.mu.Unlock()
	s.client.metrics.setStreamOpen(false)
}

func (s *NotificationStream) subscribe(ctx context.Context, gen uint64, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.NotificationStreamURL(token), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := &APIError{StatusCode: resp.StatusCode, Message: "notification stream rejected"}
		if errors.Is(err, ErrUnauthorized) && s.client.session.expire(token) {
			s.logger.Info("token rejected, ending session", "status", resp.StatusCode)
		}
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ctx.Err()
	}
	s.open = true
	s.mu.Unlock()
	s.client.metrics.setStreamOpen(true)
	s.logger.Info("notification stream open")

	return readEvents(bufio.NewScanner(resp.Body), func(ev sseEvent) {
		if ctx.Err() != nil {
			return
		}
		s.handle(gen, ev)
	})
}

func (s *NotificationStream) handle(gen uint64, ev sseEvent) {
	if ev.Event != NotificationEvent {
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.count++
	count := s.count
	s.mu.Unlock()

	s.client.metrics.notification()
	s.countObs.notify(count)

	var n Notification
	if err := json.Unmarshal([]byte(ev.Data), &n); err != nil {
		s.logger.Debug("undecodable notification", "error", err)
		return
	}
	s.notificationObs.notify(n)
}

func (s *NotificationStream) setCount(n int64) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.count = n
	s.mu.Unlock()
	s.countObs.notify(n)
}

// readEvents parses a text/event-stream body and calls dispatch for every
// complete event. It returns the scanner's error, nil on EOF.
func readEvents(scanner *bufio.Scanner, dispatch func(sseEvent)) error {
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		ev   sseEvent
		data []string
	)
	flush := func() {
		if len(data) == 0 && ev.Event == "" {
			return
		}
		ev.Data = strings.Join(data, "\n")
		if ev.Event == "" {
			ev.Event = "message"
		}
		dispatch(ev)
		ev = sseEvent{ID: ev.ID}
		data = data[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	// An event not terminated by a blank line is discarded.
	return scanner.Err()
}
