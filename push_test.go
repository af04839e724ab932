package silentsupply

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/silentsupply/silentsupply/sdk/golang/internal/chattest"
)

// ============================================================================
// Fan-out
// ============================================================================

func frameBody(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPushFanOut(t *testing.T) {
	t.Run("registration order", func(t *testing.T) {
		m := NewPushManager(NewClient(), nil)
		var calls []string
		m.OnMessage(func(Message) { calls = append(calls, "a") })
		m.OnMessage(func(Message) { calls = append(calls, "b") })
		m.OnMessage(func(Message) { calls = append(calls, "c") })

		m.deliver(m.gen, frameBody(t, Message{ID: 1, ConversationID: 7}))
		if diff := cmp.Diff([]string{"a", "b", "c"}, calls); diff != "" {
			t.Errorf("calls (-want +got):\n%s", diff)
		}
	})

	t.Run("listener removed mid fan-out is skipped", func(t *testing.T) {
		m := NewPushManager(NewClient(), nil)
		var calls []string
		var b *Listener
		m.OnMessage(func(Message) {
			calls = append(calls, "a")
			b.Remove()
		})
		b = m.OnMessage(func(Message) { calls = append(calls, "b") })
		m.OnMessage(func(Message) { calls = append(calls, "c") })

		m.deliver(m.gen, frameBody(t, Message{ID: 1}))
		m.deliver(m.gen, frameBody(t, Message{ID: 2}))
		if diff := cmp.Diff([]string{"a", "c", "a", "c"}, calls); diff != "" {
			t.Errorf("calls (-want +got):\n%s", diff)
		}
	})

	t.Run("listener removing itself", func(t *testing.T) {
		m := NewPushManager(NewClient(), nil)
		n := 0
		var l *Listener
		l = m.OnMessage(func(Message) {
			n++
			l.Remove()
			l.Remove()
		})
		m.deliver(m.gen, frameBody(t, Message{ID: 1}))
		m.deliver(m.gen, frameBody(t, Message{ID: 2}))
		if n != 1 {
			t.Errorf("listener called %d times, want 1", n)
		}
		if m.listeners.len() != 0 {
			t.Errorf("registry still holds %d listeners", m.listeners.len())
		}
	})

	t.Run("panicking listener does not stop fan-out", func(t *testing.T) {
		m := NewPushManager(NewClient(), nil)
		reached := false
		m.OnMessage(func(Message) { panic("boom") })
		m.OnMessage(func(Message) { reached = true })

		m.deliver(m.gen, frameBody(t, Message{ID: 1}))
		if !reached {
			t.Error("second listener not invoked after a panic")
		}
	})

	t.Run("teardown mid fan-out stops delivery", func(t *testing.T) {
		m := NewPushManager(NewClient(), nil)
		reached := false
		m.OnMessage(func(Message) { m.Close() })
		m.OnMessage(func(Message) { reached = true })

		m.deliver(m.gen, frameBody(t, Message{ID: 1}))
		if reached {
			t.Error("listener invoked after Close")
		}
	})

	t.Run("undecodable frame is dropped", func(t *testing.T) {
		m := NewPushManager(NewClient(), nil)
		called := false
		m.OnMessage(func(Message) { called = true })
		m.deliver(m.gen, []byte("not json"))
		if called {
			t.Error("listener invoked for an undecodable frame")
		}
	})
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func startPush(t *testing.T, client *Client, cfg *PushConfig, after func(time.Duration) <-chan time.Time) *PushManager {
	t.Helper()
	m := NewPushManager(client, cfg)
	if after != nil {
		m.after = after
	}
	m.Start(testContext(t))
	t.Cleanup(m.Close)
	return m
}

func TestPushDelivery(t *testing.T) {
	mk := newMarketplace(t)
	client := mk.client(mk.buyerToken)
	received := make(chan Message, 8)

	push := NewPushManager(client, nil)
	push.OnMessage(func(m Message) { received <- m })
	push.Start(testContext(t))
	t.Cleanup(push.Close)

	chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 }, "buyer subscribed")
	chattest.Eventually(t, push.Connected, "push connected")

	if got := mk.srv.Broker().Authorizations(); len(got) != 1 || got[0] != "Bearer "+mk.buyerToken {
		t.Errorf("CONNECT Authorization headers = %v", got)
	}

	sent := mk.srv.Deliver(mk.conversation, supplierID, "Quote attached")
	got := waitMessage(t, received)
	want := Message{
		ID:                sent.ID,
		ConversationID:    mk.conversation,
		SenderCompanyID:   supplierID,
		SenderCompanyName: "Supplier Co",
		Content:           "Quote attached",
		CreatedAt:         sent.CreatedAt,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message (-want +got):\n%s", diff)
	}
}

func TestPushWithoutToken(t *testing.T) {
	mk := newMarketplace(t)
	client := mk.client("")
	push := startPush(t, client, nil, nil)

	time.Sleep(50 * time.Millisecond)
	if n := mk.srv.Broker().Connects(); n != 0 {
		t.Fatalf("connected %d times without a token", n)
	}
	if push.State() != StateDisconnected {
		t.Errorf("state = %s", push.State())
	}

	client.Session().SetToken(mk.buyerToken)
	chattest.Eventually(t, push.Connected, "connect after login")
}

func TestPushLogout(t *testing.T) {
	mk := newMarketplace(t)
	client := mk.client(mk.buyerToken)
	received := make(chan Message, 8)
	push := startPush(t, client, nil, nil)
	push.OnMessage(func(m Message) { received <- m })
	chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 }, "subscribed")

	client.Auth.Logout()
	if push.Connected() || push.State() != StateDisconnected {
		t.Fatalf("state after logout = %s", push.State())
	}
	chattest.Eventually(t, func() bool { return mk.srv.Broker().Sessions() == 0 }, "socket closed")

	mk.srv.Deliver(mk.conversation, supplierID, "after logout")
	select {
	case m := <-received:
		t.Fatalf("received %+v after logout", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushClose(t *testing.T) {
	mk := newMarketplace(t)
	client := mk.client(mk.buyerToken)
	received := make(chan Message, 8)
	push := NewPushManager(client, nil)
	push.OnMessage(func(m Message) { received <- m })
	push.Start(testContext(t))
	chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 }, "subscribed")

	push.Close()
	if push.Connected() {
		t.Fatal("Connected() true after Close")
	}
	push.Wait()

	mk.srv.Deliver(mk.conversation, supplierID, "after close")
	select {
	case m := <-received:
		t.Fatalf("received %+v after Close", m)
	case <-time.After(100 * time.Millisecond):
	}

	client.Session().SetToken(mk.srv.Token(buyerID))
	time.Sleep(50 * time.Millisecond)
	if push.Connected() || mk.srv.Broker().Connects() != 1 {
		t.Error("closed manager followed a new login")
	}
}

// ============================================================================
// Reconnect
// ============================================================================

// fakeClock hands reconnect waits to the test.
type fakeClock struct {
	waits chan time.Duration
	fire  chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{waits: make(chan time.Duration, 8), fire: make(chan time.Time)}
}

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.waits <- d
	return c.fire
}

func (c *fakeClock) nextWait(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.waits:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect wait scheduled")
		return 0
	}
}

// stopAfter gives up after n delays.
type stopAfter struct {
	mu     sync.Mutex
	n      int
	used   int
	resets int
}

func (b *stopAfter) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.n {
		return backoff.Stop
	}
	b.used++
	return time.Second
}

func (b *stopAfter) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
	b.resets++
}

func TestPushReconnect(t *testing.T) {
	t.Run("reconnects after a drop with the default delay", func(t *testing.T) {
		mk := newMarketplace(t)
		reg := prometheus.NewRegistry()
		client := mk.client(mk.buyerToken, WithMetrics(reg))
		clock := newFakeClock()
		var states []ConnState
		var mu sync.Mutex
		push := startPush(t, client, &PushConfig{OnStateChange: func(s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}}, clock.after)
		chattest.Eventually(t, push.Connected, "connected")

		mk.srv.Broker().Drop()
		if d := clock.nextWait(t); d != DefaultReconnectDelay {
			t.Errorf("reconnect delay = %v, want %v", d, DefaultReconnectDelay)
		}
		if push.State() != StateError {
			t.Errorf("state while waiting = %s, want error", push.State())
		}

		clock.fire <- time.Now()
		chattest.Eventually(t, func() bool { return mk.srv.Broker().Connects() == 2 && push.Connected() }, "reconnected")

		if got := testutil.ToFloat64(client.metrics.reconnects); got != 1 {
			t.Errorf("reconnect metric = %v, want 1", got)
		}
		mu.Lock()
		defer mu.Unlock()
		want := []ConnState{StateConnecting, StateConnected, StateError, StateConnecting, StateConnected}
		if diff := cmp.Diff(want, states); diff != "" {
			t.Errorf("states (-want +got):\n%s", diff)
		}
	})

	t.Run("connect failures retry until the policy stops", func(t *testing.T) {
		mk := newMarketplace(t)
		mk.srv.Broker().RejectConnects(true)
		client := mk.client(mk.buyerToken)
		clock := newFakeClock()
		policy := &stopAfter{n: 2}
		push := startPush(t, client, &PushConfig{Reconnect: policy}, clock.after)

		for range 2 {
			clock.nextWait(t)
			clock.fire <- time.Now()
		}
		chattest.Eventually(t, func() bool { return push.State() == StateDisconnected }, "gave up")
		if n := mk.srv.Broker().Connects(); n != 3 {
			t.Errorf("connect attempts = %d, want 3", n)
		}
		if !client.Session().Authenticated() {
			t.Error("a rejected CONNECT must not end the session")
		}
	})

	t.Run("policy resets after a successful connect", func(t *testing.T) {
		mk := newMarketplace(t)
		client := mk.client(mk.buyerToken)
		clock := newFakeClock()
		policy := &stopAfter{n: 1}
		push := startPush(t, client, &PushConfig{Reconnect: policy}, clock.after)
		chattest.Eventually(t, push.Connected, "connected")

		for i := range 3 {
			mk.srv.Broker().Drop()
			clock.nextWait(t)
			clock.fire <- time.Now()
			chattest.Eventually(t, func() bool { return mk.srv.Broker().Connects() == i+2 && push.Connected() }, "reconnect %d", i+1)
		}
	})

	t.Run("close during the wait", func(t *testing.T) {
		mk := newMarketplace(t)
		client := mk.client(mk.buyerToken)
		clock := newFakeClock()
		push := startPush(t, client, nil, clock.after)
		chattest.Eventually(t, push.Connected, "connected")

		mk.srv.Broker().Drop()
		clock.nextWait(t)
		push.Close()
		push.Wait()
		if push.State() != StateDisconnected {
			t.Errorf("state = %s", push.State())
		}
		if n := mk.srv.Broker().Connects(); n != 1 {
			t.Errorf("connects = %d, want 1", n)
		}
	})
}

func TestPushReconnectPolicyShared(t *testing.T) {
	mk := newMarketplace(t)
	mk.srv.Broker().RejectConnects(true)
	client := mk.client(mk.buyerToken)
	policy := &exclusivePolicy{}
	push := startPush(t, client, &PushConfig{Reconnect: policy}, nil)

	for range 20 {
		chattest.Eventually(t, func() bool { return policy.calls.Load() > 0 }, "policy consulted")
		policy.calls.Store(0)
		client.Session().Clear()
		client.Session().SetToken(mk.buyerToken)
	}
	push.Close()
	push.Wait()
	if policy.overlap.Load() {
		t.Error("reconnect policy was used by two connection loops at once")
	}
}

// exclusivePolicy records whether two callers ever used it at the same time.
type exclusivePolicy struct {
	busy    atomic.Bool
	overlap atomic.Bool
	calls   atomic.Int64
}

func (p *exclusivePolicy) enter() {
	if p.busy.Swap(true) {
		p.overlap.Store(true)
	}
	p.calls.Add(1)
	time.Sleep(time.Millisecond)
	p.busy.Store(false)
}

func (p *exclusivePolicy) NextBackOff() time.Duration {
	p.enter()
	return time.Millisecond
}

func (p *exclusivePolicy) Reset() { p.enter() }

// ============================================================================
// Logging
// ============================================================================

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureStdLog redirects the standard log package for the test.
func captureStdLog(t *testing.T) *lockedBuffer {
	t.Helper()
	out := &lockedBuffer{}
	prev := log.Writer()
	log.SetOutput(out)
	t.Cleanup(func() { log.SetOutput(prev) })
	return out
}

func TestPushLogging(t *testing.T) {
	t.Run("nothing reaches the standard logger", func(t *testing.T) {
		std := captureStdLog(t)
		mk := newMarketplace(t)
		client := mk.client(mk.buyerToken)
		clock := newFakeClock()
		push := startPush(t, client, nil, clock.after)
		chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 }, "subscribed")

		mk.srv.Broker().Drop()
		clock.nextWait(t)
		clock.fire <- time.Now()
		chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 && push.Connected() }, "resubscribed")

		push.Close()
		push.Wait()
		time.Sleep(50 * time.Millisecond)
		if out := std.String(); out != "" {
			t.Errorf("standard log output:\n%s", out)
		}
	})

	t.Run("stomp diagnostics use the client logger", func(t *testing.T) {
		std := captureStdLog(t)
		out := &lockedBuffer{}
		logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
		mk := newMarketplace(t)
		push := NewPushManager(mk.client(mk.buyerToken, WithLogger(logger)), nil)

		push.stompLog.Infof("Subscription %s: %s: closed", "1", UserMessageQueue)
		push.stompLog.Error("received ERROR")

		got := out.String()
		for _, want := range []string{
			"component=push source=stomp",
			`msg="Subscription 1: /user/queue/messages: closed"`,
			`level=ERROR msg="received ERROR"`,
		} {
			if !strings.Contains(got, want) {
				t.Errorf("log output missing %q:\n%s", want, got)
			}
		}
		if std.String() != "" {
			t.Errorf("standard log output: %s", std.String())
		}
	})
}

// ============================================================================
// Publish
// ============================================================================

func TestPushPublish(t *testing.T) {
	t.Run("dropped while disconnected", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		client := NewClient(WithMetrics(reg))
		push := NewPushManager(client, nil)

		if push.Send(&SendMessageRequest{ConversationID: 7, Content: "hi"}) {
			t.Fatal("Send reported success while disconnected")
		}
		if got := testutil.ToFloat64(client.metrics.droppedPublishes); got != 1 {
			t.Errorf("dropped publishes = %v, want 1", got)
		}
	})

	t.Run("echoed back when connected", func(t *testing.T) {
		mk := newMarketplace(t)
		client := mk.client(mk.buyerToken)
		received := make(chan Message, 8)
		push := startPush(t, client, nil, nil)
		push.OnMessage(func(m Message) { received <- m })
		chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 && push.Connected() }, "connected")

		if !push.Send(&SendMessageRequest{ConversationID: mk.conversation, Content: "over the socket"}) {
			t.Fatal("Send reported a drop while connected")
		}
		got := waitMessage(t, received)
		if got.Content != "over the socket" || got.SenderCompanyID != buyerID {
			t.Errorf("echo = %+v", got)
		}
		published := mk.srv.Broker().Published()
		if len(published) != 1 || !strings.Contains(published[0], `"conversationId"`) {
			t.Errorf("published = %v", published)
		}
	})
}
