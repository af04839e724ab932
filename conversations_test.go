package silentsupply

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/silentsupply/silentsupply/sdk/golang/internal/chattest"
)

// ============================================================================
// Push merge
// ============================================================================

func listWith(t *testing.T, selfID int64, items ...Conversation) *ConversationList {
	t.Helper()
	client := NewClient()
	if selfID != 0 {
		client.Session().SetToken(testToken(t, selfID, time.Time{}))
	}
	l := NewConversationList(client, nil)
	l.items = items
	l.loaded = true
	return l
}

func ids(items []Conversation) []int64 {
	out := make([]int64, 0, len(items))
	for _, c := range items {
		out = append(out, c.ID)
	}
	return out
}

func TestConversationListApply(t *testing.T) {
	t.Run("updates preview and unread", func(t *testing.T) {
		l := listWith(t, buyerID,
			Conversation{ID: 1, CreatedAt: "2024-03-01T09:00:00", UnreadCount: 3},
		)
		l.apply(Message{ID: 10, ConversationID: 1, SenderCompanyID: supplierID, SenderCompanyName: "Supplier Co", Content: "Price list", CreatedAt: "2024-03-01T10:00:00"})

		c, _ := l.Get(1)
		if c.UnreadCount != 4 {
			t.Errorf("unread = %d, want 4", c.UnreadCount)
		}
		if *c.LastMessagePreview != "Price list" || *c.LastMessageSenderName != "Supplier Co" || *c.LastMessageAt != "2024-03-01T10:00:00" {
			t.Errorf("preview not updated: %+v", c)
		}
	})

	t.Run("preview truncated to 100 characters", func(t *testing.T) {
		l := listWith(t, buyerID, Conversation{ID: 1})
		l.apply(Message{ID: 10, ConversationID: 1, SenderCompanyID: supplierID, Content: strings.Repeat("ü", 150)})

		c, _ := l.Get(1)
		if got := []rune(*c.LastMessagePreview); len(got) != 100 {
			t.Errorf("preview has %d characters, want 100", len(got))
		}
	})

	t.Run("duplicate message counts once", func(t *testing.T) {
		l := listWith(t, buyerID, Conversation{ID: 1})
		msg := Message{ID: 10, ConversationID: 1, SenderCompanyID: supplierID}
		l.apply(msg)
		l.apply(msg)

		if got := l.TotalUnread(); got != 1 {
			t.Errorf("unread = %d, want 1", got)
		}
	})

	t.Run("own messages do not count as unread", func(t *testing.T) {
		l := listWith(t, buyerID, Conversation{ID: 1})
		l.apply(Message{ID: 10, ConversationID: 1, SenderCompanyID: buyerID, Content: "mine"})

		c, _ := l.Get(1)
		if c.UnreadCount != 0 {
			t.Errorf("unread = %d, want 0", c.UnreadCount)
		}
		if *c.LastMessagePreview != "mine" {
			t.Error("preview should still follow the latest message")
		}
	})

	t.Run("unknown actor counts every message", func(t *testing.T) {
		l := listWith(t, 0, Conversation{ID: 1})
		l.apply(Message{ID: 10, ConversationID: 1, SenderCompanyID: buyerID})
		if got := l.TotalUnread(); got != 1 {
			t.Errorf("unread = %d, want 1", got)
		}
	})

	t.Run("unlisted conversation stays absent", func(t *testing.T) {
		l := listWith(t, buyerID, Conversation{ID: 1})
		l.apply(Message{ID: 10, ConversationID: 99, SenderCompanyID: supplierID})
		if diff := cmp.Diff([]int64{1}, ids(l.Snapshot())); diff != "" {
			t.Errorf("ids (-want +got):\n%s", diff)
		}
	})

	t.Run("stable re-sort by activity", func(t *testing.T) {
		l := listWith(t, buyerID,
			Conversation{ID: 1, CreatedAt: "2024-03-01T08:00:00"},
			Conversation{ID: 2, CreatedAt: "2024-03-01T08:00:00"},
			Conversation{ID: 3, CreatedAt: "2024-03-01T07:00:00"},
			Conversation{ID: 4, CreatedAt: "2024-03-01T08:00:00"},
		)
		l.apply(Message{ID: 10, ConversationID: 3, SenderCompanyID: supplierID, CreatedAt: "2024-03-01T09:00:00"})
		if diff := cmp.Diff([]int64{3, 1, 2, 4}, ids(l.Snapshot())); diff != "" {
			t.Fatalf("after first push (-want +got):\n%s", diff)
		}

		l.apply(Message{ID: 11, ConversationID: 4, SenderCompanyID: supplierID, CreatedAt: "2024-03-01T09:30:00"})
		l.apply(Message{ID: 12, ConversationID: 2, SenderCompanyID: supplierID, CreatedAt: "2024-03-01T09:30:00"})
		if diff := cmp.Diff([]int64{4, 2, 3, 1}, ids(l.Snapshot())); diff != "" {
			t.Errorf("after ties (-want +got):\n%s", diff)
		}
	})

	t.Run("unread never decreases from push", func(t *testing.T) {
		l := listWith(t, buyerID, Conversation{ID: 1}, Conversation{ID: 2})
		var last int64
		for i, conv := range []int64{1, 2, 1, 1, 2} {
			l.apply(Message{ID: int64(100 + i), ConversationID: conv, SenderCompanyID: supplierID})
			l.apply(Message{ID: int64(100 + i), ConversationID: conv, SenderCompanyID: supplierID})
			total := l.TotalUnread()
			if total != last+1 {
				t.Fatalf("step %d: total unread = %d, want %d", i, total, last+1)
			}
			last = total
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		l := listWith(t, buyerID, Conversation{ID: 1, Participants: []Participant{{CompanyID: 1}}})
		snap := l.Snapshot()
		snap[0].UnreadCount = 9
		snap[0].Participants[0].CompanyID = 9

		c, _ := l.Get(1)
		if c.UnreadCount != 0 || c.Participants[0].CompanyID != 1 {
			t.Error("snapshot aliases the list")
		}
	})
}

// ============================================================================
// Refresh, read marking, push
// ============================================================================

func TestConversationList(t *testing.T) {
	t.Run("open loads the snapshot", func(t *testing.T) {
		mk := newMarketplace(t)
		other := mk.srv.AddConversation("", buyerID, supplierID)
		mk.srv.AddMessage(mk.conversation, supplierID, "hello")
		client := mk.client(mk.buyerToken)

		l := NewConversationList(client, nil)
		if err := l.Open(testContext(t)); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if diff := cmp.Diff([]int64{mk.conversation, other}, ids(l.Snapshot())); diff != "" {
			t.Errorf("ids (-want +got):\n%s", diff)
		}
		if l.TotalUnread() != 1 {
			t.Errorf("TotalUnread = %d", l.TotalUnread())
		}
	})

	t.Run("first load failure is visible", func(t *testing.T) {
		mk := newMarketplace(t)
		mk.srv.FailNext("conversations.list", http.StatusInternalServerError)
		l := NewConversationList(mk.client(mk.buyerToken), nil)

		if err := l.Open(testContext(t)); err == nil {
			t.Fatal("expected error")
		}
		if l.Err() == nil || l.Loaded() {
			t.Fatalf("Err = %v, Loaded = %v", l.Err(), l.Loaded())
		}

		if err := l.Refresh(testContext(t)); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if l.Err() != nil {
			t.Errorf("Err after successful refresh = %v", l.Err())
		}
	})

	t.Run("later failure keeps the stale list", func(t *testing.T) {
		mk := newMarketplace(t)
		l := NewConversationList(mk.client(mk.buyerToken), nil)
		if err := l.Open(testContext(t)); err != nil {
			t.Fatalf("Open: %v", err)
		}

		mk.srv.FailNext("conversations.list", http.StatusServiceUnavailable)
		if err := l.Refresh(testContext(t)); err == nil {
			t.Fatal("expected error")
		}
		if l.Err() != nil {
			t.Errorf("Err = %v, want nil after a background failure", l.Err())
		}
		if len(l.Snapshot()) != 1 {
			t.Errorf("list dropped: %v", l.Snapshot())
		}
	})

	t.Run("mark read zeroes at once", func(t *testing.T) {
		mk := newMarketplace(t)
		for range 3 {
			mk.srv.AddMessage(mk.conversation, supplierID, "ping")
		}
		held := make(chan struct{})
		client := mk.client(mk.buyerToken, WithHTTPClient(&http.Client{Transport: holdTransport{
			base: http.DefaultTransport,
			hold: func(r *http.Request) bool { return strings.HasSuffix(r.URL.Path, "/read") },
			wait: held,
		}}))
		l := NewConversationList(client, nil)
		if err := l.Open(testContext(t)); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if l.TotalUnread() != 3 {
			t.Fatalf("TotalUnread = %d, want 3", l.TotalUnread())
		}

		l.MarkRead(testContext(t), mk.conversation)
		if l.TotalUnread() != 0 {
			t.Errorf("TotalUnread = %d before the server answered", l.TotalUnread())
		}
		close(held)
		l.bg.Wait()
		if mk.srv.Unread(buyerID, mk.conversation) != 0 {
			t.Error("server unread not cleared")
		}
	})

	t.Run("mark read failure is swallowed", func(t *testing.T) {
		mk := newMarketplace(t)
		mk.srv.AddMessage(mk.conversation, supplierID, "ping")
		mk.srv.FailNext("conversations.mark_read", http.StatusInternalServerError)
		l := NewConversationList(mk.client(mk.buyerToken), nil)
		if err := l.Open(testContext(t)); err != nil {
			t.Fatalf("Open: %v", err)
		}

		l.MarkRead(testContext(t), mk.conversation)
		l.bg.Wait()
		if l.TotalUnread() != 0 {
			t.Errorf("TotalUnread = %d", l.TotalUnread())
		}
	})

	t.Run("push updates reach observers", func(t *testing.T) {
		mk := newMarketplace(t)
		second := mk.srv.AddConversation("", buyerID, supplierID)
		client := mk.client(mk.buyerToken)
		push := startPush(t, client, nil, nil)
		l := NewConversationList(client, push)
		t.Cleanup(l.Close)
		changes := make(chan []Conversation, 8)
		l.OnChange(func(c []Conversation) { changes <- c })
		if err := l.Open(testContext(t)); err != nil {
			t.Fatalf("Open: %v", err)
		}
		<-changes
		chattest.Eventually(t, func() bool { return mk.srv.Broker().Subscribers(buyerID) == 1 }, "subscribed")

		mk.srv.Deliver(mk.conversation, supplierID, "first")
		got := <-changes
		if got[0].ID != mk.conversation || got[0].UnreadCount != 1 {
			t.Errorf("after first push: %+v", got[0])
		}
		mk.srv.Deliver(second, supplierID, "second")
		got = <-changes
		if diff := cmp.Diff([]int64{second, mk.conversation}, ids(got)); diff != "" {
			t.Errorf("order (-want +got):\n%s", diff)
		}

		l.Close()
		mk.srv.Deliver(second, supplierID, "after close")
		select {
		case c := <-changes:
			t.Errorf("change after Close: %v", ids(c))
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// holdTransport delays matching requests until wait is closed.
type holdTransport struct {
	base http.RoundTripper
	hold func(*http.Request) bool
	wait <-chan struct{}
}

func (h holdTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if h.hold(r) {
		<-h.wait
	}
	return h.base.RoundTrip(r)
}
