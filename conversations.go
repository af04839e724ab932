package silentsupply

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"unicode/utf8"
)

const (
	previewLength = 100
	// seenMessageLimit bounds the ids remembered to recognise push duplicates.
	seenMessageLimit = 4096
)

// ConversationList keeps the session's conversation list. A refresh replaces
// it wholesale; push messages update previews and unread counts in between.
//
// A message for a conversation that is not in the list yet is ignored until
// the next Refresh.
type ConversationList struct {
	client *Client
	push   *PushManager
	logger *slog.Logger

	mu       sync.Mutex
	items    []Conversation
	seen     *idWindow
	loaded   bool
	err      error
	epoch    uint64
	listener *Listener

	changes observers[[]Conversation]
	bg      sync.WaitGroup
}

// NewConversationList creates a list fed by push. push may be nil, in which
// case the list only changes on Refresh and MarkRead.
func NewConversationList(client *Client, push *PushManager) *ConversationList {
	return &ConversationList{
		client: client,
		push:   push,
		logger: client.logger.With("component", "conversations"),
		seen:   newIDWindow(seenMessageLimit),
	}
}

// Open subscribes to push messages and loads the list.
func (l *ConversationList) Open(ctx context.Context) error {
	l.mu.Lock()
	if l.listener == nil && l.push != nil {
		l.listener = l.push.OnMessage(l.apply)
	}
	l.mu.Unlock()
	return l.Refresh(ctx)
}

// Close stops following push messages. The list keeps its last state.
func (l *ConversationList) Close() {
	l.mu.Lock()
	listener := l.listener
	l.listener = nil
	l.mu.Unlock()
	listener.Remove()
}

// Refresh replaces the list with the server's snapshot. If the very first
// load fails, Err reports it; later failures keep the stale list and clear
// nothing. Only the most recently started refresh is applied.
func (l *ConversationList) Refresh(ctx context.Context) error {
	l.mu.Lock()
	l.epoch++
	epoch := l.epoch
	l.mu.Unlock()

	items, err := l.client.Conversations.List(ctx)

	l.mu.Lock()
	if epoch != l.epoch {
		l.mu.Unlock()
		return err
	}
	if err != nil {
		if !l.loaded {
			l.err = err
		}
		l.mu.Unlock()
		l.logger.Debug("conversation refresh failed", "error", err)
		return err
	}
	l.items = items
	l.loaded = true
	l.err = nil
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.changes.notify(snap)
	return nil
}

// Err returns the initial load failure, if any.
func (l *ConversationList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Loaded reports whether a refresh has succeeded.
func (l *ConversationList) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Snapshot returns a copy of the list, most recently active first.
func (l *ConversationList) Snapshot() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Get returns one conversation from the local list.
func (l *ConversationList) Get(id int64) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.items[i].clone(), true
	}
	return Conversation{}, false
}

// TotalUnread sums the unread counts of the local list.
func (l *ConversationList) TotalUnread() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for i := range l.items {
		n += l.items[i].UnreadCount
	}
	return n
}

// OnChange observes the list after every mutation.
func (l *ConversationList) OnChange(fn func([]Conversation)) (remove func()) {
	return l.changes.add(fn)
}

// MarkRead zeroes the conversation's unread count at once and records the
// read on the server in the background. Server failures are logged only.
// ConversationList is a ReadMarker.
func (l *ConversationList) MarkRead(ctx context.Context, id int64) {
	l.mu.Lock()
	var snap []Conversation
	if i := l.indexLocked(id); i >= 0 && l.items[i].UnreadCount != 0 {
		l.items[i].UnreadCount = 0
		snap = l.snapshotLocked()
	}
	l.mu.Unlock()
	if snap != nil {
		l.changes.notify(snap)
	}

	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		if err := l.client.Conversations.MarkRead(context.WithoutCancel(ctx), id); err != nil {
			l.logger.Debug("mark read failed", "conversation_id", id, "error", err)
		}
	}()
}

// apply merges one push message.
func (l *ConversationList) apply(msg Message) {
	l.mu.Lock()
	if !l.seen.add(msg.ID) {
		l.mu.Unlock()
		l.client.metrics.duplicate("conversations")
		return
	}
	i := l.indexLocked(msg.ConversationID)
	if i < 0 {
		l.mu.Unlock()
		l.logger.Debug("message for unlisted conversation", "conversation_id", msg.ConversationID)
		return
	}

	c := &l.items[i]
	preview := truncateRunes(msg.Content, previewLength)
	sender, at := msg.SenderCompanyName, msg.CreatedAt
	c.LastMessagePreview = &preview
	c.LastMessageSenderName = &sender
	c.LastMessageAt = &at
	if self := l.client.session.CompanyID(); self == 0 || msg.SenderCompanyID != self {
		c.UnreadCount++
	}
	sortByActivity(l.items)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.changes.notify(snap)
}

func (l *ConversationList) indexLocked(id int64) int {
	return slices.IndexFunc(l.items, func(c Conversation) bool { return c.ID == id })
}

func (l *ConversationList) snapshotLocked() []Conversation {
	out := make([]Conversation, len(l.items))
	for i := range l.items {
		out[i] = l.items[i].clone()
	}
	return out
}

// sortByActivity orders conversations most recently active first. Ties keep
// their relative order.
func sortByActivity(items []Conversation) {
	slices.SortStableFunc(items, func(a, b Conversation) int {
		return compareTimestamps(b.ActivityAt(), a.ActivityAt())
	})
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// idWindow remembers the most recent ids up to a fixed limit.
type idWindow struct {
	limit int
	ids   map[int64]struct{}
	order []int64
}

func newIDWindow(limit int) *idWindow {
	return &idWindow{limit: limit, ids: make(map[int64]struct{})}
}

// add records id and reports whether it was new.
func (w *idWindow) add(id int64) bool {
	if _, ok := w.ids[id]; ok {
		return false
	}
	w.ids[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.limit {
		delete(w.ids, w.order[0])
		w.order = w.order[1:]
	}
	return true
}
