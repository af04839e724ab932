package silentsupply

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// DefaultPageSize is the history page size the server defaults to.
const DefaultPageSize = 50

// HistoryState is the load state of a MessageHistory.
type HistoryState int

const (
	HistoryIdle HistoryState = iota
	HistoryInitialLoading
	HistoryReady
	HistoryLoadingOlder
	HistoryFailed
)

func (s HistoryState) String() string {
	switch s {
	case HistoryIdle:
		return "idle"
	case HistoryInitialLoading:
		return "initial_loading"
	case HistoryReady:
		return "ready"
	case HistoryLoadingOlder:
		return "loading_older"
	case HistoryFailed:
		return "failed"
	default:
		return fmt.Sprintf("HistoryState(%d)", int(s))
	}
}

// ReadMarker records that a conversation has been read. Implementations must
// not surface errors; read state is best-effort.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID int64)
}

type apiReadMarker struct {
	client *Client
	logger *slog.Logger
}

func (m apiReadMarker) MarkRead(ctx context.Context, conversationID int64) {
	if err := m.client.Conversations.MarkRead(ctx, conversationID); err != nil {
		m.logger.Debug("mark read failed", "conversation_id", conversationID, "error", err)
	}
}

// HistoryOptions configures a MessageHistory.
type HistoryOptions struct {
	// PageSize of every history fetch. Defaults to DefaultPageSize.
	PageSize int
	// ReadMarker is told whenever the open conversation's buffer grows.
	// Defaults to Conversations.MarkRead. Pass the ConversationList to also
	// zero its local unread count.
	ReadMarker ReadMarker
}

func (o *HistoryOptions) defaults(client *Client, logger *slog.Logger) {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ReadMarker == nil {
		o.ReadMarker = apiReadMarker{client: client, logger: logger}
	}
}

// HistoryView is an immutable view of a MessageHistory.
type HistoryView struct {
	ConversationID int64
	State          HistoryState
	Messages       []Message
	HasMore        bool
	Err            error
}

// MessageHistory keeps the messages of one open conversation, oldest first
// and unique by id. Pages are fetched newest first and prepended as the user
// scrolls back; push messages and direct send responses are merged in by id,
// so a message seen on both paths appears once whichever arrives first.
type MessageHistory struct {
	client *Client
	push   *PushManager
	opts   HistoryOptions
	logger *slog.Logger

	mu             sync.Mutex
	conversationID int64
	state          HistoryState
	messages       []Message
	ids            map[int64]struct{}
	nextPage       int
	hasMore        bool
	err            error
	epoch          uint64
	cancel         context.CancelFunc
	markCtx        context.Context
	listener       *Listener

	changes observers[HistoryView]
	bg      sync.WaitGroup
}

// NewMessageHistory creates an idle history. push may be nil, in which case
// only fetched pages and Send responses enter the buffer.
func NewMessageHistory(client *Client, push *PushManager, opts *HistoryOptions) *MessageHistory {
	logger := client.logger.With("component", "history")
	var o HistoryOptions
	if opts != nil {
		o = *opts
	}
	o.defaults(client, logger)
	return &MessageHistory{
		client: client,
		push:   push,
		opts:   o,
		logger: logger,
		ids:    make(map[int64]struct{}),
	}
}

// Open switches to conversationID: the buffer is discarded, any fetch for the
// previous conversation is cancelled and its result ignored, and the newest
// page is loaded. A failure leaves the history in HistoryFailed and is
// returned. Messages pushed while the page is in flight are kept.
func (h *MessageHistory) Open(ctx context.Context, conversationID int64) error {
	fetchCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.epoch++
	epoch := h.epoch
	h.cancel = cancel
	h.conversationID = conversationID
	h.messages = nil
	h.ids = make(map[int64]struct{})
	h.nextPage = 0
	h.hasMore = false
	h.err = nil
	h.state = HistoryInitialLoading
	h.markCtx = context.WithoutCancel(ctx)
	if h.listener == nil && h.push != nil {
		h.listener = h.push.OnMessage(h.apply)
	}
	view := h.viewLocked()
	h.mu.Unlock()
	h.changes.notify(view)

	page, err := h.client.Messages.Page(fetchCtx, conversationID, 0, h.opts.PageSize)
	cancel()

	h.mu.Lock()
	if epoch != h.epoch {
		h.mu.Unlock()
		return ErrSuperseded
	}
	h.cancel = nil
	if err != nil {
		h.state = HistoryFailed
		h.err = err
		view := h.viewLocked()
		h.mu.Unlock()
		h.logger.Debug("initial load failed", "conversation_id", conversationID, "error", err)
		h.changes.notify(view)
		return err
	}
	h.mergeLocked(page.Content)
	h.nextPage = 1
	h.hasMore = !page.Last
	h.state = HistoryReady
	view = h.viewLocked()
	markCtx := h.markCtx
	h.mu.Unlock()

	h.changes.notify(view)
	h.markRead(markCtx, conversationID)
	return nil
}

// LoadOlder fetches the next older page and prepends it. It returns
// ErrHistoryBusy while a page is in flight, ErrHistoryNotLoaded when nothing
// is open or the first page failed, and ErrNoMoreHistory once the oldest page
// is loaded. A failed fetch leaves the buffer as it was and is not reported;
// calling LoadOlder again retries it.
func (h *MessageHistory) LoadOlder(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case HistoryReady:
	case HistoryIdle:
		h.mu.Unlock()
		return fmt.Errorf("%w: no conversation is open", ErrHistoryNotLoaded)
	case HistoryFailed:
		err := h.err
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrHistoryNotLoaded, err)
	default:
		h.mu.Unlock()
		return ErrHistoryBusy
	}
	if !h.hasMore {
		h.mu.Unlock()
		return ErrNoMoreHistory
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	h.state = HistoryLoadingOlder
	h.cancel = cancel
	epoch, id, pageNum, markCtx := h.epoch, h.conversationID, h.nextPage, h.markCtx
	view := h.viewLocked()
	h.mu.Unlock()
	h.changes.notify(view)

	page, err := h.client.Messages.Page(fetchCtx, id, pageNum, h.opts.PageSize)
	cancel()

	h.mu.Lock()
	if epoch != h.epoch {
		h.mu.Unlock()
		return ErrSuperseded
	}
	h.cancel = nil
	h.state = HistoryReady
	if err != nil {
		view := h.viewLocked()
		h.mu.Unlock()
		h.logger.Debug("older page fetch failed", "conversation_id", id, "page", pageNum, "error", err)
		h.changes.notify(view)
		return nil
	}
	grew := h.mergeLocked(page.Content)
	h.nextPage = pageNum + 1
	h.hasMore = !page.Last
	view = h.viewLocked()
	h.mu.Unlock()

	h.changes.notify(view)
	if grew {
		h.markRead(markCtx, id)
	}
	return nil
}

// Send posts content to the open conversation and merges the stored message
// as soon as the response arrives. Errors are returned unchanged.
func (h *MessageHistory) Send(ctx context.Context, content string) (*Message, error) {
	id := h.ConversationID()
	if id == 0 {
		return nil, fmt.Errorf("%w: no conversation is open", ErrInvalidRequest)
	}
	msg, err := h.client.Messages.Send(ctx, &SendMessageRequest{ConversationID: id, Content: content})
	if err != nil {
		return nil, err
	}
	h.ApplySent(*msg)
	return msg, nil
}

// ApplySent merges a message returned by the send endpoint. It is the same
// merge push messages go through, so the later echo is a no-op.
func (h *MessageHistory) ApplySent(msg Message) {
	h.apply(msg)
}

// Close cancels in-flight fetches, stops following push messages, and
// returns the history to HistoryIdle.
func (h *MessageHistory) Close() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.epoch++
	h.conversationID = 0
	h.messages = nil
	h.ids = make(map[int64]struct{})
	h.hasMore = false
	h.err = nil
	h.state = HistoryIdle
	listener := h.listener
	h.listener = nil
	view := h.viewLocked()
	h.mu.Unlock()

	listener.Remove()
	h.changes.notify(view)
}

// ConversationID returns the open conversation, 0 when idle.
func (h *MessageHistory) ConversationID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversationID
}

func (h *MessageHistory) State() HistoryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Messages returns a copy of the buffer, oldest first.
func (h *MessageHistory) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

func (h *MessageHistory) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Err returns the initial load failure of the open conversation.
func (h *MessageHistory) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// View returns the whole state at once.
func (h *MessageHistory) View() HistoryView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewLocked()
}

// OnChange observes every state or buffer change.
func (h *MessageHistory) OnChange(fn func(HistoryView)) (remove func()) {
	return h.changes.add(fn)
}

// apply merges a live message if it belongs to the open conversation.
func (h *MessageHistory) apply(msg Message) {
	h.mu.Lock()
	if h.conversationID == 0 || msg.ConversationID != h.conversationID {
		h.mu.Unlock()
		return
	}
	if !h.mergeLocked([]Message{msg}) {
		h.mu.Unlock()
		h.client.metrics.duplicate("history")
		return
	}
	id, markCtx := h.conversationID, h.markCtx
	ready := h.state != HistoryInitialLoading
	view := h.viewLocked()
	h.mu.Unlock()

	h.changes.notify(view)
	if ready {
		h.markRead(markCtx, id)
	}
}

// mergeLocked inserts every message whose id is not buffered yet, keeping
// the buffer ordered by creation time then id. It reports whether the buffer
// grew.
func (h *MessageHistory) mergeLocked(msgs []Message) bool {
	grew := false
	for _, m := range msgs {
		if _, ok := h.ids[m.ID]; ok {
			continue
		}
		h.ids[m.ID] = struct{}{}
		i, _ := slices.BinarySearchFunc(h.messages, m, compareMessages)
		h.messages = slices.Insert(h.messages, i, m)
		grew = true
	}
	return grew
}

func (h *MessageHistory) markRead(ctx context.Context, conversationID int64) {
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		h.opts.ReadMarker.MarkRead(ctx, conversationID)
	}()
}

func (h *MessageHistory) viewLocked() HistoryView {
	return HistoryView{
		ConversationID: h.conversationID,
		State:          h.state,
		Messages:       slices.Clone(h.messages),
		HasMore:        h.hasMore,
		Err:            h.err,
	}
}

func compareMessages(a, b Message) int {
	if c := compareTimestamps(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
