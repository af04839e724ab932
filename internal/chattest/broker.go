package chattest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const (
	userQueue   = "/user/queue/messages"
	chatSendDst = "/app/chat.send"
)

// broker is a minimal STOMP 1.2 broker: CONNECT with a bearer token,
// SUBSCRIBE to the user queue, SEND to the chat destination.
type broker struct {
	srv      *Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[*stompSession]struct{}
	connects  int
	authz     []string
	reject    bool
	published []string
	nextMsgID int64
}

type stompSession struct {
	companyID int64
	ws        *websocket.Conn

	mu   sync.Mutex
	w    *frame.Writer
	subs map[string]string // subscription id -> destination
}

func newBroker(s *Server) *broker {
	return &broker{
		srv:      s,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*stompSession]struct{}),
	}
}

func (b *broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	stream := &wsStream{ws: ws}
	reader := frame.NewReader(stream)
	sess := &stompSession{ws: ws, w: frame.NewWriter(stream), subs: make(map[string]string)}

	f, err := readFrame(reader)
	if err != nil || (f.Command != frame.CONNECT && f.Command != frame.STOMP) {
		return
	}
	auth := f.Header.Get("Authorization")

	b.mu.Lock()
	b.connects++
	b.authz = append(b.authz, auth)
	reject := b.reject
	b.mu.Unlock()

	companyID, ok := b.srv.companyFor(strings.TrimPrefix(auth, "Bearer "))
	if reject || !ok {
		_ = sess.write(frame.New(frame.ERROR, frame.Message, "Unauthorized"))
		return
	}
	sess.companyID = companyID

	// Registered before CONNECTED so that Drop sees every session a client
	// considers connected.
	b.mu.Lock()
	b.sessions[sess] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, sess)
		b.mu.Unlock()
	}()

	if err := sess.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")); err != nil {
		return
	}

	for {
		f, err := readFrame(reader)
		if err != nil {
			return
		}
		switch f.Command {
		case frame.SUBSCRIBE:
			sess.mu.Lock()
			sess.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			sess.mu.Unlock()
		case frame.UNSUBSCRIBE:
			sess.mu.Lock()
			delete(sess.subs, f.Header.Get(frame.Id))
			sess.mu.Unlock()
		case frame.SEND:
			b.handleSend(sess, f)
		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				_ = sess.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			return
		}
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			_ = sess.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
	}
}

func (b *broker) handleSend(sess *stompSession, f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	b.mu.Lock()
	b.published = append(b.published, string(f.Body))
	b.mu.Unlock()

	if dest != chatSendDst {
		return
	}
	var req sendRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return
	}
	// Errors go to the sender's error queue on the real server; nothing
	// subscribes to it here.
	_, _, _ = b.srv.send(sess.companyID, req)
}

// push writes m to every session of the recipients subscribed to the user
// queue.
func (b *broker) push(recipients []int64, m Message) {
	body, err := json.Marshal(m)
	if err != nil {
		return
	}

	b.mu.Lock()
	var targets []*stompSession
	for sess := range b.sessions {
		if contains(recipients, sess.companyID) {
			targets = append(targets, sess)
		}
	}
	b.mu.Unlock()

	for _, sess := range targets {
		sess.mu.Lock()
		var subID string
		for id, dest := range sess.subs {
			if dest == userQueue {
				subID = id
			}
		}
		sess.mu.Unlock()
		if subID == "" {
			continue
		}

		b.mu.Lock()
		b.nextMsgID++
		msgID := strconv.FormatInt(b.nextMsgID, 10)
		b.mu.Unlock()

		out := frame.New(frame.MESSAGE,
			frame.Destination, userQueue,
			frame.Subscription, subID,
			frame.MessageId, msgID,
			frame.ContentType, "application/json",
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		out.Body = body
		_ = sess.write(out)
	}
}

func (b *broker) closeAll() {
	b.mu.Lock()
	sessions := make([]*stompSession, 0, len(b.sessions))
	for sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.ws.Close()
	}
}

func (s *stompSession) write(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(f)
}

// readFrame skips heart-beats.
func readFrame(r *frame.Reader) (*frame.Frame, error) {
	for {
		f, err := r.Read()
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

// wsStream presents a WebSocket as a byte stream, the way STOMP clients
// frame their traffic over it.
type wsStream struct {
	ws *websocket.Conn
	r  io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write is called with stompSession.mu held.
func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ============================================================================
// Broker controls
// ============================================================================

// Broker exposes the push endpoint to tests.
type Broker struct{ b *broker }

// Connects counts STOMP CONNECT frames received, accepted or not.
func (b *Broker) Connects() int {
	b.b.mu.Lock()
	defer b.b.mu.Unlock()
	return b.b.connects
}

// Authorizations returns the Authorization header of every CONNECT frame.
func (b *Broker) Authorizations() []string {
	b.b.mu.Lock()
	defer b.b.mu.Unlock()
	return append([]string(nil), b.b.authz...)
}

// Subscribers counts companyID's sessions subscribed to the user queue.
func (b *Broker) Subscribers(companyID int64) int {
	b.b.mu.Lock()
	sessions := make([]*stompSession, 0, len(b.b.sessions))
	for sess := range b.b.sessions {
		if sess.companyID == companyID {
			sessions = append(sessions, sess)
		}
	}
	b.b.mu.Unlock()

	n := 0
	for _, sess := range sessions {
		sess.mu.Lock()
		for _, dest := range sess.subs {
			if dest == userQueue {
				n++
				break
			}
		}
		sess.mu.Unlock()
	}
	return n
}

// Sessions counts live STOMP sessions.
func (b *Broker) Sessions() int {
	b.b.mu.Lock()
	defer b.b.mu.Unlock()
	return len(b.b.sessions)
}

// Drop closes every live WebSocket without a STOMP goodbye.
func (b *Broker) Drop() {
	b.b.closeAll()
}

// RejectConnects makes CONNECT frames fail with an ERROR frame.
func (b *Broker) RejectConnects(reject bool) {
	b.b.mu.Lock()
	defer b.b.mu.Unlock()
	b.b.reject = reject
}

// Published returns the bodies of every SEND frame received.
func (b *Broker) Published() []string {
	b.b.mu.Lock()
	defer b.b.mu.Unlock()
	return append([]string(nil), b.b.published...)
}
