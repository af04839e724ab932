// Package chattest runs an in-process marketplace messaging server for tests.
// It serves the REST API, the notification event stream, and a minimal STOMP
// broker over WebSocket, with hooks to inject failures and observe traffic.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

const (
	// Password accepted for every company on login.
	Password = "password"

	tokenKey = "chattest-signing-key"
)

// Company is a registered account.
type Company struct {
	ID    int64
	Name  string
	Email string
	Role  string
}

type participant struct {
	CompanyID   int64  `json:"companyId"`
	CompanyName string `json:"companyName"`
}

// Message mirrors the server's message record.
type Message struct {
	ID                int64  `json:"id"`
	ConversationID    int64  `json:"conversationId"`
	SenderCompanyID   int64  `json:"senderCompanyId"`
	SenderCompanyName string `json:"senderCompanyName"`
	Content           string `json:"content"`
	CreatedAt         string `json:"createdAt"`
}

// Notification mirrors the server's notification record.
type Notification struct {
	ID          int64  `json:"id"`
	RecipientID int64  `json:"recipientId"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"createdAt"`
}

type conversation struct {
	ID           int64
	Type         string
	ReferenceID  *int64
	Subject      *string
	Participants []int64
	CreatedAt    string
}

// Server is a fake marketplace. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	companies     map[int64]*Company
	tokens        map[string]int64
	conversations map[int64]*conversation
	messages      []Message
	unread        map[int64]map[int64]int64 // company -> conversation -> count
	notifications []Notification
	failures      map[string][]int
	pageHook      func(conversationID int64, page int)
	markReads     []int64
	requests      []*http.Request
	clock         time.Time
	nextID        int64

	broker *broker
	events *eventHub
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		companies:     make(map[int64]*Company),
		tokens:        make(map[string]int64),
		conversations: make(map[int64]*conversation),
		unread:        make(map[int64]map[int64]int64),
		failures:      make(map[string][]int),
		clock:         time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		nextID:        100,
	}
	s.broker = newBroker(s)
	s.events = newEventHub()
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Close drops every live connection and stops the server.
func (s *Server) Close() {
	s.broker.closeAll()
	s.events.closeAll()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.record)

	r.HandleFunc("/api/auth/login", s.login).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/messages", s.failable("messages.send", s.sendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/messages/unread-count", s.failable("messages.unread_count", s.unreadMessages)).Methods(http.MethodGet)
	api.HandleFunc("/messages/conversations", s.failable("conversations.list", s.listConversations)).Methods(http.MethodGet)
	api.HandleFunc("/messages/conversations/{id:[0-9]+}", s.failable("messages.page", s.messagePage)).Methods(http.MethodGet)
	api.HandleFunc("/messages/conversations/{id:[0-9]+}/details", s.failable("conversations.get", s.conversationDetails)).Methods(http.MethodGet)
	api.HandleFunc("/messages/conversations/{id:[0-9]+}/subject", s.failable("conversations.update_subject", s.updateSubject)).Methods(http.MethodPatch)
	api.HandleFunc("/messages/conversations/{id:[0-9]+}/read", s.failable("conversations.mark_read", s.markRead)).Methods(http.MethodPatch)
	api.HandleFunc("/notifications", s.failable("notifications.list", s.listNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/unread-count", s.failable("notifications.unread_count", s.unreadNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.failable("notifications.mark_all_read", s.readAllNotifications)).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/{id:[0-9]+}/read", s.failable("notifications.mark_read", s.readNotification)).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/stream", s.failable("notifications.stream", s.stream)).Methods(http.MethodGet)

	r.HandleFunc("/ws/websocket", s.broker.serve)
	return r
}

// ============================================================================
// Fixtures
// ============================================================================

// AddCompany registers a company and returns a signed token for it.
func (s *Server) AddCompany(id int64, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Company{ID: id, Name: name, Email: strings.ToLower(strings.ReplaceAll(name, " ", "")) + "@example.com", Role: "BUYER"}
	s.companies[id] = c
	return s.issueLocked(c)
}

// Token returns a fresh token for a registered company.
func (s *Server) Token(companyID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(s.companies[companyID])
}

// Email returns the login email of a registered company.
func (s *Server) Email(companyID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.companies[companyID].Email
}

func (s *Server) issueLocked(c *Company) string {
	s.nextID++
	claims := jwt.MapClaims{
		"sub":       c.Email,
		"companyId": c.ID,
		"role":      c.Role,
		"jti":       strconv.FormatInt(s.nextID, 10),
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(tokenKey))
	if err != nil {
		panic(err)
	}
	s.tokens[token] = c.ID
	return token
}

// Revoke makes every later use of token fail with 401.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// AddConversation creates a direct conversation between the companies and
// returns its id.
func (s *Server) AddConversation(subject string, companies ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &conversation{
		ID:           s.nextID,
		Type:         "DIRECT",
		Participants: companies,
		CreatedAt:    s.tickLocked(),
	}
	if subject != "" {
		c.Subject = &subject
	}
	s.conversations[c.ID] = c
	return c.ID
}

// AddMessage stores a message without pushing it. Unread counts of the other
// participants grow as on the real server.
func (s *Server) AddMessage(conversationID, senderID int64, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(conversationID, senderID, content)
}

// Deliver stores a message and pushes it to every participant.
func (s *Server) Deliver(conversationID, senderID int64, content string) Message {
	s.mu.Lock()
	m := s.storeLocked(conversationID, senderID, content)
	recipients := append([]int64(nil), s.conversations[conversationID].Participants...)
	s.mu.Unlock()
	s.broker.push(recipients, m)
	return m
}

// Push sends msg to companyID's push queue as is, without storing it.
func (s *Server) Push(companyID int64, msg Message) {
	s.broker.push([]int64{companyID}, msg)
}

// Notify stores a notification and emits it on the recipient's event stream.
func (s *Server) Notify(recipientID int64, text string) Notification {
	s.mu.Lock()
	s.nextID++
	n := Notification{
		ID:          s.nextID,
		RecipientID: recipientID,
		Type:        "NEW_MESSAGE",
		Message:     text,
		CreatedAt:   s.tickLocked(),
	}
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()

	s.events.emit(recipientID, "notification", n)
	return n
}

// FailNext makes the next calls of route fail with the given statuses, in
// order. Routes are named like the client spans, e.g. "messages.page".
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// OnPage installs a hook that runs before every history page is served. It
// may block to hold a response back.
func (s *Server) OnPage(fn func(conversationID int64, page int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageHook = fn
}

// MarkReads returns the conversation ids marked read, in order.
func (s *Server) MarkReads() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.markReads...)
}

// Unread returns companyID's unread count in a conversation.
func (s *Server) Unread(companyID, conversationID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[companyID][conversationID]
}

// Requests returns every HTTP request received so far.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// Messages returns every stored message of a conversation, oldest first.
func (s *Server) Messages(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// Broker returns the push endpoint's controls.
func (s *Server) Broker() *Broker {
	return &Broker{b: s.broker}
}

// EventStreams returns how many notification streams are open for companyID.
func (s *Server) EventStreams(companyID int64) int {
	return s.events.count(companyID)
}

// CloseEventStreams ends every open notification stream.
func (s *Server) CloseEventStreams() {
	s.events.closeAll()
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t testing.TB, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met: "+format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) storeLocked(conversationID, senderID int64, content string) Message {
	conv, ok := s.conversations[conversationID]
	if !ok {
		panic(fmt.Sprintf("chattest: unknown conversation %d", conversationID))
	}
	s.nextID++
	m := Message{
		ID:                s.nextID,
		ConversationID:    conversationID,
		SenderCompanyID:   senderID,
		SenderCompanyName: s.companies[senderID].Name,
		Content:           content,
		CreatedAt:         s.tickLocked(),
	}
	s.messages = append(s.messages, m)
	for _, p := range conv.Participants {
		if p == senderID {
			continue
		}
		if s.unread[p] == nil {
			s.unread[p] = make(map[int64]int64)
		}
		s.unread[p][conversationID]++
	}
	return m
}

// tickLocked returns a new zone-less timestamp one second after the last.
func (s *Server) tickLocked() string {
	s.clock = s.clock.Add(time.Second)
	return s.clock.Format("2006-01-02T15:04:05.000000")
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(r.Context()))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		companyID, ok := s.companyFor(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		r.Header.Set("X-Company-ID", strconv.FormatInt(companyID, 10))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) companyFor(token string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	return id, ok
}

func (s *Server) failable(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var status int
		if q := s.failures[route]; len(q) > 0 {
			status = q[0]
			s.failures[route] = q[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		h(w, r)
	}
}

func caller(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Company-ID"), 10, 64)
	return id
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": status, "message": msg})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.companies {
		if c.Email == req.Email && req.Password == Password {
			writeJSON(w, http.StatusOK, map[string]any{
				"token":     s.issueLocked(c),
				"companyId": c.ID,
				"email":     c.Email,
				"role":      c.Role,
			})
			return
		}
	}
	writeError(w, http.StatusUnauthorized, "Invalid email or password")
}

type sendRequest struct {
	ConversationID     int64  `json:"conversationId"`
	ReferenceType      string `json:"referenceType"`
	ReferenceID        int64  `json:"referenceId"`
	RecipientCompanyID int64  `json:"recipientCompanyId"`
	Subject            string `json:"subject"`
	Content            string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	m, status, err := s.send(caller(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// send resolves the conversation like the real server: an explicit id first,
// then a business reference, then a direct conversation with the recipient.
func (s *Server) send(senderID int64, req sendRequest) (Message, int, error) {
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, http.StatusBadRequest, fmt.Errorf("content is required")
	}

	s.mu.Lock()
	var conv *conversation
	switch {
	case req.ConversationID != 0:
		conv = s.conversations[req.ConversationID]
		if conv == nil {
			s.mu.Unlock()
			return Message{}, http.StatusNotFound, fmt.Errorf("conversation not found")
		}
		if !contains(conv.Participants, senderID) {
			s.mu.Unlock()
			return Message{}, http.StatusForbidden, fmt.Errorf("not a participant")
		}
	case req.ReferenceType != "" && req.ReferenceType != "DIRECT" && req.ReferenceID != 0:
		for _, c := range s.conversations {
			if c.Type == req.ReferenceType && c.ReferenceID != nil && *c.ReferenceID == req.ReferenceID {
				conv = c
			}
		}
		if conv == nil {
			s.mu.Unlock()
			return Message{}, http.StatusNotFound, fmt.Errorf("reference not found")
		}
	case req.RecipientCompanyID != 0:
		if req.RecipientCompanyID == senderID {
			s.mu.Unlock()
			return Message{}, http.StatusBadRequest, fmt.Errorf("Cannot start a conversation with yourself")
		}
		if _, ok := s.companies[req.RecipientCompanyID]; !ok {
			s.mu.Unlock()
			return Message{}, http.StatusNotFound, fmt.Errorf("company not found")
		}
		for _, c := range s.conversations {
			if c.Type == "DIRECT" && len(c.Participants) == 2 &&
				contains(c.Participants, senderID) && contains(c.Participants, req.RecipientCompanyID) {
				conv = c
			}
		}
		if conv == nil {
			s.nextID++
			conv = &conversation{
				ID:           s.nextID,
				Type:         "DIRECT",
				Participants: []int64{senderID, req.RecipientCompanyID},
				CreatedAt:    s.tickLocked(),
			}
			if req.Subject != "" {
				subject := req.Subject
				conv.Subject = &subject
			}
			s.conversations[conv.ID] = conv
		}
	default:
		s.mu.Unlock()
		return Message{}, http.StatusBadRequest, fmt.Errorf("conversation, reference, or recipient is required")
	}
	m := s.storeLocked(conv.ID, senderID, strings.TrimSpace(req.Content))
	recipients := append([]int64(nil), conv.Participants...)
	s.mu.Unlock()

	s.broker.push(recipients, m)
	return m, 0, nil
}

func (s *Server) unreadMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var n int64
	for _, c := range s.unread[caller(r)] {
		n += c
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"unreadCount": n})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	s.mu.Lock()
	var out []map[string]any
	for _, c := range s.conversations {
		if contains(c.Participants, me) {
			out = append(out, s.viewLocked(c, me))
		}
	}
	s.mu.Unlock()

	activity := func(v map[string]any) string {
		if at, ok := v["lastMessageAt"].(string); ok {
			return at
		}
		return v["createdAt"].(string)
	}
	sort.SliceStable(out, func(i, j int) bool { return activity(out[i]) > activity(out[j]) })
	if out == nil {
		out = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) conversationDetails(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	s.mu.Lock()
	c, ok := s.conversations[pathID(r)]
	if !ok || !contains(c.Participants, me) {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	v := s.viewLocked(c, me)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) updateSubject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	me := caller(r)
	s.mu.Lock()
	c, ok := s.conversations[pathID(r)]
	if !ok || !contains(c.Participants, me) {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	subject := req.Subject
	c.Subject = &subject
	v := s.viewLocked(c, me)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	me := caller(r)
	s.mu.Lock()
	if s.unread[me] != nil {
		s.unread[me][id] = 0
	}
	s.markReads = append(s.markReads, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) messagePage(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 50
	}

	s.mu.Lock()
	hook := s.pageHook
	s.mu.Unlock()
	if hook != nil {
		hook(id, page)
	}

	s.mu.Lock()
	var all []Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ConversationID == id {
			all = append(all, s.messages[i])
		}
	}
	s.mu.Unlock()

	total := len(all)
	start := min(page*size, total)
	end := min(start+size, total)
	totalPages := (total + size - 1) / size
	content := all[start:end]
	if content == nil {
		content = []Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":       content,
		"number":        page,
		"size":          size,
		"totalElements": total,
		"totalPages":    totalPages,
		"first":         page == 0,
		"last":          end >= total,
	})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	unreadOnly := r.URL.Query().Get("unreadOnly") == "true"
	s.mu.Lock()
	out := []Notification{}
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if n.RecipientID == me && (!unreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) unreadNotifications(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	s.mu.Lock()
	var n int64
	for _, x := range s.notifications {
		if x.RecipientID == me && !x.Read {
			n++
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"unreadCount": n})
}

func (s *Server) readNotification(w http.ResponseWriter, r *http.Request) {
	me, id := caller(r), pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].RecipientID == me {
			s.notifications[i].Read = true
			writeJSON(w, http.StatusOK, s.notifications[i])
			return
		}
	}
	writeError(w, http.StatusNotFound, "notification not found")
}

func (s *Server) readAllNotifications(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	s.mu.Lock()
	for i := range s.notifications {
		if s.notifications[i].RecipientID == me {
			s.notifications[i].Read = true
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) viewLocked(c *conversation, me int64) map[string]any {
	var parts []participant
	for _, id := range c.Participants {
		parts = append(parts, participant{CompanyID: id, CompanyName: s.companies[id].Name})
	}
	v := map[string]any{
		"id":                    c.ID,
		"type":                  c.Type,
		"referenceId":           c.ReferenceID,
		"subject":               c.Subject,
		"participants":          parts,
		"lastMessagePreview":    nil,
		"lastMessageSenderName": nil,
		"lastMessageAt":         nil,
		"unreadCount":           s.unread[me][c.ID],
		"createdAt":             c.CreatedAt,
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ConversationID != c.ID {
			continue
		}
		preview := m.Content
		if r := []rune(preview); len(r) > 100 {
			preview = string(r[:100])
		}
		v["lastMessagePreview"] = preview
		v["lastMessageSenderName"] = m.SenderCompanyName
		v["lastMessageAt"] = m.CreatedAt
		break
	}
	return v
}

func contains(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
