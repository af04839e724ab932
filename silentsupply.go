// Package silentsupply is the Go client for the Silent Supply marketplace
// messaging API.
//
// It keeps a local view of conversations and messages consistent across
// paginated REST reads, the STOMP push channel that echoes every new message
// to all participants, and the server-sent notification stream.
//
// Example:
//
//	client := silentsupply.NewClient(silentsupply.WithBaseURL("https://market.example"))
//	_, _ = client.Auth.Login(ctx, "buyer@example.com", "secret")
//
//	push := silentsupply.NewPushManager(client, nil)
//	push.Start(ctx)
//	defer push.Close()
//
//	list := silentsupply.NewConversationList(client, push)
//	_ = list.Open(ctx)
//
//	history := silentsupply.NewMessageHistory(client, push, &silentsupply.HistoryOptions{ReadMarker: list})
//	_ = history.Open(ctx, list.Snapshot()[0].ID)
//	_, _ = history.Send(ctx, "Is the lot still available?")
package silentsupply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	instrumentationName = "github.com/silentsupply/silentsupply/sdk/golang"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API on behalf of one Session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics

	Auth          *AuthClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSession shares an existing session, e.g. between several clients.
func WithSession(s *Session) ClientOption {
	return func(c *Client) { c.session = s }
}

// WithToken starts the client with an already issued token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.session.SetToken(token) }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithMetrics registers the SDK collectors with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.metrics = newMetrics(reg) }
}

// NewClient creates a client. Without WithToken or a shared session the
// client starts de-authenticated; call Auth.Login or Session().SetToken.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		session:    NewSession(),
		logger:     slog.New(slog.DiscardHandler),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// Session returns the session whose token the client sends.
func (c *Client) Session() *Session {
	return c.session
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PushURL returns the WebSocket URL of the push endpoint.
func (c *Client) PushURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/websocket"
}

// NotificationStreamURL returns the server-sent events URL, scoped by token.
func (c *Client) NotificationStreamURL(token string) string {
	u := c.baseURL + "/api/notifications/stream"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// ============================================================================
// Internal request helper
// ============================================================================

// do performs one API call. op names the span. out may be nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	err := c.roundTrip(ctx, span, requestID, method, path, query, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("request failed", "component", "api", "op", op, "request_id", requestID, "error", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, span trace.Span, requestID, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	token := c.session.Token()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if c.session.expire(token) {
			c.logger.Info("token rejected, ending session", "component", "api", "status", resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: "Unauthorized"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, strconv.FormatInt(id, 10))
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles login. Account management itself lives elsewhere.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and stores it in the session.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := a.c.do(ctx, "auth.login", http.MethodPost, "/api/auth/login", nil,
		loginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	a.c.session.SetToken(resp.Token)
	return &resp, nil
}

// Logout ends the session locally. Dependents tear down their connections.
func (a *AuthClient) Logout() {
	a.c.session.Clear()
}

// ConversationsClient reads and updates conversations.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := cv.c.do(ctx, "conversations.list", http.MethodGet, "/api/messages/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (cv *ConversationsClient) Get(ctx context.Context, id int64) (*Conversation, error) {
	var out Conversation
	if err := cv.c.do(ctx, "conversations.get", http.MethodGet,
		idPath("/api/messages/conversations/%s/details", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (cv *ConversationsClient) UpdateSubject(ctx context.Context, id int64, subject string) (*Conversation, error) {
	var out Conversation
	if err := cv.c.do(ctx, "conversations.update_subject", http.MethodPatch,
		idPath("/api/messages/conversations/%s/subject", id), nil,
		map[string]string{"subject": subject}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead records that the authenticated company has read the conversation.
func (cv *ConversationsClient) MarkRead(ctx context.Context, id int64) error {
	return cv.c.do(ctx, "conversations.mark_read", http.MethodPatch,
		idPath("/api/messages/conversations/%s/read", id), nil, nil, nil)
}

// MessagesClient reads message history and unread counts. Send lives in send.go.
type MessagesClient struct{ c *Client }

// Page fetches one page of a conversation's history, newest first.
func (m *MessagesClient) Page(ctx context.Context, conversationID int64, page, size int) (*Page[Message], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	var out Page[Message]
	if err := m.c.do(ctx, "messages.page", http.MethodGet,
		idPath("/api/messages/conversations/%s", conversationID), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnreadCount returns the unread message total across all conversations.
func (m *MessagesClient) UnreadCount(ctx context.Context) (int64, error) {
	var out unreadCountResponse
	if err := m.c.do(ctx, "messages.unread_count", http.MethodGet, "/api/messages/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// NotificationsClient reads and acknowledges notifications.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	var q url.Values
	if unreadOnly {
		q = url.Values{"unreadOnly": {"true"}}
	}
	var out []Notification
	if err := n.c.do(ctx, "notifications.list", http.MethodGet, "/api/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *NotificationsClient) UnreadCount(ctx context.Context) (int64, error) {
	var out unreadCountResponse
	if err := n.c.do(ctx, "notifications.unread_count", http.MethodGet, "/api/notifications/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (n *NotificationsClient) MarkRead(ctx context.Context, id int64) (*Notification, error) {
	var out Notification
	if err := n.c.do(ctx, "notifications.mark_read", http.MethodPatch,
		idPath("/api/notifications/%s/read", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	return n.c.do(ctx, "notifications.mark_all_read", http.MethodPatch, "/api/notifications/read-all", nil, nil, nil)
}
