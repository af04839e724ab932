package silentsupply

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized is returned when the server rejects the session token.
	// The session is cleared before the error is returned.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAuthenticated is returned by operations that need a session token
	// when none is set.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidRequest wraps client-side validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrHistoryBusy is returned by LoadOlder while a page is in flight.
	ErrHistoryBusy = errors.New("history is loading")

	// ErrHistoryNotLoaded is returned by LoadOlder when no conversation is
	// open or its first page failed to load.
	ErrHistoryNotLoaded = errors.New("history is not loaded")

	// ErrNoMoreHistory is returned by LoadOlder once the oldest page was loaded.
	ErrNoMoreHistory = errors.New("no older messages")

	// ErrSuperseded is returned by a load whose result was discarded because
	// another conversation was opened before it completed.
	ErrSuperseded = errors.New("superseded by a newer load")
)

// APIError is a non-success response from the marketplace API.
type APIError struct {
	StatusCode int    `json:"status"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps 401/403 onto ErrUnauthorized so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return ErrUnauthorized
	}
	return nil
}

// ============================================================================
// Messaging Types
// ============================================================================

// ConversationType scopes a conversation to a business object.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationRFQ    ConversationType = "RFQ"
	ConversationOrder  ConversationType = "ORDER"
)

// Participant is a company taking part in a conversation.
type Participant struct {
	CompanyID   int64  `json:"companyId"`
	CompanyName string `json:"companyName"`
}

// Conversation is a conversation summary as seen by the authenticated company.
// The three LastMessage fields are either all set or all nil.
type Conversation struct {
	ID                    int64            `json:"id"`
	Type                  ConversationType `json:"type"`
	ReferenceID           *int64           `json:"referenceId"`
	Subject               *string          `json:"subject"`
	Participants          []Participant    `json:"participants"`
	LastMessagePreview    *string          `json:"lastMessagePreview"`
	LastMessageSenderName *string          `json:"lastMessageSenderName"`
	LastMessageAt         *string          `json:"lastMessageAt"`
	UnreadCount           int64            `json:"unreadCount"`
	CreatedAt             string           `json:"createdAt"`
}

// HasPreview reports whether the conversation carries a last-message preview.
func (c *Conversation) HasPreview() bool {
	return c.LastMessageAt != nil
}

// ActivityAt is the most recent activity time: the last message time if
// present, the creation time otherwise.
func (c *Conversation) ActivityAt() string {
	if c.LastMessageAt != nil && *c.LastMessageAt != "" {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Title returns the subject, or a participant list when no subject is set.
func (c *Conversation) Title() string {
	if c.Subject != nil && strings.TrimSpace(*c.Subject) != "" {
		return *c.Subject
	}
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		names = append(names, p.CompanyName)
	}
	return strings.Join(names, ", ")
}

func (c Conversation) clone() Conversation {
	c.Participants = append([]Participant(nil), c.Participants...)
	return c
}

// Message is a persisted chat message.
type Message struct {
	ID                int64  `json:"id"`
	ConversationID    int64  `json:"conversationId"`
	SenderCompanyID   int64  `json:"senderCompanyId"`
	SenderCompanyName string `json:"senderCompanyName"`
	Content           string `json:"content"`
	CreatedAt         string `json:"createdAt"`
}

// SendMessageRequest addresses a new message either to an existing
// conversation, to a recipient company (direct), or to a business object
// (RFQ/ORDER reference).
type SendMessageRequest struct {
	ConversationID     int64            `json:"conversationId,omitempty"`
	ReferenceType      ConversationType `json:"referenceType,omitempty"`
	ReferenceID        int64            `json:"referenceId,omitempty"`
	RecipientCompanyID int64            `json:"recipientCompanyId,omitempty"`
	Subject            string           `json:"subject,omitempty"`
	Content            string           `json:"content"`
}

// Page is one page of a paginated listing. Content order is whatever the
// server returns; message history pages are newest-first.
type Page[T any] struct {
	Content       []T   `json:"content"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	First         bool  `json:"first"`
	Last          bool  `json:"last"`
}

// ============================================================================
// Notification Types
// ============================================================================

// Notification is a server-side notification record.
type Notification struct {
	ID            int64   `json:"id"`
	RecipientID   int64   `json:"recipientId"`
	Type          string  `json:"type"`
	Message       string  `json:"message"`
	ReferenceID   *int64  `json:"referenceId"`
	ReferenceType *string `json:"referenceType"`
	Read          bool    `json:"read"`
	CreatedAt     string  `json:"createdAt"`
}

type unreadCountResponse struct {
	UnreadCount int64 `json:"unreadCount"`
}

// ============================================================================
// Auth Types
// ============================================================================

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by a successful login.
type AuthResponse struct {
	Token     string `json:"token"`
	CompanyID int64  `json:"companyId"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// ============================================================================
// Timestamps
// ============================================================================

// localDateTime is the zone-less ISO-8601 layout the server emits.
const localDateTime = "2006-01-02T15:04:05.999999999"

func parseTimestamp(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(localDateTime, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// compareTimestamps orders two ISO-8601 timestamps. Parsed values are compared
// as instants so that differing fractional-second widths order correctly;
// anything unparseable falls back to lexical order.
func compareTimestamps(a, b string) int {
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

// ParseTimestamp parses a server timestamp. The zero time is returned for
// values in an unknown layout.
func ParseTimestamp(s string) time.Time {
	t, _ := parseTimestamp(s)
	return t
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
