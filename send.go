package silentsupply

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	maxContentLength = 10000
	maxSubjectLength = 255
)

// Send posts a new message and returns the persisted record. When the request
// addresses a recipient or a reference instead of a conversation, the server
// creates the conversation and the returned ConversationID is the one to use
// from then on.
//
// Failures are returned unmodified; Send never retries and keeps no local
// copy, so restoring any optimistic UI state is up to the caller.
func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body := *req
	body.Content = strings.TrimSpace(req.Content)

	var out Message
	if err := m.c.do(ctx, "messages.send", http.MethodPost, "/api/messages", nil, &body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks a request before it is sent.
func (r *SendMessageRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return fmt.Errorf("%w: message content is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return fmt.Errorf("%w: message must not exceed %d characters", ErrInvalidRequest, maxContentLength)
	}
	if utf8.RuneCountInString(r.Subject) > maxSubjectLength {
		return fmt.Errorf("%w: subject must not exceed %d characters", ErrInvalidRequest, maxSubjectLength)
	}

	modes := 0
	if r.ConversationID != 0 {
		modes++
	}
	if r.RecipientCompanyID != 0 {
		modes++
	}
	if r.ReferenceType != "" || r.ReferenceID != 0 {
		modes++
		switch r.ReferenceType {
		case ConversationRFQ, ConversationOrder:
		default:
			return fmt.Errorf("%w: reference type must be RFQ or ORDER", ErrInvalidRequest)
		}
		if r.ReferenceID == 0 {
			return fmt.Errorf("%w: reference id is required with a reference type", ErrInvalidRequest)
		}
	}
	switch modes {
	case 0:
		return fmt.Errorf("%w: a conversation, recipient, or reference is required", ErrInvalidRequest)
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: conversation, recipient, and reference are mutually exclusive", ErrInvalidRequest)
	}
}
