package silentsupply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/silentsupply/silentsupply/sdk/golang/internal/chattest"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	buyerID    int64 = 1
	supplierID int64 = 2
)

// marketplace is a fake server with a buyer and a supplier who share one
// conversation.
type marketplace struct {
	srv           *chattest.Server
	buyerToken    string
	supplierToken string
	conversation  int64
}

func newMarketplace(t *testing.T) *marketplace {
	t.Helper()
	srv := chattest.New(t)
	m := &marketplace{
		srv:           srv,
		buyerToken:    srv.AddCompany(buyerID, "Buyer Co"),
		supplierToken: srv.AddCompany(supplierID, "Supplier Co"),
	}
	m.conversation = srv.AddConversation("Widgets", buyerID, supplierID)
	return m
}

func (m *marketplace) client(token string, opts ...ClientOption) *Client {
	base := []ClientOption{WithBaseURL(m.srv.URL), WithTimeout(5 * time.Second)}
	if token != "" {
		base = append(base, WithToken(token))
	}
	return NewClient(append(base, opts...)...)
}

// testToken builds a token carrying the marketplace claims.
func testToken(t *testing.T, companyID int64, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       "buyer@example.com",
		"companyId": companyID,
		"role":      "BUYER",
	}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// readMarks records ReadMarker calls.
type readMarks struct {
	mu  sync.Mutex
	ids []int64
}

func (r *readMarks) MarkRead(_ context.Context, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *readMarks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a push message")
		return Message{}
	}
}

func ptr[T any](v T) *T { return &v }
