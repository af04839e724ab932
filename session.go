package silentsupply

import (
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims mirrors the claims the marketplace puts in its tokens.
type sessionClaims struct {
	CompanyID int64  `json:"companyId"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Session holds the bearer token for the current login. It is shared by the
// REST client, the push channel, and the notification stream; all of them
// follow its authenticate/de-authenticate transitions.
type Session struct {
	mu        sync.RWMutex
	token     string
	companyID int64
	email     string
	role      string
	expiresAt time.Time

	listeners observers[bool]
}

// NewSession creates an empty, de-authenticated session.
func NewSession() *Session {
	return &Session{}
}

// SetToken stores a token and notifies listeners that the session is
// authenticated. The token's claims are decoded without verifying the
// signature; an undecodable token is kept as an opaque credential.
func (s *Session) SetToken(token string) {
	if token == "" {
		s.Clear()
		return
	}

	var claims sessionClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)

	s.mu.Lock()
	changed := s.token != token
	s.token = token
	s.companyID, s.email, s.role, s.expiresAt = 0, "", "", time.Time{}
	if err == nil {
		s.companyID = claims.CompanyID
		s.email = claims.Subject
		s.role = claims.Role
		if claims.ExpiresAt != nil {
			s.expiresAt = claims.ExpiresAt.Time
		}
	}
	s.mu.Unlock()

	if changed {
		s.listeners.notify(true)
	}
}

// Clear drops the token and notifies listeners that the session ended.
func (s *Session) Clear() {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.companyID, s.email, s.role, s.expiresAt = 0, "", "", time.Time{}
	s.mu.Unlock()

	if had {
		s.listeners.notify(false)
	}
}

// expire clears the session only if token is still the current one, so a
// late rejection of an old token cannot end a newer login.
func (s *Session) expire(token string) bool {
	s.mu.Lock()
	if token == "" || s.token != token {
		s.mu.Unlock()
		return false
	}
	s.token = ""
	s.companyID, s.email, s.role, s.expiresAt = 0, "", "", time.Time{}
	s.mu.Unlock()

	s.listeners.notify(false)
	return true
}

// Token returns the current token, or "" when de-authenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether a token is set.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// CompanyID returns the company id from the token claims, or 0 if unknown.
func (s *Session) CompanyID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.companyID
}

// Email returns the token subject.
func (s *Session) Email() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.email
}

// Role returns the role claim.
func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// ExpiresAt returns the token expiry, zero when the token carries none.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Expired reports whether the token's exp claim lies in the past.
func (s *Session) Expired() bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && time.Now().After(exp)
}

// OnChange registers a listener for authenticate (true) and de-authenticate
// (false) transitions. The returned func removes it.
func (s *Session) OnChange(fn func(authenticated bool)) (remove func()) {
	return s.listeners.add(fn)
}

// observers is a set of callbacks notified in registration order. Callbacks
// run outside the lock, so they may add or remove observers.
type observers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

func (o *observers[T]) add(fn func(T)) (remove func()) {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[uint64]func(T))
	}
	o.nextID++
	id := o.nextID
	o.fns[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
