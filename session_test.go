package silentsupply

import (
	"testing"
	"time"
)

func TestSessionSetToken(t *testing.T) {
	t.Run("decodes claims", func(t *testing.T) {
		s := NewSession()
		exp := time.Now().Add(time.Hour).Truncate(time.Second)
		s.SetToken(testToken(t, 42, exp))

		if !s.Authenticated() {
			t.Fatal("expected authenticated session")
		}
		if s.CompanyID() != 42 {
			t.Errorf("CompanyID = %d, want 42", s.CompanyID())
		}
		if s.Email() != "buyer@example.com" || s.Role() != "BUYER" {
			t.Errorf("claims = %q/%q", s.Email(), s.Role())
		}
		if !s.ExpiresAt().Equal(exp) {
			t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt(), exp)
		}
		if s.Expired() {
			t.Error("token should not be expired")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		s := NewSession()
		s.SetToken(testToken(t, 42, time.Now().Add(-time.Minute)))
		if !s.Expired() {
			t.Error("expected expired")
		}
		if !s.Authenticated() {
			t.Error("an expired token is still sent; the server decides")
		}
	})

	t.Run("opaque token", func(t *testing.T) {
		s := NewSession()
		s.SetToken("not-a-jwt")
		if s.Token() != "not-a-jwt" {
			t.Errorf("Token = %q", s.Token())
		}
		if s.CompanyID() != 0 {
			t.Errorf("CompanyID = %d, want 0", s.CompanyID())
		}
	})

	t.Run("empty token clears", func(t *testing.T) {
		s := NewSession()
		s.SetToken("a")
		s.SetToken("")
		if s.Authenticated() {
			t.Error("expected de-authenticated session")
		}
	})
}

func TestSessionOnChange(t *testing.T) {
	s := NewSession()
	var events []bool
	remove := s.OnChange(func(authenticated bool) { events = append(events, authenticated) })

	s.SetToken("a")
	s.SetToken("a") // unchanged
	s.SetToken("b")
	s.Clear()
	s.Clear() // already cleared

	want := []bool{true, true, false}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	remove()
	s.SetToken("c")
	if len(events) != len(want) {
		t.Errorf("removed listener was called: %v", events)
	}
}

func TestSessionExpire(t *testing.T) {
	s := NewSession()
	s.SetToken("new")
	if s.expire("old") {
		t.Fatal("expire of a stale token must not end the session")
	}
	if !s.Authenticated() {
		t.Fatal("session ended by a stale rejection")
	}
	if !s.expire("new") {
		t.Fatal("expected expire of the current token")
	}
	if s.Authenticated() {
		t.Error("expected de-authenticated session")
	}
}
