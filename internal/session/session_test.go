package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/preview/internal/events"
	"github.com/fruitsalade/preview/internal/preview"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

type nopGen struct{}

func (nopGen) Generate(context.Context, protocol.GenerateRequest) ([]models.SnapshotFile, error) {
	return nil, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, max int) (*Manager, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(Config{
		Secret:      "test-secret",
		TTL:         time.Hour,
		IdleTimeout: 10 * time.Minute,
		MaxSessions: max,
		Now:         clk.Now,
		NewCoordinator: func(id string, pub events.Publisher) (*preview.Coordinator, error) {
			return preview.New(preview.Config{Generator: nopGen{}, Publisher: pub})
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m, clk
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(Config{NewCoordinator: func(string, events.Publisher) (*preview.Coordinator, error) { return nil, nil }})
	if err == nil {
		t.Error("expected error without secret")
	}
}

func TestIssueAndLookup(t *testing.T) {
	m, _ := newManager(t, 10)

	s, token, err := m.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if s.ID == "" || token == "" || s.Coordinator == nil || s.Events == nil {
		t.Fatalf("incomplete session %+v", s)
	}

	got, err := m.Lookup(token)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != s {
		t.Error("Lookup returned a different session")
	}
	if m.Count() != 1 {
		t.Errorf("count = %d", m.Count())
	}
}

func TestLookup_RejectsBadTokens(t *testing.T) {
	m, _ := newManager(t, 10)
	_, token, err := m.Issue()
	if err != nil {
		t.Fatal(err)
	}

	other, _ := newManager(t, 10)
	_, foreign, err := other.Issue()
	if err != nil {
		t.Fatal(err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{SessionID: "x"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"tampered", token + "x"},
		{"unknown session", foreign},
		{"unsigned", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Lookup(tt.token); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLookup_Expired(t *testing.T) {
	m, clk := newManager(t, 10)
	_, token, err := m.Issue()
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)
	if _, err := m.Lookup(token); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestReap_DropsIdleSessions(t *testing.T) {
	m, clk := newManager(t, 10)
	_, idleToken, _ := m.Issue()
	_, activeToken, _ := m.Issue()

	clk.Advance(6 * time.Minute)
	if _, err := m.Lookup(activeToken); err != nil {
		t.Fatal(err)
	}
	clk.Advance(6 * time.Minute)

	if n := m.Reap(clk.Now()); n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}
	if _, err := m.Lookup(idleToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("idle session: err = %v, want ErrNotFound", err)
	}
	if _, err := m.Lookup(activeToken); err != nil {
		t.Errorf("active session: %v", err)
	}
}

func TestIssue_EvictsLeastRecentlySeen(t *testing.T) {
	m, clk := newManager(t, 2)
	first, firstToken, _ := m.Issue()
	clk.Advance(time.Second)
	second, _, _ := m.Issue()
	clk.Advance(time.Second)

	if _, err := m.Lookup(firstToken); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)

	if _, _, err := m.Issue(); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 2 {
		t.Errorf("count = %d, want 2", m.Count())
	}
	if _, ok := m.Get(second.ID); ok {
		t.Error("least recently seen session should be evicted")
	}
	if _, ok := m.Get(first.ID); !ok {
		t.Error("recently used session was evicted")
	}
}

func TestRevoke(t *testing.T) {
	m, _ := newManager(t, 10)
	s, token, _ := m.Issue()
	sub := s.Events.Subscribe()

	if !m.Revoke(s.ID) {
		t.Fatal("Revoke returned false")
	}
	if m.Revoke(s.ID) {
		t.Error("second Revoke should return false")
	}
	if _, err := m.Lookup(token); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Error("subscriber channel should be closed")
	}
	if _, err := s.Coordinator.Update(preview.Input{
		Config: models.ProjectConfig{Language: "java", BuildTool: "maven"},
	}); !errors.Is(err, preview.ErrClosed) {
		t.Errorf("coordinator still open: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	m, _ := newManager(t, 10)
	s, token, _ := m.Issue()

	var seen *Session
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer", "Bearer " + token, "", http.StatusNoContent},
		{"query", "", "?token=" + token, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/v1/preview"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen != s {
				t.Error("session not stored in context")
			}
		})
	}
}
