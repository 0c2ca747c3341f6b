// Package session binds API clients to their own preview coordinator
// through signed session tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/preview/internal/events"
	"github.com/fruitsalade/preview/internal/logging"
	"github.com/fruitsalade/preview/internal/metrics"
	"github.com/fruitsalade/preview/internal/preview"
	"github.com/fruitsalade/preview/pkg/protocol"
)

const issuer = "preview"

type contextKey string

const sessionContextKey contextKey = "session"

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Claims holds session token claims.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Session is one client's preview workspace.
type Session struct {
	ID          string
	Coordinator *preview.Coordinator
	Events      *events.Broadcaster
	CreatedAt   time.Time
	ExpiresAt   time.Time

	lastSeen atomic.Int64
}

// LastSeen returns the time of the last authenticated request.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) close() {
	s.Coordinator.Close()
	s.Events.Close()
}

// CoordinatorFactory builds the coordinator for a new session.
type CoordinatorFactory func(id string, pub events.Publisher) (*preview.Coordinator, error)

// Config configures a Manager.
type Config struct {
	Secret         string
	TTL            time.Duration
	IdleTimeout    time.Duration
	MaxSessions    int
	NewCoordinator CoordinatorFactory
	Now            func() time.Time
}

// Manager issues session tokens and owns the live sessions.
type Manager struct {
	secret  []byte
	ttl     time.Duration
	idle    time.Duration
	max     int
	factory CoordinatorFactory
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session: secret is required")
	}
	if cfg.NewCoordinator == nil {
		return nil, errors.New("session: coordinator factory is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TTL,
		idle:     cfg.IdleTimeout,
		max:      cfg.MaxSessions,
		factory:  cfg.NewCoordinator,
		now:      cfg.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Issue creates a session and returns it with its signed token. When the
// manager is full the least recently seen session is dropped first.
func (m *Manager) Issue() (*Session, string, error) {
	id := uuid.NewString()
	bc := events.NewBroadcaster()
	coord, err := m.factory(id, bc)
	if err != nil {
		return nil, "", fmt.Errorf("create coordinator: %w", err)
	}

	now := m.now()
	s := &Session{
		ID:          id,
		Coordinator: coord,
		Events:      bc,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	s.touch(now)

	claims := &Claims{
		SessionID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		s.close()
		return nil, "", fmt.Errorf("sign token: %w", err)
	}

	var evicted *Session
	m.mu.Lock()
	if len(m.sessions) >= m.max {
		evicted = m.oldestLocked()
		delete(m.sessions, evicted.ID)
	}
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if evicted != nil {
		logging.Info("session evicted", zap.String("session", evicted.ID))
		evicted.close()
	}
	metrics.SetSessionsActive(count)
	logging.Debug("session issued", zap.String("session", id))
	return s, token, nil
}

func (m *Manager) oldestLocked() *Session {
	var oldest *Session
	for _, s := range m.sessions {
		if oldest == nil || s.lastSeen.Load() < oldest.lastSeen.Load() {
			oldest = s
		}
	}
	return oldest
}

// Lookup validates a token and returns its live session.
func (m *Manager) Lookup(tokenStr string) (*Session, error) {
	claims, err := m.validateToken(tokenStr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s, ok := m.sessions[claims.SessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if !now.Before(s.ExpiresAt) {
		m.remove(s.ID)
		return nil, ErrExpired
	}
	s.touch(now)
	return s, nil
}

func (m *Manager) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, err
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Revoke ends a session.
func (m *Manager) Revoke(id string) bool {
	return m.remove(id)
}

func (m *Manager) remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	metrics.SetSessionsActive(count)
	return true
}

// Reap drops sessions that expired or have been idle longer than the idle
// timeout and returns how many were dropped.
func (m *Manager) Reap(now time.Time) int {
	var dead []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) || now.Sub(s.LastSeen()) >= m.idle {
			dead = append(dead, s)
			delete(m.sessions, id)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, s := range dead {
		s.close()
	}
	if len(dead) > 0 {
		metrics.SetSessionsActive(count)
		logging.Info("reaped idle sessions", zap.Int("count", len(dead)), zap.Int("remaining", count))
	}
	return len(dead)
}

// Run reaps sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(m.now())
		}
	}
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	metrics.SetSessionsActive(0)
}

// Middleware returns HTTP middleware that resolves the session token.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordSessionAuth(false)
			sendAuthError(w, http.StatusUnauthorized, "missing session token")
			return
		}

		s, err := m.Lookup(tokenStr)
		if err != nil {
			metrics.RecordSessionAuth(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid session: "+err.Error())
			return
		}
		metrics.RecordSessionAuth(true)

		ctx := logging.With(WithSession(r.Context(), s), zap.String("session", s.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the session stored by Middleware.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey).(*Session)
	return s
}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// EventSource cannot set headers
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
