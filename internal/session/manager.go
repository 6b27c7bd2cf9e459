package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eversaid/wrapper/internal/config"
	"github.com/eversaid/wrapper/internal/coreapi"
	"github.com/eversaid/wrapper/internal/metrics"
	inats "github.com/eversaid/wrapper/internal/nats"
)

// TokenService issues and refreshes the credentials of the synthetic
// Core API identity behind each session.
type TokenService interface {
	Register(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (*coreapi.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*coreapi.Tokens, error)
}

// EventPublisher receives session lifecycle events. Publishing is best
// effort.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event inats.SessionEvent) error
}

// IssueGate limits how often one address may mint a Core API identity.
// AllowIssue returns 0 when allowed, otherwise the seconds to wait.
type IssueGate interface {
	AllowIssue(ctx context.Context, ip string) (int, error)
}

const (
	eventCreated        = "created"
	eventReplaced       = "replaced"
	eventRefreshed      = "refreshed"
	eventRefreshSkipped = "refresh_skipped"
	eventExpired        = "expired"
	eventIssueLimited   = "issue_limited"
)

type Manager struct {
	repo   Repository
	tokens TokenService
	locker Locker
	cfg    config.SessionConfig
	events EventPublisher
	gate   IssueGate
	now    func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithIssueGate checks g before every new identity, whichever route or
// cookie state led to it.
func WithIssueGate(g IssueGate) Option {
	return func(m *Manager) { m.gate = g }
}

func NewManager(repo Repository, tokens TokenService, locker Locker, cfg config.SessionConfig, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		tokens: tokens,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns a usable session for the presented id. An empty or
// unknown id yields a new session, an expired session is replaced, and a
// session whose token is about to expire is refreshed in place.
func (m *Manager) Resolve(ctx context.Context, id, ip string) (*Resolution, error) {
	if id == "" {
		return m.create(ctx, ip)
	}

	s, err := m.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return m.create(ctx, ip)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := m.now()
	if s.Expired(now) {
		return m.replace(ctx, s, ip)
	}
	if s.TokenStale(now, m.cfg.RefreshThreshold) {
		return m.refresh(ctx, s, ip)
	}
	return &Resolution{Session: s}, nil
}

func (m *Manager) create(ctx context.Context, ip string) (*Resolution, error) {
	s, err := m.provision(ctx, ip)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	slog.Info("session created", "session_id", s.ID, "ip", ip)
	m.record(ctx, eventCreated, s, "")
	return &Resolution{Session: s, Issued: true}, nil
}

// replace provisions the new identity first so the old row survives a
// Token Service failure, then swaps the rows in one transaction.
func (m *Manager) replace(ctx context.Context, old *Session, ip string) (*Resolution, error) {
	s, err := m.provision(ctx, ip)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Replace(ctx, old.ID, s); err != nil {
		return nil, fmt.Errorf("replacing expired session: %w", err)
	}

	slog.Info("expired session replaced", "old_session_id", old.ID, "session_id", s.ID)
	m.record(ctx, eventReplaced, s, old.ID)
	return &Resolution{Session: s, Issued: true}, nil
}

func (m *Manager) provision(ctx context.Context, ip string) (*Session, error) {
	if err := m.checkGate(ctx, ip); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	email := syntheticEmail(id)
	password, err := randomPassword()
	if err != nil {
		return nil, err
	}

	if err := m.tokens.Register(ctx, email, password); err != nil {
		return nil, tokenError("registering identity", err)
	}
	tokens, err := m.tokens.Login(ctx, email, password)
	if err != nil {
		return nil, tokenError("logging in", err)
	}

	now := m.now()
	return &Session{
		ID:             id,
		CoreAPIEmail:   email,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokens.ExpiresAt(now, m.cfg.TokenTTL),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.Duration),
		IPAddress:      ip,
	}, nil
}

// refresh renews the token pair under a per-session lock. A request that
// waited on the lock reloads the row and reuses the tokens the lock holder
// already fetched. If the row vanished or expired meanwhile, the request
// falls through to create or replace.
func (m *Manager) refresh(ctx context.Context, s *Session, ip string) (*Resolution, error) {
	unlock, err := m.locker.Lock(ctx, "session:refresh:"+s.ID, m.cfg.LockTTL)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, fmt.Errorf("refreshing session: %w", ctx.Err())
	case err != nil:
		slog.Warn("session refresh lock unavailable, refreshing unlocked", "session_id", s.ID, "error", err)
	default:
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("releasing session refresh lock", "session_id", s.ID, "error", err)
			}
		}()

		current, err := m.repo.Get(ctx, s.ID)
		if errors.Is(err, ErrNotFound) {
			return m.create(ctx, ip)
		}
		if err != nil {
			return nil, fmt.Errorf("reloading session: %w", err)
		}
		now := m.now()
		if current.Expired(now) {
			return m.replace(ctx, current, ip)
		}
		if !current.TokenStale(now, m.cfg.RefreshThreshold) {
			metrics.SessionEventsTotal.WithLabelValues(eventRefreshSkipped).Inc()
			return &Resolution{Session: current}, nil
		}
		s = current
	}

	tokens, err := m.tokens.Refresh(ctx, s.RefreshToken)
	if err != nil {
		var apiErr *coreapi.APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			m.expire(ctx, s)
			return nil, ErrSessionExpired
		}
		return nil, tokenError("refreshing tokens", err)
	}

	refreshed := *s
	refreshed.AccessToken = tokens.AccessToken
	refreshed.RefreshToken = tokens.RefreshToken
	refreshed.TokenExpiresAt = tokens.ExpiresAt(m.now(), m.cfg.TokenTTL)

	if err := m.repo.UpdateTokens(ctx, s.ID, refreshed.AccessToken, refreshed.RefreshToken, refreshed.TokenExpiresAt); err != nil {
		return nil, fmt.Errorf("storing refreshed tokens: %w", err)
	}

	slog.Debug("session tokens refreshed", "session_id", s.ID, "token_expires_at", refreshed.TokenExpiresAt)
	m.record(ctx, eventRefreshed, &refreshed, "")
	return &Resolution{Session: &refreshed}, nil
}

// expire drops a session whose refresh token the Core API rejected, so the
// next request with the same cookie starts a new identity.
func (m *Manager) expire(ctx context.Context, s *Session) {
	slog.Info("session refresh rejected", "session_id", s.ID)
	if err := m.repo.Delete(context.WithoutCancel(ctx), s.ID); err != nil {
		slog.Warn("deleting rejected session", "session_id", s.ID, "error", err)
	}
	m.record(ctx, eventExpired, s, "")
}

// checkGate fails open when the gate's backend is down.
func (m *Manager) checkGate(ctx context.Context, ip string) error {
	if m.gate == nil {
		return nil
	}
	wait, err := m.gate.AllowIssue(ctx, ip)
	if err != nil {
		slog.Warn("session issue gate unavailable, allowing", "ip", ip, "error", err)
		return nil
	}
	if wait > 0 {
		metrics.SessionEventsTotal.WithLabelValues(eventIssueLimited).Inc()
		return &IssueLimitedError{RetryAfter: wait}
	}
	return nil
}

func (m *Manager) record(ctx context.Context, event string, s *Session, previousID string) {
	metrics.SessionEventsTotal.WithLabelValues(event).Inc()
	if m.events == nil {
		return
	}
	err := m.events.PublishSessionEvent(ctx, inats.SessionEvent{
		SessionID:  s.ID,
		PreviousID: previousID,
		EventType:  event,
		IPAddress:  s.IPAddress,
		Timestamp:  m.now(),
	})
	if err != nil {
		slog.Warn("publishing session event", "event", event, "session_id", s.ID, "error", err)
	}
}

func tokenError(op string, err error) error {
	if errors.Is(err, coreapi.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

func randomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
