package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eversaid/wrapper/internal/config"
	"github.com/eversaid/wrapper/internal/metrics"
)

// CommitPolicy decides when an allowed check becomes durable quota usage.
type CommitPolicy string

const (
	// CountAttempts records the entry inside the check transaction, before
	// the upstream call. Failed upstream calls still consume quota.
	CountAttempts CommitPolicy = config.CommitAttempts
	// CountSuccesses keeps the entry pending until the caller commits it
	// after a successful upstream call.
	CountSuccesses CommitPolicy = config.CommitSuccesses
)

// Engine evaluates the configured tiers for an action and stages ledger
// entries for allowed checks.
type Engine struct {
	store  Store
	limits map[string][]Tier
	policy CommitPolicy
	now    func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Every action must have at least one tier.
func NewEngine(store Store, limits map[string][]Tier, policy CommitPolicy, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	switch policy {
	case CountAttempts, CountSuccesses:
	default:
		return nil, fmt.Errorf("unknown commit policy %q", policy)
	}
	for action, tiers := range limits {
		if len(tiers) == 0 {
			return nil, fmt.Errorf("action %q has no enabled tiers", action)
		}
	}

	e := &Engine{
		store:  store,
		limits: limits,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the active commit policy.
func (e *Engine) Policy() CommitPolicy {
	return e.policy
}

// Tiers returns the tiers configured for action.
func (e *Engine) Tiers(action string) []Tier {
	return e.limits[action]
}

// CheckAndReserve counts every tier of action and, when none is exceeded,
// stages one entry for (action, sessionID, ipAddress). Under CountAttempts
// the entry is already committed when this returns.
func (e *Engine) CheckAndReserve(ctx context.Context, action, sessionID, ipAddress string) (*Result, error) {
	tiers, ok := e.limits[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	var result *Result
	err := e.store.Atomic(ctx, action, func(ctx context.Context, tx Tx) error {
		now := e.now()
		counts, err := countTiers(ctx, tx, tiers, action, sessionID, ipAddress, now)
		if err != nil {
			return err
		}

		result = evaluate(action, tiers, counts, now)
		if !result.Allowed {
			return nil
		}

		entry := Entry{
			ID:        uuid.New(),
			SessionID: sessionID,
			IPAddress: ipAddress,
			Action:    action,
			CreatedAt: now,
		}
		if e.policy == CountAttempts {
			if err := tx.Insert(ctx, entry); err != nil {
				return err
			}
		}
		result.Reservation = newReservation(entry, e.policy == CountAttempts)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checking %s rate limit: %w", action, err)
	}

	if result.Allowed {
		metrics.RateLimitChecksTotal.WithLabelValues(action, "allowed", "").Inc()
		slog.Debug("rate limit check passed",
			"action", action, "session_id", sessionID, "ip", ipAddress, "policy", e.policy)
	} else {
		metrics.RateLimitChecksTotal.WithLabelValues(action, "denied", string(result.ExceededType)).Inc()
		slog.Info("rate limit exceeded",
			"action", action, "session_id", sessionID, "ip", ipAddress,
			"limit_type", result.ExceededType, "retry_after", result.RetryAfter)
	}
	return result, nil
}

// Status reports the current quota state without staging anything.
func (e *Engine) Status(ctx context.Context, action, sessionID, ipAddress string) (*Result, error) {
	tiers, ok := e.limits[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	now := e.now()
	counts, err := countTiers(ctx, storeCounter{e.store}, tiers, action, sessionID, ipAddress, now)
	if err != nil {
		return nil, fmt.Errorf("reading %s rate limit status: %w", action, err)
	}

	result := evaluate(action, tiers, counts, now)
	if result.Allowed {
		// evaluate reports the post-reservation view; a status read reserves nothing.
		for i := range result.Tiers {
			result.Tiers[i].Remaining = max(0, result.Tiers[i].Limit-counts[i])
		}
	}
	return result, nil
}

// Commit durably records a pending reservation. Committing an already
// committed reservation is a no-op. A cancelled ctx is never committed.
func (e *Engine) Commit(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case reservationCommitted:
		return nil
	case reservationDiscarded:
		return ErrReservationDiscarded
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("committing %s reservation: %w", r.entry.Action, err)
	}
	if err := e.store.Insert(ctx, r.entry); err != nil {
		return fmt.Errorf("committing %s reservation: %w", r.entry.Action, err)
	}
	r.state = reservationCommitted
	metrics.RateLimitCommitsTotal.WithLabelValues(r.entry.Action).Inc()
	return nil
}

// Discard drops a pending reservation. It reports false when the entry was
// already committed and therefore still counts.
func (e *Engine) Discard(r *Reservation) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == reservationCommitted {
		return false
	}
	r.state = reservationDiscarded
	return true
}

type counter interface {
	Count(ctx context.Context, f Filter) (int, error)
}

type storeCounter struct{ s Store }

func (c storeCounter) Count(ctx context.Context, f Filter) (int, error) {
	return c.s.Count(ctx, f)
}

func countTiers(ctx context.Context, c counter, tiers []Tier, action, sessionID, ipAddress string, now time.Time) ([]int, error) {
	counts := make([]int, len(tiers))
	for i, t := range tiers {
		f := Filter{
			Action: action,
			Scope:  t.Scope,
			Since:  now.Add(-t.Window),
			Until:  now,
		}
		switch t.Scope {
		case ScopeSession:
			f.Key = sessionID
		case ScopeIP:
			f.Key = ipAddress
		}

		n, err := c.Count(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("counting %s tier: %w", t.Name, err)
		}
		counts[i] = n
	}
	return counts, nil
}

// evaluate applies the thresholds. Reset is always now+window. When several
// tiers are exceeded the longest retry_after wins; ties go to the wider
// scope (global, then ip, then session), then to the earlier tier.
func evaluate(action string, tiers []Tier, counts []int, now time.Time) *Result {
	nowTS := now.Unix()
	result := &Result{
		Allowed: true,
		Action:  action,
		Tiers:   make([]TierStatus, len(tiers)),
	}

	worst := -1
	for i, t := range tiers {
		reset := now.Add(t.Window).Unix()
		result.Tiers[i] = TierStatus{
			Name:      t.Name,
			Scope:     t.Scope,
			Window:    t.Window,
			Limit:     t.Limit,
			Remaining: max(0, t.Limit-counts[i]),
			Reset:     reset,
		}

		if counts[i] < t.Limit {
			continue
		}
		result.Allowed = false
		retry := max(0, reset-nowTS)
		if worst < 0 {
			worst = i
			result.RetryAfter = int(retry)
			continue
		}
		if int(retry) > result.RetryAfter ||
			(int(retry) == result.RetryAfter && t.priority() > tiers[worst].priority()) {
			worst = i
			result.RetryAfter = int(retry)
		}
	}

	if !result.Allowed {
		result.ExceededType = tiers[worst].Name
		return result
	}

	for i := range result.Tiers {
		result.Tiers[i].Remaining = max(0, result.Tiers[i].Remaining-1)
	}
	result.RetryAfter = 0
	return result
}
