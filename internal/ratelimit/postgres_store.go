package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eversaid/wrapper/internal/database"
)

// PostgresStore keeps the ledger in the rate_limit_entries table. Atomic
// takes a transaction-scoped advisory lock keyed by the action, so the
// counting queries and the insert of one check are serialized against all
// other checks of that action across every scope.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresStore creates a PostgresStore. timeout bounds every call that
// reaches the database; zero means no extra bound beyond the caller's ctx.
func NewPostgresStore(pool *pgxpool.Pool, timeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, timeout: timeout}
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Atomic(ctx context.Context, action string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "rate_limit:"+action); err != nil {
			return fmt.Errorf("acquiring ledger lock: %w", err)
		}
		return fn(ctx, pgLedger{q: tx})
	})
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return pgLedger{q: s.pool}.Count(ctx, f)
}

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return pgLedger{q: s.pool}.Insert(ctx, e)
}

// Prune deletes entries created before the given instant.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_entries WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning rate limit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgLedger struct {
	q database.Querier
}

func (l pgLedger) Count(ctx context.Context, f Filter) (int, error) {
	query := `SELECT COUNT(*) FROM rate_limit_entries
		WHERE action = $1 AND created_at >= $2 AND created_at <= $3`
	args := []any{f.Action, f.Since, f.Until}

	switch f.Scope {
	case ScopeSession, ScopeIP:
		if f.Key == "" {
			return 0, nil
		}
		column := "session_id"
		if f.Scope == ScopeIP {
			column = "ip_address"
		}
		query += fmt.Sprintf(" AND %s = $4", column)
		args = append(args, f.Key)
	}

	var n int
	if err := l.q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s entries: %w", f.Scope, err)
	}
	return n, nil
}

func (l pgLedger) Insert(ctx context.Context, e Entry) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO rate_limit_entries (id, session_id, ip_address, action, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, nullable(e.SessionID), nullable(e.IPAddress), e.Action, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting rate limit entry: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
