package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eversaid/wrapper/internal/database"
)

// Repository persists sessions.
type Repository interface {
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, tokenExpiresAt time.Time) error
	// Replace deletes oldID and inserts s in one transaction.
	Replace(ctx context.Context, oldID string, s *Session) error
	// Delete removes id. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error
}

type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresRepository(pool *pgxpool.Pool, timeout time.Duration) *PostgresRepository {
	return &PostgresRepository{pool: pool, timeout: timeout}
}

func (r *PostgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

const sessionColumns = `session_id, core_api_email, access_token, refresh_token,
	token_expires_at, created_at, expires_at, ip_address`

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var s Session
	var ip *string
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id,
	).Scan(&s.ID, &s.CoreAPIEmail, &s.AccessToken, &s.RefreshToken,
		&s.TokenExpiresAt, &s.CreatedAt, &s.ExpiresAt, &ip)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if ip != nil {
		s.IPAddress = *ip
	}
	return &s, nil
}

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return insertSession(ctx, r.pool, s)
}

func (r *PostgresRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, tokenExpiresAt time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET access_token = $2, refresh_token = $3, token_expires_at = $4
		 WHERE session_id = $1`,
		id, accessToken, refreshToken, tokenExpiresAt)
	if err != nil {
		return fmt.Errorf("updating session tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Replace(ctx context.Context, oldID string, s *Session) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, oldID); err != nil {
			return fmt.Errorf("deleting expired session: %w", err)
		}
		return insertSession(ctx, tx, s)
	})
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func insertSession(ctx context.Context, q database.Querier, s *Session) error {
	var ip *string
	if s.IPAddress != "" {
		ip = &s.IPAddress
	}
	_, err := q.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.CoreAPIEmail, s.AccessToken, s.RefreshToken,
		s.TokenExpiresAt, s.CreatedAt, s.ExpiresAt, ip)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}
