package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one ledger row: a consumed unit of quota for every tier whose
// scope contains it.
type Entry struct {
	ID        uuid.UUID
	SessionID string
	IPAddress string
	Action    string
	CreatedAt time.Time
}

// Filter selects the entries a single tier counts. Key is the session id or
// IP address for the session and ip scopes and is ignored for global. An
// empty key matches nothing.
type Filter struct {
	Action string
	Scope  Scope
	Key    string
	Since  time.Time
	Until  time.Time
}

// Store is the relational ledger behind the engine.
type Store interface {
	// Atomic runs fn in a transaction serialized against every other Atomic
	// call for the same action. Returning an error or cancelling ctx rolls
	// the transaction back.
	Atomic(ctx context.Context, action string, fn func(ctx context.Context, tx Tx) error) error

	// Count runs a single counting query outside any transaction.
	Count(ctx context.Context, f Filter) (int, error)

	// Insert durably records one entry on its own.
	Insert(ctx context.Context, e Entry) error
}

// Tx is the view of the ledger inside Atomic.
type Tx interface {
	Count(ctx context.Context, f Filter) (int, error)
	Insert(ctx context.Context, e Entry) error
}

// Pruner deletes ledger rows that no tier can count anymore.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}
