package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Atomic is serialized per action with
// a mutex, which gives the same check+stage guarantee as the Postgres
// advisory lock within one process.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]*sync.Mutex)}
}

func (s *MemoryStore) actionLock(action string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[action]
	if !ok {
		l = &sync.Mutex{}
		s.locks[action] = l
	}
	return l
}

func (s *MemoryStore) Atomic(ctx context.Context, action string, fn func(ctx context.Context, tx Tx) error) error {
	l := s.actionLock(action)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	// Cancellation before commit discards the staged rows.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = append(s.entries, tx.pending...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return countMatching(s.entries, f), nil
}

func (s *MemoryStore) Insert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// Entries returns a copy of the committed rows.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

type memTx struct {
	store   *MemoryStore
	pending []Entry
}

func (t *memTx) Count(ctx context.Context, f Filter) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return countMatching(t.store.entries, f) + countMatching(t.pending, f), nil
}

func (t *memTx) Insert(_ context.Context, e Entry) error {
	t.pending = append(t.pending, e)
	return nil
}

func countMatching(entries []Entry, f Filter) int {
	if f.Scope != ScopeGlobal && f.Key == "" {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Action != f.Action || e.CreatedAt.Before(f.Since) || e.CreatedAt.After(f.Until) {
			continue
		}
		switch f.Scope {
		case ScopeSession:
			if e.SessionID != f.Key {
				continue
			}
		case ScopeIP:
			if e.IPAddress != f.Key {
				continue
			}
		}
		n++
	}
	return n
}
