package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownAction        = errors.New("unknown rate-limited action")
	ErrReservationDiscarded = errors.New("reservation was discarded")
)

// TierStatus is the per-tier snapshot reported to clients.
type TierStatus struct {
	Name      TierName      `json:"-"`
	Scope     Scope         `json:"-"`
	Window    time.Duration `json:"-"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Reset     int64         `json:"reset"`
}

// Result is the verdict of a check. ExceededType and RetryAfter are only
// meaningful when Allowed is false; Reservation is only set when Allowed is
// true and the check staged an entry.
type Result struct {
	Allowed      bool
	Action       string
	Tiers        []TierStatus
	ExceededType TierName
	RetryAfter   int
	Reservation  *Reservation
}

// Tier returns the snapshot of the named tier.
func (r *Result) Tier(name TierName) (TierStatus, bool) {
	for _, t := range r.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierStatus{}, false
}

// Limits returns the snapshot keyed by tier name.
func (r *Result) Limits() map[TierName]TierStatus {
	m := make(map[TierName]TierStatus, len(r.Tiers))
	for _, t := range r.Tiers {
		m[t.Name] = t
	}
	return m
}

// Reset returns the latest reset instant among the tiers.
func (r *Result) Reset() int64 {
	var latest int64
	for _, t := range r.Tiers {
		if t.Reset > latest {
			latest = t.Reset
		}
	}
	return latest
}

type reservationState int

const (
	reservationPending reservationState = iota
	reservationCommitted
	reservationDiscarded
)

// Reservation is a staged ledger entry. Pending reservations are invisible
// to every counting query until committed.
type Reservation struct {
	mu    sync.Mutex
	entry Entry
	state reservationState
}

func newReservation(e Entry, committed bool) *Reservation {
	r := &Reservation{entry: e}
	if committed {
		r.state = reservationCommitted
	}
	return r
}

// Entry returns the staged ledger row.
func (r *Reservation) Entry() Entry {
	return r.entry
}

// Committed reports whether the entry is durably recorded.
func (r *Reservation) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == reservationCommitted
}
