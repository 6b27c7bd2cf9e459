package ratelimit

import (
	"time"

	"github.com/eversaid/wrapper/internal/config"
)

// Actions with their own threshold bundle.
const (
	ActionTranscribe = "transcribe"
	ActionAnalyze    = "analyze"
)

// Scope is the dimension a tier counts over.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeIP      Scope = "ip"
	ScopeGlobal  Scope = "global"
)

// TierName is the machine-readable tier identifier reported to clients.
type TierName string

const (
	TierHour      TierName = "hour"
	TierDay       TierName = "day"
	TierIPDay     TierName = "ip_day"
	TierGlobalDay TierName = "global_day"
)

const (
	Hour = time.Hour
	Day  = 24 * time.Hour
)

// Tier is one (scope, window) pair with its threshold.
type Tier struct {
	Name   TierName
	Scope  Scope
	Window time.Duration
	Limit  int
}

// priority breaks ties between exceeded tiers with equal retry_after: the
// wider scope wins (global, then ip, then session). Tiers of the same scope
// keep their configured order, so the earlier one wins.
func (t Tier) priority() int {
	switch t.Scope {
	case ScopeGlobal:
		return 3
	case ScopeIP:
		return 2
	default:
		return 1
	}
}

// TiersFromBundle expands a configured bundle into tiers, skipping the
// disabled (zero) ones. The order is the display order.
func TiersFromBundle(b config.LimitBundle) []Tier {
	all := []Tier{
		{Name: TierHour, Scope: ScopeSession, Window: Hour, Limit: b.Hour},
		{Name: TierDay, Scope: ScopeSession, Window: Day, Limit: b.Day},
		{Name: TierIPDay, Scope: ScopeIP, Window: Day, Limit: b.IPDay},
		{Name: TierGlobalDay, Scope: ScopeGlobal, Window: Day, Limit: b.GlobalDay},
	}
	tiers := make([]Tier, 0, len(all))
	for _, t := range all {
		if t.Limit > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// LimitsFromConfig builds the per-action tier sets.
func LimitsFromConfig(cfg config.RateLimitConfig) map[string][]Tier {
	return map[string][]Tier{
		ActionTranscribe: TiersFromBundle(cfg.Transcribe),
		ActionAnalyze:    TiersFromBundle(cfg.Analyze),
	}
}

// MaxWindow returns the longest window across every action.
func MaxWindow(limits map[string][]Tier) time.Duration {
	var longest time.Duration
	for _, tiers := range limits {
		for _, t := range tiers {
			if t.Window > longest {
				longest = t.Window
			}
		}
	}
	return longest
}
