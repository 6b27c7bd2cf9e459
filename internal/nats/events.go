package nats

import "time"

const StreamEvents = "EVERSAID_EVENTS"

// Subjects live under SubjectPrefix so one stream captures all of them.
const (
	SubjectPrefix       = "eversaid.events"
	SubjectSessionEvent = SubjectPrefix + ".session"
	SubjectQuotaDenied  = SubjectPrefix + ".quota.denied"
)

// SessionEvent is published on every session lifecycle transition.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	PreviousID string    `json:"previous_id,omitempty"`
	EventType  string    `json:"event_type"` // created, replaced, refreshed, expired
	IPAddress  string    `json:"ip_address,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// QuotaDeniedEvent is published when a rate-limited action is refused.
type QuotaDeniedEvent struct {
	Action     string    `json:"action"`
	SessionID  string    `json:"session_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	LimitType  string    `json:"limit_type"`
	RetryAfter int       `json:"retry_after"`
	Timestamp  time.Time `json:"timestamp"`
}
