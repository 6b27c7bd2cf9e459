package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	mw "github.com/eversaid/wrapper/internal/middleware"
	inats "github.com/eversaid/wrapper/internal/nats"
	"github.com/eversaid/wrapper/internal/ratelimit"
	"github.com/eversaid/wrapper/internal/session"
)

var limitMessages = map[ratelimit.TierName]string{
	ratelimit.TierHour:      "Hourly limit reached",
	ratelimit.TierDay:       "Daily limit reached",
	ratelimit.TierIPDay:     "IP daily limit reached",
	ratelimit.TierGlobalDay: "Global daily limit reached - service is busy",
}

var headerSuffix = map[ratelimit.TierName]string{
	ratelimit.TierHour:      "Hour",
	ratelimit.TierDay:       "Day",
	ratelimit.TierIPDay:     "IP-Day",
	ratelimit.TierGlobalDay: "Global-Day",
}

// limitTypeSessionIssue reports a refusal of the per-address issuance
// limit, next to the quota tier names.
const limitTypeSessionIssue ratelimit.TierName = "session_issue"

type rateLimitBody struct {
	Error      string                                      `json:"error"`
	Message    string                                      `json:"message"`
	LimitType  ratelimit.TierName                          `json:"limit_type"`
	RetryAfter int                                         `json:"retry_after"`
	Limits     map[ratelimit.TierName]ratelimit.TierStatus `json:"limits,omitempty"`
}

// quotaIP prefers the address recorded when the session was created, so a
// session cannot reset its IP tier by hopping networks.
func quotaIP(r *http.Request, s *session.Session) string {
	if s.IPAddress != "" {
		return s.IPAddress
	}
	return mw.ClientIP(r)
}

// reserve runs the quota check for action. On denial or failure the
// response is written and nil is returned.
func (h *Handler) reserve(w http.ResponseWriter, r *http.Request, action string, s *session.Session) *ratelimit.Result {
	ip := quotaIP(r, s)
	res, err := h.quota.CheckAndReserve(r.Context(), action, s.ID, ip)
	if err != nil {
		HandleError(w, r, err)
		return nil
	}

	writeRateLimitHeaders(w, res)
	if res.Allowed {
		return res
	}

	if h.events != nil {
		err := h.events.PublishQuotaDenied(r.Context(), inats.QuotaDeniedEvent{
			Action:     action,
			SessionID:  s.ID,
			IPAddress:  ip,
			LimitType:  string(res.ExceededType),
			RetryAfter: res.RetryAfter,
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			slog.Warn("publishing quota event", "action", action, "error", err)
		}
	}

	w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	message, ok := limitMessages[res.ExceededType]
	if !ok {
		message = "Rate limit exceeded"
	}
	writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
		Error:      "rate_limit_exceeded",
		Message:    message,
		LimitType:  res.ExceededType,
		RetryAfter: res.RetryAfter,
		Limits:     res.Limits(),
	})
	return nil
}

func writeRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	h := w.Header()
	for _, t := range res.Tiers {
		suffix, ok := headerSuffix[t.Name]
		if !ok {
			continue
		}
		h.Set("X-RateLimit-Limit-"+suffix, strconv.Itoa(t.Limit))
		h.Set("X-RateLimit-Remaining-"+suffix, strconv.Itoa(t.Remaining))
	}
	if reset := res.Reset(); reset > 0 {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	}
}

type rateLimitStatus struct {
	Action  string                                      `json:"action"`
	Allowed bool                                        `json:"allowed"`
	Limits  map[ratelimit.TierName]ratelimit.TierStatus `json:"limits"`
}

// GetRateLimits reports quota state for every action without consuming
// any. The transcribe snapshot is also sent as headers.
func (h *Handler) GetRateLimits(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFrom(r.Context())
	if !ok {
		HandleError(w, r, ErrInternalServer)
		return
	}

	ip := quotaIP(r, s)
	actions := []string{ratelimit.ActionTranscribe, ratelimit.ActionAnalyze}
	results := make([]*ratelimit.Result, len(actions))

	g, ctx := errgroup.WithContext(r.Context())
	for i, action := range actions {
		g.Go(func() error {
			res, err := h.quota.Status(ctx, action, s.ID, ip)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		HandleError(w, r, err)
		return
	}

	// Headers describe the transcribe bundle, the one the frontend gates on.
	writeRateLimitHeaders(w, results[0])

	out := make(map[string]rateLimitStatus, len(actions))
	for i, action := range actions {
		out[action] = rateLimitStatus{Action: action, Allowed: results[i].Allowed, Limits: results[i].Limits()}
	}
	JSON(w, http.StatusOK, out)
}
