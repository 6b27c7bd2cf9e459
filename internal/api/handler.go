package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/eversaid/wrapper/internal/config"
	inats "github.com/eversaid/wrapper/internal/nats"
	"github.com/eversaid/wrapper/internal/ratelimit"
	"github.com/eversaid/wrapper/internal/session"
)

// SessionResolver is implemented by *session.Manager.
type SessionResolver interface {
	Resolve(ctx context.Context, id, ip string) (*session.Resolution, error)
}

// QuotaEngine is implemented by *ratelimit.Engine.
type QuotaEngine interface {
	CheckAndReserve(ctx context.Context, action, sessionID, ip string) (*ratelimit.Result, error)
	Status(ctx context.Context, action, sessionID, ip string) (*ratelimit.Result, error)
	Commit(ctx context.Context, r *ratelimit.Reservation) error
	Discard(r *ratelimit.Reservation) bool
}

// Forwarder is implemented by *coreapi.Client.
type Forwarder interface {
	Forward(ctx context.Context, method, path, accessToken string, body io.Reader, contentType string) (*http.Response, error)
}

// QuotaPublisher is implemented by *nats.Publisher.
type QuotaPublisher interface {
	PublishQuotaDenied(ctx context.Context, event inats.QuotaDeniedEvent) error
}

// Handler serves the session-scoped endpoints.
type Handler struct {
	sessions SessionResolver
	quota    QuotaEngine
	core     Forwarder
	events   QuotaPublisher
	cookie   config.SessionConfig
	validate *validator.Validate
}

func NewHandler(sessions SessionResolver, quota QuotaEngine, core Forwarder, cookie config.SessionConfig) *Handler {
	return &Handler{
		sessions: sessions,
		quota:    quota,
		core:     core,
		cookie:   cookie,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithQuotaEvents publishes every denied check to p.
func (h *Handler) WithQuotaEvents(p QuotaPublisher) *Handler {
	h.events = p
	return h
}
