package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	mw "github.com/eversaid/wrapper/internal/middleware"
	"github.com/eversaid/wrapper/internal/session"
)

type contextKey struct{}

// SessionFrom returns the session resolved by SessionMiddleware.
func SessionFrom(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*session.Session)
	return s, ok
}

// SessionMiddleware resolves the anonymous session from the cookie and
// issues a new cookie whenever the session id changed.
func (h *Handler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(h.cookie.CookieName); err == nil {
			id = c.Value
		}

		res, err := h.sessions.Resolve(r.Context(), id, mw.ClientIP(r))
		if err != nil {
			if id != "" && errors.Is(err, session.ErrSessionExpired) {
				h.clearCookie(w)
			}
			HandleError(w, r, err)
			return
		}
		if res.Issued {
			h.setCookie(w, res.Session.ID)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, res.Session)))
	})
}

func (h *Handler) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(h.cookie.Duration / time.Second),
		HttpOnly: true,
		Secure:   h.cookie.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearCookie drops a session the server has already forgotten, so the
// next request starts a new one.
func (h *Handler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetSession reports the current anonymous session. Tokens never leave
// the server.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFrom(r.Context())
	if !ok {
		HandleError(w, r, ErrInternalServer)
		return
	}
	JSON(w, http.StatusOK, sessionResponse{
		SessionID: s.ID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	})
}
