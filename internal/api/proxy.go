package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eversaid/wrapper/internal/ratelimit"
)

const (
	maxUploadBytes  = 100 << 20
	maxAnalyzeBytes = 64 << 10

	defaultAnalysisProfile = "generic-conversation-summary"
)

// AnalyzeRequest is the optional body of the analyze endpoint.
type AnalyzeRequest struct {
	ProfileID string `json:"profile_id" validate:"required,max=128,printascii"`
}

// Transcribe streams a multipart audio upload to the Core API's
// upload-transcribe-cleanup pipeline.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFrom(r.Context())
	if !ok {
		HandleError(w, r, ErrInternalServer)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != "multipart/form-data" {
		HandleError(w, r, NewValidationError("expected multipart/form-data upload"))
		return
	}

	res := h.reserve(w, r, ratelimit.ActionTranscribe, s)
	if res == nil {
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	h.forward(w, r, res, "/api/v1/upload-transcribe-cleanup", s.AccessToken, body, contentType)
}

// Analyze triggers an LLM analysis of a cleaned entry.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFrom(r.Context())
	if !ok {
		HandleError(w, r, ErrInternalServer)
		return
	}

	cleanupID := chi.URLParam(r, "cleanupID")
	if err := h.validate.Var(cleanupID, "required,max=128,excludesall=/?#%"); err != nil {
		HandleError(w, r, NewValidationError("invalid cleanup id"))
		return
	}

	req := AnalyzeRequest{ProfileID: defaultAnalysisProfile}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAnalyzeBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		HandleError(w, r, NewValidationError("invalid JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		HandleError(w, r, NewValidationError(err.Error()))
		return
	}

	res := h.reserve(w, r, ratelimit.ActionAnalyze, s)
	if res == nil {
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		h.release(res)
		HandleError(w, r, err)
		return
	}
	h.forward(w, r, res, "/api/v1/cleaned-entries/"+cleanupID+"/analyze", s.AccessToken, bytes.NewReader(payload), "application/json")
}

// forward calls the Core API and settles the reservation: failures release
// it, success commits it. Under the attempts policy the reservation is
// already committed and release is a no-op.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, res *ratelimit.Result, path, accessToken string, body io.Reader, contentType string) {
	resp, err := h.core.Forward(r.Context(), http.MethodPost, path, accessToken, body, contentType)
	if err != nil {
		h.release(res)
		HandleError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		h.release(res)
		slog.Info("core api rejected request", "path", path, "status", resp.StatusCode)
		relay(w, resp)
		return
	}

	if err := h.quota.Commit(r.Context(), res.Reservation); err != nil {
		// The upstream work is already running; report it and accept the
		// uncounted unit.
		slog.Error("committing rate limit reservation", "path", path, "error", err)
	}
	relay(w, resp)
}

func (h *Handler) release(res *ratelimit.Result) {
	if !h.quota.Discard(res.Reservation) {
		slog.Debug("failed attempt still counts toward quota", "action", res.Action)
	}
}

func relay(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("relaying core api response", "error", err)
	}
}
