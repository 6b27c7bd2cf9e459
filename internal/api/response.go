package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Response wraps successful payloads. Errors and 429 bodies are written
// flat so the frontend can read error codes without unwrapping.
type Response struct {
	Data any `json:"data"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response body", "error", err)
	}
}
