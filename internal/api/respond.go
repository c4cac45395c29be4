package api

import (
	"encoding/json"
	"net/http"
)

// Error is the wire shape for failed requests.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrCodeInternal marks unexpected server-side failures.
const ErrCodeInternal = "internal_error"

// respond serialises v as the JSON body of the response.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // the client may already be gone
	json.NewEncoder(w).Encode(v)
}

// respondError sends a structured Error body.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respond(w, status, Error{Status: status, Code: code, Message: message})
}

// respondInternal sends a 500 with the internal error code.
func respondInternal(w http.ResponseWriter, message string) {
	respondError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
