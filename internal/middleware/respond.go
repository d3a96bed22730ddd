package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/ts03085781/silent-letter/internal/apperror"
)

type errorResponse struct {
	Error      string        `json:"error"`
	Code       apperror.Code `json:"code"`
	RetryAfter int           `json:"retryAfter,omitempty"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, code apperror.Code, message string) {
	writeJSON(w, code.Status(), errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
