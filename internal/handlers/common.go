package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ts03085781/silent-letter/internal/apperror"

	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies; content is capped far below this
const maxBodyBytes = 64 << 10

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string        `json:"error"`
	Code    apperror.Code `json:"code"`
	Details string        `json:"details,omitempty"`
}

// errorWriter renders errors as the JSON envelope. Details are only
// exposed in development.
type errorWriter struct {
	debug bool
}

// respondError sends err as an error response
func (e errorWriter) respondError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperror.From(err)
	if !ok {
		appErr = &apperror.AppError{Code: apperror.CodeInternal, Message: "Internal server error", Cause: err}
	}

	status := appErr.Code.Status()
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("code", string(appErr.Code)).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}

	body := ErrorResponse{Error: appErr.Message, Code: appErr.Code}
	if e.debug && appErr.Cause != nil {
		body.Details = appErr.Cause.Error()
	}
	respondJSON(w, status, body)
}

// respondJSON sends body with the given status
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves
// dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperror.Wrap(apperror.CodeInvalidRequest, "Invalid request body", err)
	}
	return nil
}

// stringField returns v when it is a JSON string and "" otherwise
func stringField(v any) string {
	s, _ := v.(string)
	return s
}

// queryInt parses a query parameter, returning 0 when absent or malformed
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

// MethodNotAllowed answers requests whose path exists for another method
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error: "Method not allowed",
		Code:  apperror.CodeMethodNotAllowed,
	})
}

// NotFound answers requests for unknown paths
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusNotFound, ErrorResponse{
		Error: "Not found",
		Code:  apperror.CodeNotFound,
	})
}
