package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error identifier
type Code string

const (
	CodeNoToken                  Code = "NO_TOKEN"
	CodeInvalidToken             Code = "INVALID_TOKEN"
	CodeAuthError                Code = "AUTH_ERROR"
	CodeUserNotFound             Code = "USER_NOT_FOUND"
	CodeSenderNotFound           Code = "SENDER_NOT_FOUND"
	CodeInsufficientPoints       Code = "INSUFFICIENT_POINTS"
	CodeNoRecipients             Code = "NO_RECIPIENTS"
	CodeInvalidContent           Code = "INVALID_CONTENT"
	CodeContentTooLong           Code = "CONTENT_TOO_LONG"
	CodeInvalidMessageID         Code = "INVALID_MESSAGE_ID"
	CodeMessageNotFound          Code = "MESSAGE_NOT_FOUND"
	CodeUnauthorizedReply        Code = "UNAUTHORIZED_REPLY"
	CodeRateLimitExceeded        Code = "RATE_LIMIT_EXCEEDED"
	CodeIdentityGenerationFailed Code = "IDENTITY_GENERATION_FAILED"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeMethodNotAllowed         Code = "METHOD_NOT_ALLOWED"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeSendFailed               Code = "SEND_FAILED"
	CodeReplyFailed              Code = "REPLY_FAILED"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeNoToken:                  http.StatusUnauthorized,
	CodeInvalidToken:             http.StatusUnauthorized,
	CodeAuthError:                http.StatusInternalServerError,
	CodeUserNotFound:             http.StatusNotFound,
	CodeSenderNotFound:           http.StatusNotFound,
	CodeInsufficientPoints:       http.StatusBadRequest,
	CodeNoRecipients:             http.StatusBadRequest,
	CodeInvalidContent:           http.StatusBadRequest,
	CodeContentTooLong:           http.StatusBadRequest,
	CodeInvalidMessageID:         http.StatusBadRequest,
	CodeMessageNotFound:          http.StatusNotFound,
	CodeUnauthorizedReply:        http.StatusForbidden,
	CodeRateLimitExceeded:        http.StatusTooManyRequests,
	CodeIdentityGenerationFailed: http.StatusServiceUnavailable,
	CodeInvalidRequest:           http.StatusBadRequest,
	CodeMethodNotAllowed:         http.StatusMethodNotAllowed,
	CodeNotFound:                 http.StatusNotFound,
	CodeSendFailed:               http.StatusInternalServerError,
	CodeReplyFailed:              http.StatusInternalServerError,
	CodeInternal:                 http.StatusInternalServerError,
}

// Status returns the HTTP status for the code
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError is an error carrying a code and a client-safe message
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

// Error renders the message and the cause
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError without a cause
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around an underlying failure
func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// From extracts the AppError from err's chain
func From(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal when err carries none
func CodeOf(err error) Code {
	if appErr, ok := From(err); ok {
		return appErr.Code
	}
	return CodeInternal
}
