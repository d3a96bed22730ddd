package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/session"

	"github.com/rs/zerolog/log"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller
type Principal struct {
	UserID      string
	AnonymousID string
}

// TokenValidator checks a session token and returns its claims
type TokenValidator interface {
	Validate(token string) (*session.Claims, error)
}

// Auth rejects requests without a valid session token read from the
// cookie or the Authorization header
func Auth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticate(tokens, r)
			if err != nil {
				appErr, _ := apperror.From(err)
				respondError(w, appErr.Code, appErr.Message)
				return
			}

			setLoggedUser(r.Context(), principal.UserID)
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate never panics; a failure inside token validation maps to
// AUTH_ERROR
func authenticate(tokens TokenValidator, r *http.Request) (p Principal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Authentication failed")
			err = apperror.New(apperror.CodeAuthError, "Authentication failed")
		}
	}()

	token := session.FromRequest(r)
	if token == "" {
		return Principal{}, apperror.New(apperror.CodeNoToken, "Authentication required")
	}
	return principalFromToken(tokens, token)
}

func principalFromToken(tokens TokenValidator, token string) (Principal, error) {
	claims, err := tokens.Validate(token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) || errors.Is(err, session.ErrExpiredToken) {
			return Principal{}, apperror.New(apperror.CodeInvalidToken, "Invalid or expired token")
		}
		return Principal{}, apperror.Wrap(apperror.CodeAuthError, "Authentication failed", err)
	}
	return Principal{UserID: claims.UserID, AnonymousID: claims.AnonymousID}, nil
}

// ValidateWebSocketToken validates a token taken from the websocket
// handshake, which may also carry it as the token query parameter
func ValidateWebSocketToken(r *http.Request, tokens TokenValidator) (Principal, error) {
	token := session.FromRequest(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Principal{}, apperror.New(apperror.CodeNoToken, "Authentication required")
	}
	return principalFromToken(tokens, token)
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the authenticated caller from context
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return ""
	}
	return p.UserID
}
