package handlers

import (
	"context"
	"net/http"

	"github.com/ts03085781/silent-letter/internal/middleware"
	"github.com/ts03085781/silent-letter/internal/ratelimit"
	"github.com/ts03085781/silent-letter/internal/services"
	"github.com/ts03085781/silent-letter/internal/session"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps carries everything the HTTP surface needs
type RouterDeps struct {
	Users    *services.UserService
	Messages *services.MessageService
	Tokens   *session.Manager
	Limiter  ratelimit.Limiter
	Hub      *services.WSHub
	Ping     func(ctx context.Context) error

	// SecureCookies marks the session cookie Secure
	SecureCookies bool
	// Debug exposes error details in responses
	Debug bool
}

// NewRouter builds the HTTP router
func NewRouter(d RouterDeps) http.Handler {
	authHandler := NewAuthHandler(d.Users, d.Tokens, d.SecureCookies, d.Debug)
	messageHandler := NewMessageHandler(d.Messages, d.Debug)
	wsHandler := NewWebSocketHandler(d.Hub, d.Tokens)
	healthHandler := NewHealthHandler(d.Ping)

	r := chi.NewRouter()

	// Set before any Route call so sub-routers inherit them
	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Metrics)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", healthHandler.Check)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsHandler.HandleWebSocket)

	// Auth and limits are attached per route group so the method check
	// runs before authentication.
	r.Route("/api/auth", func(r chi.Router) {
		r.With(middleware.RateLimit(d.Limiter, ratelimit.RegisterPolicy, middleware.ByClientAddress)).
			Post("/register", authHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.Tokens))
			r.Get("/me", authHandler.Me)
			r.Post("/daily-reward", authHandler.DailyReward)
			r.Post("/logout", authHandler.Logout)
		})
	})

	r.Route("/api/messages", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.Tokens))
			r.With(middleware.RateLimit(d.Limiter, ratelimit.SendPolicy, middleware.ByUser)).
				Post("/send", messageHandler.Send)
			r.With(middleware.RateLimit(d.Limiter, ratelimit.ReplyPolicy, middleware.ByUser)).
				Post("/reply", messageHandler.Reply)
			r.Get("/inbox", messageHandler.Inbox)
			r.Get("/sent", messageHandler.Sent)
			r.Get("/unread-count", messageHandler.UnreadCount)
		})
	})

	return r
}
