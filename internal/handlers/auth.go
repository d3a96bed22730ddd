package handlers

import (
	"net/http"

	"github.com/ts03085781/silent-letter/internal/middleware"
	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/services"
	"github.com/ts03085781/silent-letter/internal/session"
)

// AuthHandler handles identity-related HTTP requests
type AuthHandler struct {
	errorWriter
	userService *services.UserService
	tokens      *session.Manager
	secure      bool
}

// NewAuthHandler creates a new auth handler. secure marks the session
// cookie Secure and should be set in production.
func NewAuthHandler(userService *services.UserService, tokens *session.Manager, secure, debug bool) *AuthHandler {
	return &AuthHandler{
		errorWriter: errorWriter{debug: debug},
		userService: userService,
		tokens:      tokens,
		secure:      secure,
	}
}

type registerResponse struct {
	Success bool            `json:"success"`
	User    models.UserView `json:"user"`
	Message string          `json:"message"`
}

// Register handles POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	reg, err := h.userService.Register(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	http.SetCookie(w, h.tokens.Cookie(reg.Token, h.secure))
	respondJSON(w, http.StatusOK, registerResponse{
		Success: true,
		User:    models.NewUserView(reg.User),
		Message: "Anonymous user registered successfully",
	})
}

type meResponse struct {
	Success     bool                        `json:"success"`
	User        models.UserView             `json:"user"`
	DailyReward services.DailyRewardOutcome `json:"dailyReward"`
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, reward, err := h.userService.Me(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, meResponse{
		Success:     true,
		User:        models.NewProfileView(user),
		DailyReward: reward,
	})
}

type dailyRewardResponse struct {
	Success             bool            `json:"success"`
	Message             string          `json:"message"`
	PointsAwarded       int             `json:"pointsAwarded,omitempty"`
	AlreadyClaimed      bool            `json:"alreadyClaimed,omitempty"`
	NextRewardAvailable string          `json:"nextRewardAvailable"`
	User                models.UserView `json:"user"`
}

// DailyReward handles POST /api/auth/daily-reward. A second claim on the
// same day is reported with success=false and a 200 status.
func (h *AuthHandler) DailyReward(w http.ResponseWriter, r *http.Request) {
	result, err := h.userService.ClaimDailyReward(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := dailyRewardResponse{
		Success:             result.Claimed,
		NextRewardAvailable: models.FormatTime(result.NextRewardAvailable),
		User:                models.NewProfileView(result.User),
	}
	if result.Claimed {
		resp.Message = "Daily reward claimed successfully"
		resp.PointsAwarded = result.PointsAwarded
	} else {
		resp.Message = "Daily reward already claimed today"
		resp.AlreadyClaimed = true
	}
	respondJSON(w, http.StatusOK, resp)
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, session.ClearCookie(h.secure))
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out successfully",
	})
}
