package services

import (
	"context"
	"errors"
	"time"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/metrics"
	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/repository"
	"github.com/ts03085781/silent-letter/internal/session"

	"github.com/rs/zerolog/log"
)

// maxHandleAttempts bounds the search for an unused anonymous handle
const maxHandleAttempts = 10

// HandleGenerator produces candidate anonymous handles
type HandleGenerator interface {
	Generate() string
}

// UserService handles identity and point-balance logic
type UserService struct {
	users   repository.UserRepository
	tokens  *session.Manager
	handles HandleGenerator
	loc     *time.Location
	now     func() time.Time
}

// NewUserService creates a new user service. loc is the calendar used for
// the daily reward; nil means UTC.
func NewUserService(users repository.UserRepository, tokens *session.Manager, handles HandleGenerator, loc *time.Location) *UserService {
	if loc == nil {
		loc = time.UTC
	}
	return &UserService{
		users:   users,
		tokens:  tokens,
		handles: handles,
		loc:     loc,
		now:     time.Now,
	}
}

// Registration is a freshly created identity and its session token
type Registration struct {
	User  *models.User
	Token string
}

// Register creates a new anonymous identity and issues its session token
func (s *UserService) Register(ctx context.Context) (*Registration, error) {
	now := s.now().UTC()

	var user *models.User
	for attempt := 0; attempt < maxHandleAttempts; attempt++ {
		candidate := &models.User{
			AnonymousID:  s.handles.Generate(),
			Points:       models.InitialPoints,
			CreatedAt:    now,
			LastActiveAt: now,
			IsActive:     true,
		}
		err := s.users.Create(ctx, candidate)
		if err == nil {
			user = candidate
			break
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, apperror.Wrap(apperror.CodeInternal, "Failed to register user", err)
		}
		log.Debug().Str("anonymous_id", candidate.AnonymousID).Msg("Anonymous id taken, retrying")
	}
	if user == nil {
		return nil, apperror.New(apperror.CodeIdentityGenerationFailed, "Could not allocate an anonymous identity, try again later")
	}

	token, err := s.tokens.Issue(user.ID, user.AnonymousID, user.Points)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to register user", err)
	}

	metrics.UsersRegistered.Inc()
	log.Info().
		Str("user_id", user.ID).
		Str("anonymous_id", user.AnonymousID).
		Msg("User registered")

	return &Registration{User: user, Token: token}, nil
}

// DailyRewardOutcome reports the opportunistic reward granted on /me
type DailyRewardOutcome struct {
	ReceivedDailyReward bool `json:"receivedDailyReward"`
	PointsAwarded       int  `json:"pointsAwarded"`
}

// Me records activity, grants the daily reward when due and returns the
// current state of the principal
func (s *UserService) Me(ctx context.Context, userID string) (*models.User, DailyRewardOutcome, error) {
	if _, err := loadActiveUser(ctx, s.users, userID, apperror.CodeUserNotFound, "User not found or inactive"); err != nil {
		return nil, DailyRewardOutcome{}, err
	}

	now := s.now().UTC()
	if _, err := s.users.TouchActivity(ctx, userID, now); err != nil {
		return nil, DailyRewardOutcome{}, apperror.Wrap(apperror.CodeInternal, "Failed to get user information", err)
	}

	user, claimed, err := s.users.ClaimDailyReward(ctx, userID, now, s.DayStart(now), models.DailyRewardPoints)
	if err != nil {
		return nil, DailyRewardOutcome{}, apperror.Wrap(apperror.CodeInternal, "Failed to get user information", err)
	}

	outcome := DailyRewardOutcome{}
	if claimed {
		outcome = DailyRewardOutcome{ReceivedDailyReward: true, PointsAwarded: models.DailyRewardPoints}
		metrics.DailyRewardsClaimed.WithLabelValues("me").Inc()
		log.Info().Str("user_id", userID).Msg("Daily reward granted on profile fetch")
	}
	return user, outcome, nil
}

// DailyRewardResult is the outcome of an explicit claim
type DailyRewardResult struct {
	Claimed             bool
	PointsAwarded       int
	NextRewardAvailable time.Time
	User                *models.User
}

// ClaimDailyReward grants the reward at most once per calendar day
func (s *UserService) ClaimDailyReward(ctx context.Context, userID string) (*DailyRewardResult, error) {
	if _, err := loadActiveUser(ctx, s.users, userID, apperror.CodeUserNotFound, "User not found or inactive"); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if _, err := s.users.TouchActivity(ctx, userID, now); err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to process daily reward", err)
	}

	user, claimed, err := s.users.ClaimDailyReward(ctx, userID, now, s.DayStart(now), models.DailyRewardPoints)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to process daily reward", err)
	}

	result := &DailyRewardResult{
		Claimed:             claimed,
		NextRewardAvailable: s.NextRewardAt(now),
		User:                user,
	}
	if claimed {
		result.PointsAwarded = models.DailyRewardPoints
		metrics.DailyRewardsClaimed.WithLabelValues("claim").Inc()
		log.Info().Str("user_id", userID).Int("points", user.Points).Msg("Daily reward claimed")
	}
	return result, nil
}

// DayStart returns midnight of t's calendar day in the reward zone
func (s *UserService) DayStart(t time.Time) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

// NextRewardAt returns the next midnight after t in the reward zone
func (s *UserService) NextRewardAt(t time.Time) time.Time {
	start := s.DayStart(t)
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, s.loc)
}
