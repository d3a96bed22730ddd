package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"
)

var (
	// ErrNotFound is returned when a lookup or sample matches nothing
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint
	ErrDuplicate = errors.New("duplicate key")
	// ErrInsufficientPoints is returned when a conditional debit does not apply
	ErrInsufficientPoints = errors.New("insufficient points")
)

// UserRepository is the persistence contract for users
type UserRepository interface {
	// Create inserts a new user and assigns its ID; ErrDuplicate when the
	// anonymous id is taken
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByAnonymousID(ctx context.Context, anonymousID string) (*models.User, error)
	// GetByIDs loads users regardless of their active flag; unknown ids are skipped
	GetByIDs(ctx context.Context, ids []string) (map[string]*models.User, error)
	TouchActivity(ctx context.Context, id string, at time.Time) (*models.User, error)
	// DebitPoints subtracts amount only when the user is active and holds at
	// least amount points
	DebitPoints(ctx context.Context, id string, amount int) (*models.User, error)
	CreditPoints(ctx context.Context, id string, amount int) (*models.User, error)
	// ClaimDailyReward credits amount, sets the reward date and bumps the
	// counter only when the last reward date is absent or before dayStart.
	// It always returns the current user state.
	ClaimDailyReward(ctx context.Context, id string, now, dayStart time.Time, amount int) (*models.User, bool, error)
	// SampleRecipient picks one active user other than excludeID uniformly
	SampleRecipient(ctx context.Context, excludeID string) (*models.User, error)
	ListInactive(ctx context.Context, cutoff time.Time, limit int) ([]*models.User, error)
	// Deactivate flips isActive only if the user is still inactive since cutoff
	Deactivate(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// MessageFilter selects messages by one side of the conversation
type MessageFilter struct {
	SenderID      string
	ReceiverID    string
	ParticipantID string
}

// MessageRepository is the persistence contract for messages. Expired
// messages are never returned.
type MessageRepository interface {
	ValidID(id string) bool
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	// List returns messages ordered by sentAt descending
	List(ctx context.Context, filter MessageFilter, skip, limit int) ([]*models.Message, error)
	Count(ctx context.Context, filter MessageFilter) (int64, error)
	CountUnread(ctx context.Context, receiverID string) (int64, error)
	MarkRead(ctx context.Context, ids []string) error
	AppendReply(ctx context.Context, id string, reply models.Reply) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByParticipant(ctx context.Context, userID string) (int64, error)
}

// Store bundles the repositories of one backend
type Store struct {
	Users    UserRepository
	Messages MessageRepository
	Ping     func(ctx context.Context) error
	Close    func()
}
