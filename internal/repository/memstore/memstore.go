// Package memstore keeps users and messages in process memory. It backs
// local development and the test suites; every method is safe for
// concurrent use.
package memstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/repository"

	"github.com/google/uuid"
)

// DB is the shared in-memory state
type DB struct {
	mu       sync.Mutex
	users    map[string]*models.User
	handles  map[string]string
	messages map[string]*models.Message
	now      func() time.Time
}

// Option configures a DB
type Option func(*DB)

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New creates an empty in-memory database
func New(opts ...Option) *DB {
	db := &DB{
		users:    make(map[string]*models.User),
		handles:  make(map[string]string),
		messages: make(map[string]*models.Message),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// NewStore wraps a fresh in-memory database as a repository.Store
func NewStore(opts ...Option) *repository.Store {
	return New(opts...).Store()
}

// Store exposes db through the repository contracts
func (db *DB) Store() *repository.Store {
	return &repository.Store{
		Users:    &UserRepository{db: db},
		Messages: &MessageRepository{db: db},
		Ping:     func(context.Context) error { return nil },
		Close:    func() {},
	}
}

func copyUser(u *models.User) *models.User {
	c := *u
	if u.LastDailyRewardDate != nil {
		d := *u.LastDailyRewardDate
		c.LastDailyRewardDate = &d
	}
	return &c
}

func copyMessage(m *models.Message) *models.Message {
	c := *m
	c.Replies = append([]models.Reply{}, m.Replies...)
	return &c
}

// UserRepository implements repository.UserRepository in memory
type UserRepository struct {
	db *DB
}

// Create inserts user, assigning an id; a taken handle is ErrDuplicate
func (r *UserRepository) Create(_ context.Context, user *models.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, taken := r.db.handles[user.AnonymousID]; taken {
		return repository.ErrDuplicate
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	r.db.users[user.ID] = copyUser(user)
	r.db.handles[user.AnonymousID] = user.ID
	return nil
}

// GetByID returns a copy of the user
func (r *UserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyUser(u), nil
}

// GetByAnonymousID looks a user up by handle
func (r *UserRepository) GetByAnonymousID(_ context.Context, anonymousID string) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	id, ok := r.db.handles[anonymousID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyUser(r.db.users[id]), nil
}

// GetByIDs returns the known users among ids, inactive ones included
func (r *UserRepository) GetByIDs(_ context.Context, ids []string) (map[string]*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := make(map[string]*models.User, len(ids))
	for _, id := range ids {
		if u, ok := r.db.users[id]; ok {
			out[id] = copyUser(u)
		}
	}
	return out, nil
}

// TouchActivity moves lastActiveAt forward to at
func (r *UserRepository) TouchActivity(_ context.Context, id string, at time.Time) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if at.After(u.LastActiveAt) {
		u.LastActiveAt = at
	}
	return copyUser(u), nil
}

// DebitPoints subtracts amount if the active user can afford it
func (r *UserRepository) DebitPoints(_ context.Context, id string, amount int) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok || !u.IsActive || u.Points < amount {
		return nil, repository.ErrInsufficientPoints
	}
	u.Points -= amount
	return copyUser(u), nil
}

// CreditPoints adds amount to the balance
func (r *UserRepository) CreditPoints(_ context.Context, id string, amount int) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u.Points += amount
	return copyUser(u), nil
}

// ClaimDailyReward credits amount unless a reward was already taken since dayStart
func (r *UserRepository) ClaimDailyReward(_ context.Context, id string, now, dayStart time.Time, amount int) (*models.User, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	eligible := u.IsActive && (u.LastDailyRewardDate == nil || u.LastDailyRewardDate.Before(dayStart))
	if !eligible {
		return copyUser(u), false, nil
	}
	u.Points += amount
	claimedAt := now
	u.LastDailyRewardDate = &claimedAt
	u.TotalDailyRewardsEarned++
	return copyUser(u), true, nil
}

// SampleRecipient uses reservoir sampling over the candidate set
func (r *UserRepository) SampleRecipient(_ context.Context, excludeID string) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var picked *models.User
	seen := 0
	for id, u := range r.db.users {
		if id == excludeID || !u.IsActive {
			continue
		}
		seen++
		if rand.IntN(seen) == 0 {
			picked = u
		}
	}
	if picked == nil {
		return nil, repository.ErrNotFound
	}
	return copyUser(picked), nil
}

// ListInactive returns active users idle since before cutoff, oldest first
func (r *UserRepository) ListInactive(_ context.Context, cutoff time.Time, limit int) ([]*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var users []*models.User
	for _, u := range r.db.users {
		if u.IsActive && u.LastActiveAt.Before(cutoff) {
			users = append(users, copyUser(u))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].LastActiveAt.Before(users[j].LastActiveAt) })
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// Deactivate clears isActive if the user is still idle since before cutoff
func (r *UserRepository) Deactivate(_ context.Context, id string, cutoff time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok || !u.IsActive || !u.LastActiveAt.Before(cutoff) {
		return false, nil
	}
	u.IsActive = false
	return true, nil
}

// MessageRepository implements repository.MessageRepository in memory
type MessageRepository struct {
	db *DB
}

// ValidID reports whether id is a UUID
func (r *MessageRepository) ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Create stores msg, assigning an id
func (r *MessageRepository) Create(_ context.Context, msg *models.Message) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Replies == nil {
		msg.Replies = []models.Reply{}
	}
	r.db.messages[msg.ID] = copyMessage(msg)
	return nil
}

// GetByID returns a live message
func (r *MessageRepository) GetByID(_ context.Context, id string) (*models.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[id]
	if !ok || m.Expired(r.db.now()) {
		return nil, repository.ErrNotFound
	}
	return copyMessage(m), nil
}

func matches(m *models.Message, f repository.MessageFilter) bool {
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if f.ReceiverID != "" && m.ReceiverID != f.ReceiverID {
		return false
	}
	if f.ParticipantID != "" && m.SenderID != f.ParticipantID && m.ReceiverID != f.ParticipantID {
		return false
	}
	return true
}

// selectLocked returns live messages matching f, newest first
func (r *MessageRepository) selectLocked(f repository.MessageFilter) []*models.Message {
	now := r.db.now()
	var out []*models.Message
	for _, m := range r.db.messages {
		if !m.Expired(now) && matches(m, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out
}

// List returns a window of matching live messages, newest first
func (r *MessageRepository) List(_ context.Context, f repository.MessageFilter, skip, limit int) ([]*models.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if skip < 0 || limit < 0 {
		return nil, fmt.Errorf("invalid window skip=%d limit=%d", skip, limit)
	}

	all := r.selectLocked(f)
	out := []*models.Message{}
	for i := skip; i < len(all) && len(out) < limit; i++ {
		out = append(out, copyMessage(all[i]))
	}
	return out, nil
}

// Count counts matching live messages
func (r *MessageRepository) Count(_ context.Context, f repository.MessageFilter) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return int64(len(r.selectLocked(f))), nil
}

// CountUnread counts live unread messages of receiverID
func (r *MessageRepository) CountUnread(_ context.Context, receiverID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var n int64
	for _, m := range r.selectLocked(repository.MessageFilter{ReceiverID: receiverID}) {
		if !m.IsRead {
			n++
		}
	}
	return n, nil
}

// MarkRead flags the given messages as read
func (r *MessageRepository) MarkRead(_ context.Context, ids []string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, id := range ids {
		if m, ok := r.db.messages[id]; ok {
			m.IsRead = true
		}
	}
	return nil
}

// AppendReply adds reply to a live message
func (r *MessageRepository) AppendReply(_ context.Context, id string, reply models.Reply) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[id]
	if !ok || m.Expired(r.db.now()) {
		return repository.ErrNotFound
	}
	m.Replies = append(m.Replies, reply)
	return nil
}

// DeleteExpired removes messages whose expiresAt is not after now
func (r *MessageRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var n int64
	for id, m := range r.db.messages {
		if m.Expired(now) {
			delete(r.db.messages, id)
			n++
		}
	}
	return n, nil
}

// DeleteByParticipant removes every message sent or received by userID
func (r *MessageRepository) DeleteByParticipant(_ context.Context, userID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var n int64
	for id, m := range r.db.messages {
		if m.SenderID == userID || m.ReceiverID == userID {
			delete(r.db.messages, id)
			n++
		}
	}
	return n, nil
}
