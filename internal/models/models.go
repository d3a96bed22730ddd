package models

import "time"

const (
	// InitialPoints is the balance a freshly registered identity starts with
	InitialPoints = 10
	// SendCost is debited from the sender for every dispatched message
	SendCost = 3
	// ReplyReward is credited to the receiver for every reply
	ReplyReward = 1
	// DailyRewardPoints is credited at most once per calendar day
	DailyRewardPoints = 10
	// MaxContentLength bounds message and reply content (runes, after trimming)
	MaxContentLength = 1000
	// MessageTTL is how long a message stays visible after it was sent
	MessageTTL = 30 * 24 * time.Hour
)

// User represents an anonymous identity
type User struct {
	ID                      string     `json:"id"`
	AnonymousID             string     `json:"anonymousId"`
	Points                  int        `json:"points"`
	CreatedAt               time.Time  `json:"createdAt"`
	LastActiveAt            time.Time  `json:"lastActiveAt"`
	IsActive                bool       `json:"isActive"`
	LastDailyRewardDate     *time.Time `json:"lastDailyRewardDate,omitempty"`
	TotalDailyRewardsEarned int        `json:"totalDailyRewardsEarned"`
}

// Reply is a single entry in a message's reply sequence. The author is
// always the message receiver, so it is not stored.
type Reply struct {
	Content   string    `json:"content"`
	RepliedAt time.Time `json:"repliedAt"`
}

// Message is a text dispatched from one user to a randomly chosen peer
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"isRead"`
	SentAt     time.Time `json:"sentAt"`
	Replies    []Reply   `json:"replies"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the message must be hidden from every view
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
