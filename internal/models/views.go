package models

import "time"

// isoLayout matches the millisecond ISO-8601 form browsers produce
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t as an ISO-8601 UTC timestamp
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// UserView is the public projection of a user
type UserView struct {
	ID                      string  `json:"id"`
	AnonymousID             string  `json:"anonymousId"`
	Points                  int     `json:"points"`
	CreatedAt               string  `json:"createdAt"`
	LastActiveAt            string  `json:"lastActiveAt,omitempty"`
	TotalDailyRewardsEarned *int    `json:"totalDailyRewardsEarned,omitempty"`
	LastDailyRewardDate     *string `json:"lastDailyRewardDate,omitempty"`
}

// NewUserView builds the short projection returned on registration
func NewUserView(u *User) UserView {
	return UserView{
		ID:          u.ID,
		AnonymousID: u.AnonymousID,
		Points:      u.Points,
		CreatedAt:   FormatTime(u.CreatedAt),
	}
}

// NewProfileView builds the full projection including activity and reward state
func NewProfileView(u *User) UserView {
	v := NewUserView(u)
	v.LastActiveAt = FormatTime(u.LastActiveAt)
	total := u.TotalDailyRewardsEarned
	v.TotalDailyRewardsEarned = &total
	if u.LastDailyRewardDate != nil {
		s := FormatTime(*u.LastDailyRewardDate)
		v.LastDailyRewardDate = &s
	}
	return v
}

// ReplyView is the serialised form of a reply
type ReplyView struct {
	Content   string `json:"content"`
	RepliedAt string `json:"repliedAt"`
}

// NewReplyView converts a reply
func NewReplyView(r Reply) ReplyView {
	return ReplyView{Content: r.Content, RepliedAt: FormatTime(r.RepliedAt)}
}

// MessageView is a message list item
type MessageView struct {
	ID                  string      `json:"id"`
	SenderID            string      `json:"senderId"`
	SenderAnonymousID   string      `json:"senderAnonymousId"`
	ReceiverID          string      `json:"receiverId"`
	ReceiverAnonymousID string      `json:"receiverAnonymousId,omitempty"`
	Content             string      `json:"content"`
	IsRead              bool        `json:"isRead"`
	SentAt              string      `json:"sentAt"`
	Replies             []ReplyView `json:"replies"`
}

// NewMessageView converts a message; anonymous ids are filled in by the caller
func NewMessageView(m *Message) MessageView {
	replies := make([]ReplyView, 0, len(m.Replies))
	for _, r := range m.Replies {
		replies = append(replies, NewReplyView(r))
	}
	return MessageView{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		IsRead:     m.IsRead,
		SentAt:     FormatTime(m.SentAt),
		Replies:    replies,
	}
}

// MessagePage is one page of a message listing
type MessagePage struct {
	Messages      []MessageView `json:"messages"`
	HasMore       bool          `json:"hasMore"`
	CurrentPage   int           `json:"currentPage"`
	TotalMessages int64         `json:"totalMessages"`
}
