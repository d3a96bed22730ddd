// Package events carries notifications about new messages and replies from
// the service layer to connected clients, locally or across replicas.
package events

import (
	"context"
	"time"
)

// Event types pushed to clients
const (
	TypeMessageReceived = "message_received"
	TypeReplyReceived   = "reply_received"
)

// Event is addressed to a single user
type Event struct {
	Type      string            `json:"type"`
	UserID    string            `json:"userId"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Publisher hands events to whatever delivers them. Publish must not block
// on slow consumers; delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Sink receives events for delivery to local connections
type Sink interface {
	Deliver(ev Event)
}

// MessageReceived builds the event sent to a message's recipient
func MessageReceived(receiverID, messageID, senderAnonymousID string, sentAt string) Event {
	return Event{
		Type:   TypeMessageReceived,
		UserID: receiverID,
		Data: map[string]string{
			"messageId":         messageID,
			"senderAnonymousId": senderAnonymousID,
			"sentAt":            sentAt,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// ReplyReceived builds the event sent to the original sender of a message
func ReplyReceived(senderID, messageID, repliedAt string) Event {
	return Event{
		Type:   TypeReplyReceived,
		UserID: senderID,
		Data: map[string]string{
			"messageId": messageID,
			"repliedAt": repliedAt,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// LocalBus delivers events straight to the in-process sink
type LocalBus struct {
	sink Sink
}

// NewLocalBus creates a bus for single-replica deployments
func NewLocalBus(sink Sink) *LocalBus {
	return &LocalBus{sink: sink}
}

// Publish hands ev to the sink synchronously
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.sink.Deliver(ev)
	return nil
}

// Discard drops every event
type Discard struct{}

// Publish does nothing
func (Discard) Publish(context.Context, Event) error { return nil }
