package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageColumns = `id, sender_id, receiver_id, content, is_read, sent_at, expires_at`

// messageRepository handles database operations for messages
type messageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a new PostgreSQL message repository
func NewMessageRepository(db *pgxpool.Pool) MessageRepository {
	return &messageRepository{db: db}
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content,
		&msg.IsRead, &msg.SentAt, &msg.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msg.Replies = []models.Reply{}
	return &msg, nil
}

// filterClause renders a MessageFilter as a WHERE clause starting at
// placeholder $1
func filterClause(filter MessageFilter) (string, []any) {
	conds := []string{"expires_at > now()"}
	var args []any
	add := func(cond, value string) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.SenderID != "" {
		add("sender_id = $%d", filter.SenderID)
	}
	if filter.ReceiverID != "" {
		add("receiver_id = $%d", filter.ReceiverID)
	}
	if filter.ParticipantID != "" {
		args = append(args, filter.ParticipantID)
		conds = append(conds, fmt.Sprintf("(sender_id = $%d OR receiver_id = $%d)", len(args), len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func filterIDsValid(filter MessageFilter) bool {
	for _, id := range []string{filter.SenderID, filter.ReceiverID, filter.ParticipantID} {
		if id != "" && !validUUID(id) {
			return false
		}
	}
	return true
}

// ValidID reports whether id is a well-formed message id
func (r *messageRepository) ValidID(id string) bool {
	return validUUID(id)
}

// Create creates a new message
func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, is_read, sent_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.IsRead, msg.SentAt, msg.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	if msg.Replies == nil {
		msg.Replies = []models.Reply{}
	}
	return nil
}

// GetByID retrieves a message and its replies
func (r *messageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND expires_at > now()`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if err := r.loadReplies(ctx, []*models.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// List retrieves messages matching filter, newest first
func (r *messageRepository) List(ctx context.Context, filter MessageFilter, skip, limit int) ([]*models.Message, error) {
	if !filterIDsValid(filter) {
		return []*models.Message{}, nil
	}
	where, args := filterClause(filter)
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE %s
		ORDER BY sent_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, messageColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, skip)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if err := r.loadReplies(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// loadReplies attaches replies to messages in repliedAt order
func (r *messageRepository) loadReplies(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[string]*models.Message, len(messages))
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		byID[msg.ID] = msg
		ids = append(ids, msg.ID)
	}

	query := `
		SELECT message_id, content, replied_at FROM message_replies
		WHERE message_id = ANY($1::uuid[])
		ORDER BY replied_at, id
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to load replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID string
		var reply models.Reply
		if err := rows.Scan(&messageID, &reply.Content, &reply.RepliedAt); err != nil {
			return fmt.Errorf("failed to scan reply: %w", err)
		}
		if msg, ok := byID[messageID]; ok {
			msg.Replies = append(msg.Replies, reply)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating replies: %w", err)
	}
	return nil
}

// Count counts messages matching filter
func (r *messageRepository) Count(ctx context.Context, filter MessageFilter) (int64, error) {
	if !filterIDsValid(filter) {
		return 0, nil
	}
	where, args := filterClause(filter)
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return total, nil
}

// CountUnread counts unread messages addressed to receiverID
func (r *messageRepository) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	if !validUUID(receiverID) {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND NOT is_read AND expires_at > now()`
	var total int64
	if err := r.db.QueryRow(ctx, query, receiverID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return total, nil
}

// MarkRead flags every message in ids as read
func (r *messageRepository) MarkRead(ctx context.Context, ids []string) error {
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE messages SET is_read = TRUE WHERE id = ANY($1::uuid[]) AND NOT is_read`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// AppendReply adds a reply to the end of the message's reply sequence
func (r *messageRepository) AppendReply(ctx context.Context, id string, reply models.Reply) error {
	if !validUUID(id) {
		return ErrNotFound
	}
	query := `
		INSERT INTO message_replies (message_id, content, replied_at)
		SELECT id, $2, $3 FROM messages WHERE id = $1 AND expires_at > now()
	`
	result, err := r.db.Exec(ctx, query, id, reply.Content, reply.RepliedAt)
	if err != nil {
		return fmt.Errorf("failed to append reply: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes messages whose expiry has passed
func (r *messageRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM messages WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteByParticipant removes every message sent or received by userID
func (r *messageRepository) DeleteByParticipant(ctx context.Context, userID string) (int64, error) {
	if !validUUID(userID) {
		return 0, nil
	}
	result, err := r.db.Exec(ctx, `DELETE FROM messages WHERE sender_id = $1 OR receiver_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return result.RowsAffected(), nil
}
