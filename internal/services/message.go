package services

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/events"
	"github.com/ts03085781/silent-letter/internal/metrics"
	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Paging bounds for message listings
const (
	DefaultPageSize = 10
	MaxPageSize     = 50
	// MaxPage keeps (page-1)*limit within int
	MaxPage = math.MaxInt / MaxPageSize
)

// contentRule bounds trimmed content; max counts runes
var contentRule = "required,max=" + strconv.Itoa(models.MaxContentLength)

// MessageService handles sending, listing and replying to messages
type MessageService struct {
	users     repository.UserRepository
	messages  repository.MessageRepository
	publisher events.Publisher
	validate  *validator.Validate
	now       func() time.Time
}

// NewMessageService creates a new message service
func NewMessageService(users repository.UserRepository, messages repository.MessageRepository, publisher events.Publisher) *MessageService {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &MessageService{
		users:     users,
		messages:  messages,
		publisher: publisher,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// validateContent trims content and checks it against the length bounds
func (s *MessageService) validateContent(content, subject string) (string, error) {
	content = strings.TrimSpace(content)
	err := s.validate.Var(content, contentRule)
	if err == nil {
		return content, nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "max" {
		return "", apperror.New(apperror.CodeContentTooLong, subject+" content exceeds maximum length")
	}
	return "", apperror.New(apperror.CodeInvalidContent, subject+" content is required")
}

func loadActiveUser(ctx context.Context, users repository.UserRepository, userID string, code apperror.Code, message string) (*models.User, error) {
	user, err := users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.New(code, message)
		}
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to load user", err)
	}
	if !user.IsActive {
		return nil, apperror.New(code, message)
	}
	return user, nil
}

// touch records activity without failing the surrounding operation
func (s *MessageService) touch(ctx context.Context, userID string, at time.Time) {
	if _, err := s.users.TouchActivity(ctx, userID, at); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record activity")
	}
}

func (s *MessageService) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Str("user_id", ev.UserID).Msg("Failed to publish notification")
	}
}

// SendResult is the outcome of a successful send
type SendResult struct {
	Message             *models.Message
	ReceiverAnonymousID string
	NewPoints           int
}

// Send dispatches content to a uniformly chosen active peer and debits the
// sender. The debit is conditional and is compensated if the message
// cannot be stored.
func (s *MessageService) Send(ctx context.Context, senderID, content string) (*SendResult, error) {
	content, err := s.validateContent(content, "Message")
	if err != nil {
		return nil, s.sendFailed(err)
	}

	sender, err := loadActiveUser(ctx, s.users, senderID, apperror.CodeSenderNotFound, "Sender not found or inactive")
	if err != nil {
		return nil, s.sendFailed(err)
	}
	if sender.Points < models.SendCost {
		return nil, s.sendFailed(errInsufficientPoints())
	}

	receiver, err := s.users.SampleRecipient(ctx, sender.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.sendFailed(apperror.New(apperror.CodeNoRecipients, "No available recipients found"))
		}
		return nil, s.sendFailed(apperror.Wrap(apperror.CodeInternal, "Failed to send message", err))
	}

	debited, err := s.users.DebitPoints(ctx, sender.ID, models.SendCost)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientPoints) {
			return nil, s.sendFailed(errInsufficientPoints())
		}
		return nil, s.sendFailed(apperror.Wrap(apperror.CodeInternal, "Failed to send message", err))
	}

	now := s.now().UTC()
	msg := &models.Message{
		SenderID:   sender.ID,
		ReceiverID: receiver.ID,
		Content:    content,
		SentAt:     now,
		Replies:    []models.Reply{},
		ExpiresAt:  now.Add(models.MessageTTL),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		if _, cerr := s.users.CreditPoints(context.WithoutCancel(ctx), sender.ID, models.SendCost); cerr != nil {
			log.Error().Err(cerr).Str("user_id", sender.ID).Msg("Failed to refund send cost")
		}
		log.Error().Err(err).Str("sender_id", sender.ID).Str("receiver_id", receiver.ID).Msg("Failed to store message")
		return nil, s.sendFailed(apperror.Wrap(apperror.CodeSendFailed, "Failed to send message", err))
	}

	s.touch(ctx, sender.ID, now)
	s.publish(ctx, events.MessageReceived(receiver.ID, msg.ID, sender.AnonymousID, models.FormatTime(msg.SentAt)))
	metrics.MessagesSent.Inc()

	log.Info().
		Str("message_id", msg.ID).
		Str("sender_id", sender.ID).
		Str("receiver_id", receiver.ID).
		Msg("Message sent")

	return &SendResult{
		Message:             msg,
		ReceiverAnonymousID: receiver.AnonymousID,
		NewPoints:           debited.Points,
	}, nil
}

func errInsufficientPoints() error {
	return apperror.New(apperror.CodeInsufficientPoints, "Insufficient points. Need at least 3 points to send a message.")
}

func (s *MessageService) sendFailed(err error) error {
	metrics.SendFailures.WithLabelValues(string(apperror.CodeOf(err))).Inc()
	return err
}

// ReplyResult is the outcome of a successful reply
type ReplyResult struct {
	Reply     models.Reply
	NewPoints int
}

// Reply appends a reply to a message the caller received and credits the
// caller one point
func (s *MessageService) Reply(ctx context.Context, userID, messageID, content string) (*ReplyResult, error) {
	if messageID == "" || !s.messages.ValidID(messageID) {
		return nil, apperror.New(apperror.CodeInvalidMessageID, "Valid message ID is required")
	}
	content, err := s.validateContent(content, "Reply")
	if err != nil {
		return nil, err
	}

	user, err := loadActiveUser(ctx, s.users, userID, apperror.CodeUserNotFound, "User not found or inactive")
	if err != nil {
		return nil, err
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.New(apperror.CodeMessageNotFound, "Message not found")
		}
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to send reply", err)
	}
	if msg.ReceiverID != user.ID {
		return nil, apperror.New(apperror.CodeUnauthorizedReply, "You can only reply to messages you received")
	}

	credited, err := s.users.CreditPoints(ctx, user.ID, models.ReplyReward)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to send reply", err)
	}

	reply := models.Reply{Content: content, RepliedAt: s.now().UTC()}
	if err := s.messages.AppendReply(ctx, msg.ID, reply); err != nil {
		if _, derr := s.users.DebitPoints(context.WithoutCancel(ctx), user.ID, models.ReplyReward); derr != nil {
			log.Error().Err(derr).Str("user_id", user.ID).Msg("Failed to revert reply reward")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.New(apperror.CodeMessageNotFound, "Message not found")
		}
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to append reply")
		return nil, apperror.Wrap(apperror.CodeReplyFailed, "Failed to send reply", err)
	}

	s.touch(ctx, user.ID, reply.RepliedAt)
	s.publish(ctx, events.ReplyReceived(msg.SenderID, msg.ID, models.FormatTime(reply.RepliedAt)))
	metrics.RepliesPosted.Inc()

	log.Info().
		Str("message_id", msg.ID).
		Str("user_id", user.ID).
		Msg("Reply posted")

	return &ReplyResult{Reply: reply, NewPoints: credited.Points}, nil
}

// Page normalises listing parameters: page below 1 becomes 1, a
// non-positive limit becomes the default and large values are capped
func Page(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// Inbox lists received messages newest first and marks the served unread
// ones as read
func (s *MessageService) Inbox(ctx context.Context, userID string, page, limit int) (*models.MessagePage, error) {
	user, err := loadActiveUser(ctx, s.users, userID, apperror.CodeUserNotFound, "User not found or inactive")
	if err != nil {
		return nil, err
	}

	page, limit = Page(page, limit)
	filter := repository.MessageFilter{ReceiverID: user.ID}

	msgs, hasMore, err := s.listPage(ctx, filter, page, limit)
	if err != nil {
		return nil, err
	}

	var unread []string
	for _, m := range msgs {
		if !m.IsRead {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) > 0 {
		if err := s.messages.MarkRead(ctx, unread); err != nil {
			return nil, apperror.Wrap(apperror.CodeInternal, "Failed to fetch inbox", err)
		}
	}

	senderIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senderIDs = append(senderIDs, m.SenderID)
	}
	senders, err := s.users.GetByIDs(ctx, senderIDs)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to fetch inbox", err)
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := models.NewMessageView(m)
		v.IsRead = true
		if sender, ok := senders[m.SenderID]; ok {
			v.SenderAnonymousID = sender.AnonymousID
		}
		views = append(views, v)
	}

	total, err := s.messages.Count(ctx, filter)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to fetch inbox", err)
	}

	return &models.MessagePage{
		Messages:      views,
		HasMore:       hasMore,
		CurrentPage:   page,
		TotalMessages: total,
	}, nil
}

// Sent lists messages the caller sent, newest first
func (s *MessageService) Sent(ctx context.Context, userID string, page, limit int) (*models.MessagePage, error) {
	user, err := loadActiveUser(ctx, s.users, userID, apperror.CodeUserNotFound, "User not found or inactive")
	if err != nil {
		return nil, err
	}

	page, limit = Page(page, limit)
	filter := repository.MessageFilter{SenderID: user.ID}

	msgs, hasMore, err := s.listPage(ctx, filter, page, limit)
	if err != nil {
		return nil, err
	}

	receiverIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		receiverIDs = append(receiverIDs, m.ReceiverID)
	}
	receivers, err := s.users.GetByIDs(ctx, receiverIDs)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to fetch sent messages", err)
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := models.NewMessageView(m)
		v.SenderAnonymousID = user.AnonymousID
		if receiver, ok := receivers[m.ReceiverID]; ok {
			v.ReceiverAnonymousID = receiver.AnonymousID
		}
		views = append(views, v)
	}

	total, err := s.messages.Count(ctx, filter)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "Failed to fetch sent messages", err)
	}

	return &models.MessagePage{
		Messages:      views,
		HasMore:       hasMore,
		CurrentPage:   page,
		TotalMessages: total,
	}, nil
}

// listPage fetches one extra record to decide whether another page exists
func (s *MessageService) listPage(ctx context.Context, filter repository.MessageFilter, page, limit int) ([]*models.Message, bool, error) {
	msgs, err := s.messages.List(ctx, filter, (page-1)*limit, limit+1)
	if err != nil {
		return nil, false, apperror.Wrap(apperror.CodeInternal, "Failed to fetch messages", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// UnreadCount returns how many live received messages are unread
func (s *MessageService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	user, err := loadActiveUser(ctx, s.users, userID, apperror.CodeUserNotFound, "User not found or inactive")
	if err != nil {
		return 0, err
	}
	n, err := s.messages.CountUnread(ctx, user.ID)
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeInternal, "Failed to count unread messages", err)
	}
	return n, nil
}
