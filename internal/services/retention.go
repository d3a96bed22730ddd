package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ts03085781/silent-letter/internal/archive"
	"github.com/ts03085781/silent-letter/internal/metrics"
	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/repository"

	"github.com/rs/zerolog/log"
)

const archivePageSize = 200

// RetentionService reaps expired messages and users inactive beyond the
// retention horizon
type RetentionService struct {
	users     repository.UserRepository
	messages  repository.MessageRepository
	archiver  archive.Archiver
	horizon   time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionService creates a retention sweeper. A nil archiver skips
// archiving.
func NewRetentionService(users repository.UserRepository, messages repository.MessageRepository, archiver archive.Archiver, horizon time.Duration, batchSize int) *RetentionService {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetentionService{
		users:     users,
		messages:  messages,
		archiver:  archiver,
		horizon:   horizon,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SweepReport summarises one sweep
type SweepReport struct {
	ExpiredMessages  int64
	DeactivatedUsers int
	DeletedMessages  int64
}

// Sweep deletes expired messages, then deactivates users whose last
// activity predates the horizon, archiving and deleting their messages
func (s *RetentionService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now().UTC()

	expired, err := s.messages.DeleteExpired(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	report.ExpiredMessages = expired
	metrics.RetentionReaped.WithLabelValues("expired_message").Add(float64(expired))

	cutoff := now.Add(-s.horizon)
	for {
		batch, err := s.users.ListInactive(ctx, cutoff, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list inactive users: %w", err)
		}

		progressed := 0
		for _, user := range batch {
			deleted, ok, err := s.reapUser(ctx, user, cutoff)
			if err != nil {
				log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to reap inactive user")
				continue
			}
			if !ok {
				continue
			}
			progressed++
			report.DeactivatedUsers++
			report.DeletedMessages += deleted
		}

		if len(batch) < s.batchSize || progressed == 0 {
			break
		}
	}

	metrics.RetentionReaped.WithLabelValues("user").Add(float64(report.DeactivatedUsers))
	metrics.RetentionReaped.WithLabelValues("user_message").Add(float64(report.DeletedMessages))
	return report, nil
}

// reapUser archives the user's messages, deactivates the user if still
// inactive and deletes the messages. Archiving runs first so that a failed
// upload leaves the user eligible for the next sweep.
func (s *RetentionService) reapUser(ctx context.Context, user *models.User, cutoff time.Time) (int64, bool, error) {
	msgs, err := s.participantMessages(ctx, user.ID)
	if err != nil {
		return 0, false, err
	}
	if len(msgs) > 0 {
		if err := s.archiver.ArchiveUser(ctx, user, msgs); err != nil {
			return 0, false, err
		}
	}

	ok, err := s.users.Deactivate(ctx, user.ID, cutoff)
	if err != nil || !ok {
		return 0, false, err
	}

	deleted, err := s.messages.DeleteByParticipant(ctx, user.ID)
	if err != nil {
		return 0, true, fmt.Errorf("failed to delete messages: %w", err)
	}

	log.Info().
		Str("user_id", user.ID).
		Int64("messages_deleted", deleted).
		Msg("Inactive user reaped")
	return deleted, true, nil
}

func (s *RetentionService) participantMessages(ctx context.Context, userID string) ([]*models.Message, error) {
	filter := repository.MessageFilter{ParticipantID: userID}
	var all []*models.Message
	for skip := 0; ; skip += archivePageSize {
		page, err := s.messages.List(ctx, filter, skip, archivePageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		all = append(all, page...)
		if len(page) < archivePageSize {
			return all, nil
		}
	}
}

// Run sweeps every interval until ctx is cancelled
func (s *RetentionService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Retention sweep failed")
		} else {
			log.Info().
				Int64("expired_messages", report.ExpiredMessages).
				Int("deactivated_users", report.DeactivatedUsers).
				Int64("deleted_messages", report.DeletedMessages).
				Msg("Retention sweep finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
