package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, anonymous_id, points, created_at, last_active_at, is_active,
	last_daily_reward_date, total_daily_rewards_earned`

// sampleAttempts bounds retries when the candidate set shrinks between
// counting and fetching
const sampleAttempts = 3

// userRepository handles database operations for users
type userRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new PostgreSQL user repository
func NewUserRepository(db *pgxpool.Pool) UserRepository {
	return &userRepository{db: db}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID, &user.AnonymousID, &user.Points, &user.CreatedAt, &user.LastActiveAt,
		&user.IsActive, &user.LastDailyRewardDate, &user.TotalDailyRewardsEarned,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Create creates a new user
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	query := `
		INSERT INTO users (id, anonymous_id, points, created_at, last_active_at, is_active, total_daily_rewards_earned)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		user.ID, user.AnonymousID, user.Points, user.CreatedAt, user.LastActiveAt,
		user.IsActive, user.TotalDailyRewardsEarned,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create user: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

// GetByAnonymousID retrieves a user by anonymous handle
func (r *userRepository) GetByAnonymousID(ctx context.Context, anonymousID string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE anonymous_id = $1`, anonymousID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get user by anonymous id: %w", err)
	}
	return user, err
}

// GetByIDs retrieves several users at once
func (r *userRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*models.User, error) {
	users := make(map[string]*models.User, len(ids))
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return users, nil
	}

	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// TouchActivity records the latest activity time
func (r *userRepository) TouchActivity(ctx context.Context, id string, at time.Time) (*models.User, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	query := `UPDATE users SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1 RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRow(ctx, query, id, at))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to update activity: %w", err)
	}
	return user, err
}

// DebitPoints atomically subtracts points when the balance allows it
func (r *userRepository) DebitPoints(ctx context.Context, id string, amount int) (*models.User, error) {
	if !validUUID(id) {
		return nil, ErrInsufficientPoints
	}
	query := `
		UPDATE users SET points = points - $2
		WHERE id = $1 AND is_active AND points >= $2
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRow(ctx, query, id, amount))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInsufficientPoints
		}
		return nil, fmt.Errorf("failed to debit points: %w", err)
	}
	return user, nil
}

// CreditPoints atomically adds points
func (r *userRepository) CreditPoints(ctx context.Context, id string, amount int) (*models.User, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	query := `UPDATE users SET points = points + $2 WHERE id = $1 RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRow(ctx, query, id, amount))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to credit points: %w", err)
	}
	return user, err
}

// ClaimDailyReward applies the reward at most once per calendar day
func (r *userRepository) ClaimDailyReward(ctx context.Context, id string, now, dayStart time.Time, amount int) (*models.User, bool, error) {
	if !validUUID(id) {
		return nil, false, ErrNotFound
	}
	query := `
		UPDATE users
		SET points = points + $4,
			last_daily_reward_date = $2,
			total_daily_rewards_earned = total_daily_rewards_earned + 1
		WHERE id = $1 AND is_active
			AND (last_daily_reward_date IS NULL OR last_daily_reward_date < $3)
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRow(ctx, query, id, now, dayStart, amount))
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to claim daily reward: %w", err)
	}

	user, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

// SampleRecipient picks a uniformly random active user other than excludeID
func (r *userRepository) SampleRecipient(ctx context.Context, excludeID string) (*models.User, error) {
	countQuery := `SELECT COUNT(*) FROM users WHERE is_active AND id <> $1`
	pickQuery := `SELECT ` + userColumns + ` FROM users WHERE is_active AND id <> $1 ORDER BY id OFFSET $2 LIMIT 1`

	exclude := excludeID
	if !validUUID(exclude) {
		exclude = uuid.Nil.String()
	}

	for attempt := 0; attempt < sampleAttempts; attempt++ {
		var total int
		if err := r.db.QueryRow(ctx, countQuery, exclude).Scan(&total); err != nil {
			return nil, fmt.Errorf("failed to count recipients: %w", err)
		}
		if total == 0 {
			return nil, ErrNotFound
		}

		user, err := scanUser(r.db.QueryRow(ctx, pickQuery, exclude, rand.IntN(total)))
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to sample recipient: %w", err)
		}
	}
	return nil, ErrNotFound
}

// ListInactive returns active users whose last activity is before cutoff
func (r *userRepository) ListInactive(ctx context.Context, cutoff time.Time, limit int) ([]*models.User, error) {
	query := `
		SELECT ` + userColumns + ` FROM users
		WHERE is_active AND last_active_at < $1
		ORDER BY last_active_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inactive users: %w", err)
	}
	return users, nil
}

// Deactivate soft-deletes a user that is still inactive
func (r *userRepository) Deactivate(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	if !validUUID(id) {
		return false, nil
	}
	query := `UPDATE users SET is_active = FALSE WHERE id = $1 AND is_active AND last_active_at < $2`
	result, err := r.db.Exec(ctx, query, id, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate user: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
