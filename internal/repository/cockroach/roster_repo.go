package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peercall/internal/domain"
)

// RosterRepository resolves callable peers and their blocking relationships
// in CockroachDB
type RosterRepository struct {
	pool *pgxpool.Pool
}

// NewRosterRepository creates a new RosterRepository
func NewRosterRepository(pool *pgxpool.Pool) *RosterRepository {
	return &RosterRepository{pool: pool}
}

// GetUser retrieves a user by ID
func (r *RosterRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name, avatar_url
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.UserID,
		&user.DisplayName,
		&user.AvatarURL,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// IsBlocked checks whether a blocking relationship exists in either
// direction between two users. Calls are refused both ways.
func (r *RosterRepository) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM blocked_users
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)
	`

	var exists bool
	err := r.pool.QueryRow(ctx, query, userID, otherID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is blocked: %w", err)
	}

	return exists, nil
}

// BlockUser blocks another user
func (r *RosterRepository) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	query := `
		INSERT INTO blocked_users (blocker_id, blocked_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (blocker_id, blocked_id) DO UPDATE SET created_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}

	return nil
}

// UnblockUser removes a blocking relationship
func (r *RosterRepository) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	query := `
		DELETE FROM blocked_users
		WHERE blocker_id = $1 AND blocked_id = $2
	`

	cmdTag, err := r.pool.Exec(ctx, query, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("blocked user relationship not found")
	}

	return nil
}
