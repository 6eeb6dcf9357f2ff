package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peercall/internal/domain"
	"peercall/pkg/metrics"
)

// CallHistoryRepository persists immutable copies of terminal call records
// in CockroachDB. The live record lives in the shared store and is deleted
// shortly after the call ends; this table is what the history screen reads.
type CallHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewCallHistoryRepository creates a new CallHistoryRepository
func NewCallHistoryRepository(pool *pgxpool.Pool) *CallHistoryRepository {
	return &CallHistoryRepository{pool: pool}
}

// Archive stores one terminal call record. Both sides of a call may archive
// the same record when a hangup races the remote's teardown, so the insert
// is idempotent on call_id.
func (r *CallHistoryRepository) Archive(ctx context.Context, record *domain.CallRecord) error {
	query := `
		INSERT INTO call_history (
			call_id, caller_id, caller_name, receiver_id, receiver_name,
			call_type, status, created_at, accepted_at, ended_at, duration, ended_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id) DO NOTHING
	`

	start := time.Now()
	_, err := r.pool.Exec(ctx, query,
		record.CallID,
		record.CallerID,
		record.CallerName,
		record.ReceiverID,
		record.ReceiverName,
		record.Type,
		record.Status,
		record.CreatedAt,
		record.AcceptedAt,
		record.EndedAt,
		record.Duration,
		record.EndedBy,
	)
	metrics.RecordDBQuery("insert", "call_history", time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to archive call: %w", err)
	}

	return nil
}

// GetByID retrieves one archived call
func (r *CallHistoryRepository) GetByID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, caller_id, caller_name, receiver_id, receiver_name,
		       call_type, status, created_at, accepted_at, ended_at, duration, ended_by
		FROM call_history
		WHERE call_id = $1
	`

	record := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&record.CallID,
		&record.CallerID,
		&record.CallerName,
		&record.ReceiverID,
		&record.ReceiverName,
		&record.Type,
		&record.Status,
		&record.CreatedAt,
		&record.AcceptedAt,
		&record.EndedAt,
		&record.Duration,
		&record.EndedBy,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return record, nil
}

// GetUserCalls retrieves the call history for a user, newest first. The
// user appears as either side of the call.
func (r *CallHistoryRepository) GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, caller_id, caller_name, receiver_id, receiver_name,
		       call_type, status, created_at, accepted_at, ended_at, duration, ended_by
		FROM call_history
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.CallRecord, 0)
	for rows.Next() {
		record := &domain.CallRecord{}
		err := rows.Scan(
			&record.CallID,
			&record.CallerID,
			&record.CallerName,
			&record.ReceiverID,
			&record.ReceiverName,
			&record.Type,
			&record.Status,
			&record.CreatedAt,
			&record.AcceptedAt,
			&record.EndedAt,
			&record.Duration,
			&record.EndedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return records, nil
}

// CountMissed counts unanswered incoming calls for badge display
func (r *CallHistoryRepository) CountMissed(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM call_history
		WHERE receiver_id = $1 AND status = 'missed'
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count missed calls: %w", err)
	}

	return count, nil
}
