package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"peercall/internal/domain"
	"peercall/pkg/metrics"
)

// ChatEventRepository appends call lifecycle events to the chat timeline in
// Cassandra. Rows are bucketed by month so one chat's partition never grows
// without bound.
type ChatEventRepository struct {
	session *gocql.Session
}

// NewChatEventRepository creates a new ChatEventRepository
func NewChatEventRepository(session *gocql.Session) *ChatEventRepository {
	return &ChatEventRepository{session: session}
}

// bucketFor maps a timestamp to its monthly partition bucket (YYYYMM)
func bucketFor(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// AppendEvent inserts one call event into the chat timeline
func (r *ChatEventRepository) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO call_events (
			chat_id, bucket, event_id, call_id, from_user_id, to_user_id,
			event_type, call_type, duration, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	start := time.Now()
	err := r.session.Query(query,
		event.ChatID,
		bucketFor(event.CreatedAt),
		uuid.New(),
		event.CallID,
		event.FromUserID,
		event.ToUserID,
		string(event.Type),
		string(event.CallType),
		event.Duration,
		event.CreatedAt,
	).WithContext(ctx).Exec()

	if err != nil {
		metrics.RecordCassandraQuery("insert", "call_events", "error", time.Since(start))
		return fmt.Errorf("failed to append call event: %w", err)
	}

	metrics.RecordCassandraQuery("insert", "call_events", "success", time.Since(start))
	return nil
}

// GetByChat retrieves call events for a chat within one monthly bucket,
// newest first, with cursor-based pagination
func (r *ChatEventRepository) GetByChat(ctx context.Context, chatID string, bucket, limit int, pageState []byte) ([]*domain.CallEvent, []byte, error) {
	query := `
		SELECT call_id, from_user_id, to_user_id, event_type, call_type,
		       duration, created_at
		FROM call_events
		WHERE chat_id = ? AND bucket = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	iter := r.session.Query(query, chatID, bucket, limit).
		WithContext(ctx).
		PageState(pageState).
		Iter()

	var events []*domain.CallEvent
	for {
		event := &domain.CallEvent{ChatID: chatID}
		var eventType, callType string
		if !iter.Scan(
			&event.CallID,
			&event.FromUserID,
			&event.ToUserID,
			&eventType,
			&callType,
			&event.Duration,
			&event.CreatedAt,
		) {
			break
		}
		event.Type = domain.CallEventType(eventType)
		event.CallType = domain.CallType(callType)
		events = append(events, event)
	}

	nextPageState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch call events: %w", err)
	}

	return events, nextPageState, nil
}

// GetRecent retrieves call events from the current monthly bucket, the
// common case for rendering a chat
func (r *ChatEventRepository) GetRecent(ctx context.Context, chatID string, limit int) ([]*domain.CallEvent, error) {
	events, _, err := r.GetByChat(ctx, chatID, bucketFor(time.Now()), limit, nil)
	return events, err
}
