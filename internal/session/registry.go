// Package session is the CRUD layer over shared call records: create a
// ringing call, accept, decline, end with a final status, and watch for
// calls addressed to a user. Terminal records are archived to call history
// and deleted after a short grace delay so the other side's subscription
// can observe the terminal state first.
package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/signaling"
)

// deleteTimeout bounds the deferred record deletion
const deleteTimeout = 5 * time.Second

// HistoryArchiver stores an immutable copy of a terminal call record
type HistoryArchiver interface {
	Archive(ctx context.Context, record *domain.CallRecord) error
}

// ChatNotifier appends a call lifecycle event to the external chat log.
// Delivery is best effort; the registry swallows failures.
type ChatNotifier interface {
	AppendEvent(ctx context.Context, event *domain.CallEvent) error
}

// Registry manages the lifecycle of shared call records
type Registry struct {
	channel    *signaling.Channel
	history    HistoryArchiver // nil when history persistence is degraded
	chat       ChatNotifier    // nil when the chat log is degraded
	clock      clock.Clock
	graceDelay time.Duration
	log        *zap.Logger
}

// NewRegistry creates a call session registry
func NewRegistry(channel *signaling.Channel, history HistoryArchiver, chat ChatNotifier, clk clock.Clock, graceDelay time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		channel:    channel,
		history:    history,
		chat:       chat,
		clock:      clk,
		graceDelay: graceDelay,
		log:        log,
	}
}

// Create writes a new ringing call record and returns it
func (r *Registry) Create(ctx context.Context, callType domain.CallType, callerID, callerName, receiverID, receiverName string) (*domain.CallRecord, error) {
	now := r.clock.Now().UTC()
	record := &domain.CallRecord{
		CallID:       domain.NewCallID(callerID, receiverID, now),
		CallerID:     callerID,
		CallerName:   callerName,
		ReceiverID:   receiverID,
		ReceiverName: receiverName,
		Type:         callType,
		Status:       domain.CallStatusRinging,
		CreatedAt:    now,
	}

	if err := r.channel.Write(ctx, record.CallID, record.Fields()); err != nil {
		return nil, err
	}
	r.log.Info("call created",
		zap.String("call_id", record.CallID),
		zap.String("caller_id", callerID),
		zap.String("receiver_id", receiverID),
		zap.String("type", string(callType)))
	return record, nil
}

// Accept marks the call accepted by the receiver
func (r *Registry) Accept(ctx context.Context, callID, receiverID string) error {
	now := r.clock.Now().UTC()
	err := r.channel.Write(ctx, callID, map[string]string{
		domain.FieldStatus:     string(domain.CallStatusAccepted),
		domain.FieldAcceptedAt: millis(now),
	})
	if err != nil {
		return err
	}
	r.log.Info("call accepted",
		zap.String("call_id", callID),
		zap.String("receiver_id", receiverID))
	return nil
}

// Decline marks the call declined and schedules record deletion after the
// grace delay, letting the caller's subscription observe the terminal
// state first
func (r *Registry) Decline(ctx context.Context, callID, receiverID string) error {
	now := r.clock.Now().UTC()
	err := r.channel.Write(ctx, callID, map[string]string{
		domain.FieldStatus:     string(domain.CallStatusDeclined),
		domain.FieldDeclinedAt: millis(now),
		domain.FieldEndedBy:    receiverID,
	})
	if err != nil {
		return err
	}
	r.log.Info("call declined",
		zap.String("call_id", callID),
		zap.String("receiver_id", receiverID))
	r.scheduleDelete(callID)
	return nil
}

// End writes the terminal status with duration and endedBy, archives an
// immutable copy into call history, and schedules record deletion.
// Returns domain.ErrCallNotFound when the record was already removed by
// the other side.
func (r *Registry) End(ctx context.Context, callID, userID string, durationSeconds int, final domain.CallStatus) error {
	record, err := r.channel.Read(ctx, callID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		// The other side already finalized this record; keep its terminal
		// write intact.
		return nil
	}

	now := r.clock.Now().UTC()
	fields := map[string]string{
		domain.FieldStatus:  string(final),
		domain.FieldEndedAt: millis(now),
		domain.FieldEndedBy: userID,
	}
	if durationSeconds > 0 {
		record.Duration = durationSeconds
		fields[domain.FieldDuration] = strconv.Itoa(durationSeconds)
	}
	if err := r.channel.Write(ctx, callID, fields); err != nil {
		return err
	}

	record.Status = final
	record.EndedAt = &now
	record.EndedBy = userID
	r.archive(ctx, record)

	r.log.Info("call ended",
		zap.String("call_id", callID),
		zap.String("ended_by", userID),
		zap.String("status", string(final)),
		zap.Int("duration", durationSeconds))
	r.scheduleDelete(callID)
	return nil
}

// ListenIncoming subscribes to ringing calls addressed to userID
func (r *Registry) ListenIncoming(ctx context.Context, userID string) (<-chan []*domain.CallRecord, error) {
	return r.channel.SubscribeIncoming(ctx, userID)
}

// Watch subscribes to state changes of one call record
func (r *Registry) Watch(ctx context.Context, callID string) (<-chan *domain.CallRecord, error) {
	return r.channel.Subscribe(ctx, callID)
}

// Notify appends one event to the external chat log. Best effort and
// non-blocking for the caller's control flow: failures are logged and
// swallowed because the user-facing remedy is the same either way.
func (r *Registry) Notify(ctx context.Context, event *domain.CallEvent) {
	if r.chat == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.clock.Now().UTC()
	}
	if err := r.chat.AppendEvent(ctx, event); err != nil {
		r.log.Warn("failed to append chat event",
			zap.String("call_id", event.CallID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func (r *Registry) archive(ctx context.Context, record *domain.CallRecord) {
	if r.history == nil {
		return
	}
	if err := r.history.Archive(ctx, record); err != nil {
		r.log.Warn("failed to archive call",
			zap.String("call_id", record.CallID),
			zap.Error(err))
	}
}

// scheduleDelete removes the record and its signal entries after the grace
// delay. Late deletion races are harmless: removal is idempotent.
func (r *Registry) scheduleDelete(callID string) {
	r.clock.AfterFunc(r.graceDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		if err := r.channel.Remove(ctx, callID); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			r.log.Warn("failed to delete call record",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	})
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
