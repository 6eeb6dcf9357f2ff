// Package signaling wraps the shared record store and signal log into the
// channel both peers use to coordinate one call: merge-writes on the call
// record, append-only signal entries, and change subscriptions. Any write
// may be observed by any other subscriber with no ordering guarantee
// relative to writes on a different call.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/store"
	"peercall/pkg/metrics"
)

// Channel is the signaling transport for call records and negotiation
// messages, keyed by call ID.
type Channel struct {
	records store.RecordStore
	signals store.SignalLog
	log     *zap.Logger
}

// NewChannel creates a signaling channel over the given store ports
func NewChannel(records store.RecordStore, signals store.SignalLog, log *zap.Logger) *Channel {
	return &Channel{records: records, signals: signals, log: log}
}

// Write merges fields into the call record, creating it if absent
func (c *Channel) Write(ctx context.Context, callID string, fields map[string]string) error {
	return c.records.Merge(ctx, callID, fields)
}

// Read returns the current call record
func (c *Channel) Read(ctx context.Context, callID string) (*domain.CallRecord, error) {
	return c.records.Get(ctx, callID)
}

// Subscribe delivers the full record on every change until ctx is done
func (c *Channel) Subscribe(ctx context.Context, callID string) (<-chan *domain.CallRecord, error) {
	updates, err := c.records.Watch(ctx, callID)
	if err != nil {
		return nil, err
	}
	metrics.CallRecordWatchersActive.Inc()
	go func() {
		<-ctx.Done()
		metrics.CallRecordWatchersActive.Dec()
	}()
	return updates, nil
}

// SubscribeIncoming delivers the set of ringing records addressed to
// receiverID, re-evaluated on every store change
func (c *Channel) SubscribeIncoming(ctx context.Context, receiverID string) (<-chan []*domain.CallRecord, error) {
	return c.records.WatchIncoming(ctx, receiverID)
}

// AppendSignal writes a new, uniquely keyed signal entry. Prior entries are
// never overwritten and write order is preserved.
func (c *Channel) AppendSignal(ctx context.Context, callID string, role domain.SignalRole, kind domain.SignalKind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	msg := &domain.SignalMessage{
		ID:         uuid.New().String(),
		CallID:     callID,
		SenderRole: role,
		Kind:       kind,
		Payload:    raw,
		SentAt:     time.Now().UTC(),
	}
	if err := c.signals.Append(ctx, callID, msg); err != nil {
		metrics.CallSignalAppendedTotal.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("failed to append %s signal: %w", kind, err)
	}
	metrics.CallSignalAppendedTotal.WithLabelValues(string(kind), "ok").Inc()
	return nil
}

// SubscribeSignals delivers every signal entry for callID, old and new,
// except those authored by ignoreRole. Both peers tail the same log, so
// each consumer suppresses its own echo here.
func (c *Channel) SubscribeSignals(ctx context.Context, callID string, ignoreRole domain.SignalRole) (<-chan *domain.SignalMessage, error) {
	in, err := c.signals.WatchSignals(ctx, callID)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.SignalMessage, 64)
	go func() {
		defer close(out)
		for msg := range in {
			if msg.SenderRole == ignoreRole {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Remove deletes the call record and its signal entries. Idempotent; safe
// to call for a record that was already removed by the other side.
func (c *Channel) Remove(ctx context.Context, callID string) error {
	if err := c.records.Delete(ctx, callID); err != nil {
		return fmt.Errorf("failed to delete call record: %w", err)
	}
	if err := c.signals.Purge(ctx, callID); err != nil {
		return fmt.Errorf("failed to purge signals: %w", err)
	}
	return nil
}
