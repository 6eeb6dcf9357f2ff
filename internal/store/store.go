// Package store defines the ports to the shared call-record store and the
// append-only signal log. Implementations provide eventual delivery of
// changes; there are no ordering guarantees across different call IDs and
// no transactions across keys.
package store

import (
	"context"

	"peercall/internal/domain"
)

// RecordStore is a shared mutable record store keyed by call ID with
// field-level last-write-wins merge and change notification.
type RecordStore interface {
	// Merge writes fields into the record, creating it if absent.
	// Unmentioned fields are left untouched.
	Merge(ctx context.Context, callID string, fields map[string]string) error

	// Get reads the full record, or domain.ErrCallNotFound.
	Get(ctx context.Context, callID string) (*domain.CallRecord, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, callID string) error

	// Watch delivers a full-record snapshot on every change to callID until
	// ctx is done. The channel is closed on cancellation.
	Watch(ctx context.Context, callID string) (<-chan *domain.CallRecord, error)

	// WatchIncoming delivers the current set of ringing records addressed to
	// receiverID, re-evaluated on every store change.
	WatchIncoming(ctx context.Context, receiverID string) (<-chan []*domain.CallRecord, error)
}

// SignalLog is a write-once, ordered log of signal messages scoped per call.
type SignalLog interface {
	// Append writes a new uniquely keyed entry. Prior entries are never
	// overwritten and write order is preserved.
	Append(ctx context.Context, callID string, msg *domain.SignalMessage) error

	// WatchSignals replays every existing entry for callID in order, then
	// delivers new entries live until ctx is done. Consumers must be
	// idempotent.
	WatchSignals(ctx context.Context, callID string) (<-chan *domain.SignalMessage, error)

	// Purge removes all entries for callID. Idempotent.
	Purge(ctx context.Context, callID string) error
}
