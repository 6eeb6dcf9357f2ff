// Package redis implements the shared call-record store and signal log on
// Redis. A call record is a hash with field-level last-write-wins merge,
// change notification rides pub/sub, and the signal log is a stream so
// entries are append-only and ordered.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall/internal/domain"
)

const (
	recordKeyPrefix   = "call:record:"
	changesKeyPrefix  = "call:changes:"
	changesAllChannel = "call:changes"
	ringingKeyPrefix  = "call:ringing:"
	signalsKeyPrefix  = "call:signals:"

	// signalBlock bounds each XREAD so watchers notice context cancellation
	signalBlock = 2 * time.Second

	watchBuffer = 256
)

// Store implements store.RecordStore and store.SignalLog on Redis
type Store struct {
	client *redis.Client
	log    *zap.Logger
}

// New creates a Redis-backed store
func New(client *redis.Client, log *zap.Logger) *Store {
	return &Store{client: client, log: log}
}

// Merge writes fields into the call record hash and publishes the change.
// The ringing index for the receiver is maintained alongside so incoming
// watchers can re-evaluate cheaply.
func (s *Store) Merge(ctx context.Context, callID string, fields map[string]string) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := s.client.HSet(ctx, recordKeyPrefix+callID, args).Err(); err != nil {
		return fmt.Errorf("failed to merge call record: %w", err)
	}

	if err := s.updateRingingIndex(ctx, callID); err != nil {
		return err
	}
	return s.publishChange(ctx, callID)
}

// Get reads the full record hash
func (s *Store) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKeyPrefix+callID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call record: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrCallNotFound
	}
	return domain.RecordFromFields(callID, fields), nil
}

// Delete removes the record, its ringing index entry, and notifies watchers
func (s *Store) Delete(ctx context.Context, callID string) error {
	// Read the receiver first so the index entry can be dropped too.
	receiverID, err := s.client.HGet(ctx, recordKeyPrefix+callID, domain.FieldReceiverID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read call record for delete: %w", err)
	}

	if err := s.client.Del(ctx, recordKeyPrefix+callID).Err(); err != nil {
		return fmt.Errorf("failed to delete call record: %w", err)
	}
	if receiverID != "" {
		if err := s.client.SRem(ctx, ringingKeyPrefix+receiverID, callID).Err(); err != nil {
			return fmt.Errorf("failed to update ringing index: %w", err)
		}
	}
	return s.publishChange(ctx, callID)
}

// Watch subscribes to record changes for callID and emits full snapshots
func (s *Store) Watch(ctx context.Context, callID string) (<-chan *domain.CallRecord, error) {
	pubsub := s.client.Subscribe(ctx, changesKeyPrefix+callID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to call changes: %w", err)
	}

	out := make(chan *domain.CallRecord, watchBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		// Current state first so late subscribers converge.
		if rec, err := s.Get(ctx, callID); err == nil {
			out <- rec
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				if msg == nil {
					return
				}
				rec, err := s.Get(ctx, callID)
				if err != nil {
					// Deleted records produce no snapshot; watchers act on
					// the terminal status they already observed.
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// WatchIncoming re-evaluates the set of ringing records addressed to
// receiverID on every store change
func (s *Store) WatchIncoming(ctx context.Context, receiverID string) (<-chan []*domain.CallRecord, error) {
	pubsub := s.client.Subscribe(ctx, changesAllChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to call changes: %w", err)
	}

	out := make(chan []*domain.CallRecord, watchBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		emit := func() bool {
			ringing, err := s.ringingFor(ctx, receiverID)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("failed to evaluate incoming calls",
						zap.String("receiver_id", receiverID),
						zap.Error(err))
				}
				return ctx.Err() == nil
			}
			select {
			case out <- ringing:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				if msg == nil {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Append adds a signal entry to the call's stream
func (s *Store) Append(ctx context.Context, callID string, msg *domain.SignalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode signal message: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: signalsKeyPrefix + callID,
		Values: map[string]interface{}{"message": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

// WatchSignals replays the stream from the beginning, then tails it live
func (s *Store) WatchSignals(ctx context.Context, callID string) (<-chan *domain.SignalMessage, error) {
	out := make(chan *domain.SignalMessage, watchBuffer)
	stream := signalsKeyPrefix + callID

	go func() {
		defer close(out)

		lastID := "0"
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   signalBlock,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue // block timeout, re-check ctx
				}
				if ctx.Err() == nil {
					s.log.Warn("signal stream read failed",
						zap.String("call_id", callID),
						zap.Error(err))
				}
				return
			}
			for _, str := range res {
				for _, entry := range str.Messages {
					lastID = entry.ID
					raw, ok := entry.Values["message"].(string)
					if !ok {
						continue
					}
					var msg domain.SignalMessage
					if err := json.Unmarshal([]byte(raw), &msg); err != nil {
						s.log.Warn("failed to decode signal message",
							zap.String("call_id", callID),
							zap.Error(err))
						continue
					}
					select {
					case out <- &msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Purge drops the call's signal stream
func (s *Store) Purge(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, signalsKeyPrefix+callID).Err(); err != nil {
		return fmt.Errorf("failed to purge signals: %w", err)
	}
	return nil
}

func (s *Store) publishChange(ctx context.Context, callID string) error {
	if err := s.client.Publish(ctx, changesKeyPrefix+callID, callID).Err(); err != nil {
		return fmt.Errorf("failed to publish call change: %w", err)
	}
	if err := s.client.Publish(ctx, changesAllChannel, callID).Err(); err != nil {
		return fmt.Errorf("failed to publish call change: %w", err)
	}
	return nil
}

func (s *Store) updateRingingIndex(ctx context.Context, callID string) error {
	rec, err := s.client.HMGet(ctx, recordKeyPrefix+callID,
		domain.FieldReceiverID, domain.FieldStatus).Result()
	if err != nil {
		return fmt.Errorf("failed to read ringing index fields: %w", err)
	}
	receiverID, _ := rec[0].(string)
	status, _ := rec[1].(string)
	if receiverID == "" {
		return nil
	}

	key := ringingKeyPrefix + receiverID
	if domain.CallStatus(status) == domain.CallStatusRinging {
		err = s.client.SAdd(ctx, key, callID).Err()
	} else {
		err = s.client.SRem(ctx, key, callID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update ringing index: %w", err)
	}
	return nil
}

func (s *Store) ringingFor(ctx context.Context, receiverID string) ([]*domain.CallRecord, error) {
	callIDs, err := s.client.SMembers(ctx, ringingKeyPrefix+receiverID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ringing calls: %w", err)
	}

	ringing := make([]*domain.CallRecord, 0, len(callIDs))
	for _, callID := range callIDs {
		rec, err := s.Get(ctx, callID)
		if err != nil {
			continue // deleted between SMEMBERS and HGETALL
		}
		if rec.Status != domain.CallStatusRinging || rec.ReceiverID != receiverID {
			continue
		}
		ringing = append(ringing, rec)
	}
	return ringing, nil
}
