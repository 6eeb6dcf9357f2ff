// Package memory provides an in-process implementation of the record store
// and signal log. It backs tests and single-host development, and is the
// fallback when Redis is unreachable at agent startup.
package memory

import (
	"context"
	"sort"
	"sync"

	"peercall/internal/domain"
)

const watchBuffer = 256

// Store implements store.RecordStore and store.SignalLog in process memory
type Store struct {
	mu sync.Mutex

	records map[string]map[string]string
	signals map[string][]*domain.SignalMessage

	recordWatchers   map[string][]*recordWatcher
	incomingWatchers map[string][]*incomingWatcher
	signalWatchers   map[string][]*signalWatcher
}

type recordWatcher struct {
	callID string
	ch     chan *domain.CallRecord
}

type incomingWatcher struct {
	receiverID string
	ch         chan []*domain.CallRecord
}

type signalWatcher struct {
	callID string
	ch     chan *domain.SignalMessage
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		records:          make(map[string]map[string]string),
		signals:          make(map[string][]*domain.SignalMessage),
		recordWatchers:   make(map[string][]*recordWatcher),
		incomingWatchers: make(map[string][]*incomingWatcher),
		signalWatchers:   make(map[string][]*signalWatcher),
	}
}

// Merge writes fields into the record, creating it if absent
func (s *Store) Merge(ctx context.Context, callID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		rec = make(map[string]string, len(fields))
		s.records[callID] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}

	s.notifyRecordLocked(callID)
	s.notifyIncomingLocked()
	return nil
}

// Get reads the full record
func (s *Store) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.records[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return domain.RecordFromFields(callID, copyFields(fields)), nil
}

// Delete removes the record. Absent records are a no-op.
func (s *Store) Delete(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[callID]; !ok {
		return nil
	}
	delete(s.records, callID)
	s.notifyIncomingLocked()
	return nil
}

// Watch delivers a record snapshot on every change until ctx is done
func (s *Store) Watch(ctx context.Context, callID string) (<-chan *domain.CallRecord, error) {
	w := &recordWatcher{callID: callID, ch: make(chan *domain.CallRecord, watchBuffer)}

	s.mu.Lock()
	s.recordWatchers[callID] = append(s.recordWatchers[callID], w)
	// Deliver the current state immediately so late subscribers converge.
	if fields, ok := s.records[callID]; ok {
		w.ch <- domain.RecordFromFields(callID, copyFields(fields))
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.recordWatchers[callID] = removeWatcher(s.recordWatchers[callID], w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// WatchIncoming delivers the ringing records addressed to receiverID,
// re-evaluated on every store change
func (s *Store) WatchIncoming(ctx context.Context, receiverID string) (<-chan []*domain.CallRecord, error) {
	w := &incomingWatcher{receiverID: receiverID, ch: make(chan []*domain.CallRecord, watchBuffer)}

	s.mu.Lock()
	s.incomingWatchers[receiverID] = append(s.incomingWatchers[receiverID], w)
	w.ch <- s.ringingForLocked(receiverID)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.incomingWatchers[receiverID] = removeWatcher(s.incomingWatchers[receiverID], w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// Append writes a new signal entry, preserving write order
func (s *Store) Append(ctx context.Context, callID string, msg *domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals[callID] = append(s.signals[callID], msg)
	for _, w := range s.signalWatchers[callID] {
		send(w.ch, msg)
	}
	return nil
}

// WatchSignals replays existing entries in order, then delivers live ones.
// It satisfies store.SignalLog's Watch; the name differs from the record
// Watch because Store implements both ports.
func (s *Store) WatchSignals(ctx context.Context, callID string) (<-chan *domain.SignalMessage, error) {
	w := &signalWatcher{callID: callID, ch: make(chan *domain.SignalMessage, watchBuffer)}

	s.mu.Lock()
	for _, msg := range s.signals[callID] {
		send(w.ch, msg)
	}
	s.signalWatchers[callID] = append(s.signalWatchers[callID], w)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.signalWatchers[callID] = removeWatcher(s.signalWatchers[callID], w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// Purge removes all signal entries for callID
func (s *Store) Purge(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, callID)
	return nil
}

func (s *Store) notifyRecordLocked(callID string) {
	fields, ok := s.records[callID]
	if !ok {
		return
	}
	for _, w := range s.recordWatchers[callID] {
		send(w.ch, domain.RecordFromFields(callID, copyFields(fields)))
	}
}

func (s *Store) notifyIncomingLocked() {
	for receiverID, watchers := range s.incomingWatchers {
		if len(watchers) == 0 {
			continue
		}
		ringing := s.ringingForLocked(receiverID)
		for _, w := range watchers {
			send(w.ch, ringing)
		}
	}
}

func (s *Store) ringingForLocked(receiverID string) []*domain.CallRecord {
	ringing := make([]*domain.CallRecord, 0, 1)
	for callID, fields := range s.records {
		if fields[domain.FieldReceiverID] != receiverID {
			continue
		}
		if domain.CallStatus(fields[domain.FieldStatus]) != domain.CallStatusRinging {
			continue
		}
		ringing = append(ringing, domain.RecordFromFields(callID, copyFields(fields)))
	}
	sort.Slice(ringing, func(i, j int) bool {
		return ringing[i].CreatedAt.Before(ringing[j].CreatedAt)
	})
	return ringing
}

// send never blocks the store; a watcher that stopped draining loses the
// oldest pending notification first.
func send[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func removeWatcher[T comparable](watchers []T, target T) []T {
	for i, w := range watchers {
		if w == target {
			return append(watchers[:i], watchers[i+1:]...)
		}
	}
	return watchers
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
