package orchestrator

import (
	"context"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
)

// PeerManager is the slice of the peer connection manager the orchestrator
// drives. *peer.Manager satisfies it; tests substitute a fake.
type PeerManager interface {
	Initialize(ctx context.Context, callID string, initiator bool, callType domain.CallType) (media.Stream, error)
	ToggleMute() bool
	ToggleVideo() bool
	SwitchCamera(ctx context.Context) error
	Teardown()
}

// PeerFactory builds one PeerManager per call attempt with the lifecycle
// callbacks registered exactly once. A fresh manager per attempt is what
// prevents double registration across fast cancel-and-retry sequences.
type PeerFactory func(cb peer.Callbacks) PeerManager

// Roster supplies peer identity and the blocking relationship that gates
// call initiation. Identity storage itself lives outside the call core.
type Roster interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// IsBlocked reports whether a blocking relationship exists in either
	// direction between the two users.
	IsBlocked(ctx context.Context, userID, otherID string) (bool, error)
}

// Ringer controls the local ringtone. Playback itself is a UI concern; the
// orchestrator only owns when it starts and stops.
type Ringer interface {
	Start(incoming bool)
	Stop()
}

// NopRinger is the default no-op ringtone
type NopRinger struct{}

func (NopRinger) Start(bool) {}
func (NopRinger) Stop()      {}
