// Package media defines the local media capture ports the call core
// consumes. Real capture (camera, microphone) lives outside the core; the
// orchestrator only needs a source it can acquire streams from and tracks
// it can attach, toggle and stop.
package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Facing is the camera facing hint used when switching cameras
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other facing direction
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Constraints describes what a call attempt needs from the local device
type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
}

// Access denial reasons
const (
	ReasonDenied   = "permission denied"
	ReasonBusy     = "device busy"
	ReasonNoDevice = "no device"
)

// AccessError indicates the media source is unavailable, denied, or already
// in use. It is fatal to the call attempt and surfaced before any call
// record write.
type AccessError struct {
	Reason string
	Err    error
}

func (e *AccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media access failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media access failed (%s)", e.Reason)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Track is one local media track bound to the transport. SetEnabled flips
// the outgoing feed in place without renegotiation.
type Track interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// Stream is an acquired local media stream. The orchestrator owns it for
// the lifetime of one call attempt and must stop it on every exit path.
type Stream interface {
	AudioTrack() Track
	VideoTrack() Track
	Tracks() []Track
	Stop()
}

// Source acquires local media. Implementations return *AccessError when the
// device is unavailable, denied, or busy.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)

	// AcquireVideo acquires a standalone video track with the given facing
	// hint, used for in-place camera switching.
	AcquireVideo(ctx context.Context, facing Facing) (Track, error)
}
