package orchestrator

import (
	"time"

	"peercall/internal/domain"
)

// State is the local call state machine position. Exactly one call attempt
// exists outside StateIdle.
type State string

const (
	// StateIdle means no call attempt exists
	StateIdle State = "idle"

	// StateInitiating covers local media acquisition before the shared
	// call record is written
	StateInitiating State = "initiating"

	// StateRinging means the outgoing call record is written and the
	// caller is waiting for the receiver's answer
	StateRinging State = "ringing"

	// StateIncoming means a ringing call addressed to this user is being
	// presented locally
	StateIncoming State = "incoming"

	// StateConnecting means the call was accepted and transport
	// negotiation is in progress
	StateConnecting State = "connecting"

	// StateActive means media is flowing between the peers
	StateActive State = "active"

	// StateEnding means the terminal record write and resource release are
	// in progress; the next published state is idle
	StateEnding State = "ending"
)

// Outcome records how the most recent call attempt finished
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeMissed    Outcome = "missed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
)

// Snapshot is the full observable state of the orchestrator at one point in
// time. Every transition publishes a fresh snapshot to subscribers; consumers
// never see intermediate mutation.
type Snapshot struct {
	State        State           `json:"state"`
	CallID       string          `json:"call_id,omitempty"`
	CallType     domain.CallType `json:"call_type,omitempty"`
	RemoteID     string          `json:"remote_id,omitempty"`
	RemoteName   string          `json:"remote_name,omitempty"`
	Outgoing     bool            `json:"outgoing,omitempty"`
	Muted        bool            `json:"muted"`
	VideoEnabled bool            `json:"video_enabled"`
	SpeakerOn    bool            `json:"speaker_on"`
	Degraded     bool            `json:"degraded,omitempty"` // transport disconnected, may recover
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Duration     int             `json:"duration"` // seconds since connect
	LastOutcome  Outcome         `json:"last_outcome,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

type eventKind int

const (
	evRecord eventKind = iota
	evRingTimeout
	evTick
	evPeerConnected
	evPeerDisconnected
	evPeerClosed
	evPeerError
)

func (k eventKind) String() string {
	switch k {
	case evRecord:
		return "record"
	case evRingTimeout:
		return "ring_timeout"
	case evTick:
		return "tick"
	case evPeerConnected:
		return "peer_connected"
	case evPeerDisconnected:
		return "peer_disconnected"
	case evPeerClosed:
		return "peer_closed"
	case evPeerError:
		return "peer_error"
	}
	return "unknown"
}

// event is an asynchronous input to the state machine. Every event carries
// the call attempt it belongs to so stale deliveries from a previous attempt
// are discarded.
type event struct {
	kind   eventKind
	callID string
	record *domain.CallRecord
	err    error
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdAccept
	cmdDecline
	cmdEnd
	cmdReset
	cmdToggleMute
	cmdToggleVideo
	cmdToggleSpeaker
	cmdSwitchCamera
)

// command is a user-initiated input. Commands are serialized through the
// event loop so they observe a consistent state.
type command struct {
	kind     cmdKind
	peerID   string
	callType domain.CallType
	reply    chan result
}

type result struct {
	flag bool
	err  error
}
