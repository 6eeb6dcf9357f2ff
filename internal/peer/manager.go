// Package peer owns one WebRTC transport negotiation per call: it acquires
// local media, attaches tracks, exchanges offer/answer/candidate messages
// over the signaling channel, and raises lifecycle callbacks. Media always
// flows directly between the two peers once negotiated.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/signaling"
)

// teardownTimeout bounds the best-effort record cleanup on Teardown
const teardownTimeout = 5 * time.Second

// NegotiationError indicates an unrecoverable offer/answer/candidate
// failure; the call attempt cannot proceed.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed during %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Callbacks are the lifecycle hooks the orchestrator registers. They are
// registered exactly once per call attempt; OnClosed fires at most once and
// never after a local Teardown.
type Callbacks struct {
	OnRemoteTrack  func(track *webrtc.TrackRemote)
	OnConnected    func()
	OnDisconnected func()
	OnClosed       func()
	OnError        func(err error)
}

// Config carries the transport configuration for new peer connections
type Config struct {
	ICEServers []webrtc.ICEServer
}

// DefaultConfig returns a configuration with public STUN relay hints for
// NAT/firewall traversal
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// Manager drives one peer connection per call attempt
type Manager struct {
	cfg     Config
	channel *signaling.Channel
	source  media.Source
	cb      Callbacks
	log     *zap.Logger

	mu            sync.Mutex
	callID        string
	role          domain.SignalRole
	pc            *webrtc.PeerConnection
	stream        media.Stream
	videoTrack    media.Track
	videoSender   *webrtc.RTPSender
	facing        media.Facing
	pending       []webrtc.ICECandidateInit
	remoteSet     bool
	initialized   bool
	torn          bool
	closedFired   bool
	cancelSignals context.CancelFunc
}

// NewManager creates a manager bound to the signaling channel and media
// source. One manager serves exactly one call attempt.
func NewManager(cfg Config, channel *signaling.Channel, source media.Source, cb Callbacks, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		channel: channel,
		source:  source,
		cb:      cb,
		log:     log,
		facing:  media.FacingUser,
	}
}

// Initialize acquires local media, creates the transport, attaches tracks
// and starts consuming inbound signals. The initiator immediately creates
// and emits its offer; a non-initiator waits for the inbound offer. Returns
// the acquired local stream.
func (m *Manager) Initialize(ctx context.Context, callID string, initiator bool, callType domain.CallType) (media.Stream, error) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil, fmt.Errorf("peer manager already initialized for call %s", m.callID)
	}
	m.initialized = true
	m.callID = callID
	m.role = domain.RoleCallee
	if initiator {
		m.role = domain.RoleCaller
	}
	m.mu.Unlock()

	stream, err := m.source.Acquire(ctx, media.Constraints{
		Audio:  true,
		Video:  callType == domain.CallTypeVideo,
		Facing: media.FacingUser,
	})
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		stream.Stop()
		return nil, &NegotiationError{Op: "create peer connection", Err: err}
	}

	m.mu.Lock()
	m.pc = pc
	m.stream = stream
	m.videoTrack = stream.VideoTrack()
	m.mu.Unlock()

	if err := m.attach(stream); err != nil {
		m.Teardown()
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.Info("remote track received",
			zap.String("call_id", callID),
			zap.String("kind", track.Kind().String()))
		if m.cb.OnRemoteTrack != nil {
			m.cb.OnRemoteTrack(track)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := m.channel.AppendSignal(ctx, callID, m.role, domain.SignalCandidate, candidate.ToJSON()); err != nil {
			// Candidate loss degrades connectivity but other candidates
			// may still complete the connection.
			m.log.Warn("failed to emit candidate",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Info("peer connection state changed",
			zap.String("call_id", callID),
			zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if m.cb.OnConnected != nil {
				m.cb.OnConnected()
			}
		case webrtc.PeerConnectionStateDisconnected:
			if m.cb.OnDisconnected != nil {
				m.cb.OnDisconnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.fireClosed()
		}
	})

	sigCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancelSignals = cancel
	m.mu.Unlock()

	signals, err := m.channel.SubscribeSignals(sigCtx, callID, m.role)
	if err != nil {
		m.Teardown()
		return nil, &NegotiationError{Op: "subscribe signals", Err: err}
	}
	go func() {
		for msg := range signals {
			m.handleSignal(sigCtx, msg)
		}
	}()

	if initiator {
		if err := m.sendOffer(ctx); err != nil {
			m.Teardown()
			return nil, err
		}
	}
	return stream, nil
}

// attach binds the local stream's tracks to the transport
func (m *Manager) attach(stream media.Stream) error {
	for _, track := range stream.Tracks() {
		sender, err := m.pc.AddTrack(track.Local())
		if err != nil {
			return &NegotiationError{Op: "attach track", Err: err}
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			m.mu.Lock()
			m.videoSender = sender
			m.mu.Unlock()
		}
		// Drain RTCP so interceptors run.
		go func(s *webrtc.RTPSender) {
			buf := make([]byte, 1500)
			for {
				if _, _, err := s.Read(buf); err != nil {
					return
				}
			}
		}(sender)
	}
	return nil
}

func (m *Manager) sendOffer(ctx context.Context) error {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return &NegotiationError{Op: "create offer", Err: err}
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Op: "set local description", Err: err}
	}
	if err := m.channel.AppendSignal(ctx, m.callID, m.role, domain.SignalOffer, offer); err != nil {
		return &NegotiationError{Op: "emit offer", Err: err}
	}
	return nil
}

// handleSignal applies one inbound signal. Consumers of the append-only log
// must be idempotent: replayed offers/answers are dropped once a remote
// description exists, and candidates arriving early are buffered.
func (m *Manager) handleSignal(ctx context.Context, msg *domain.SignalMessage) {
	var err error
	switch msg.Kind {
	case domain.SignalOffer:
		err = m.handleOffer(ctx, msg.Payload)
	case domain.SignalAnswer:
		err = m.handleAnswer(msg.Payload)
	case domain.SignalCandidate:
		err = m.handleCandidate(msg.Payload)
	default:
		m.log.Warn("unknown signal kind",
			zap.String("call_id", msg.CallID),
			zap.String("kind", string(msg.Kind)))
		return
	}
	if err != nil {
		m.log.Error("signal handling failed",
			zap.String("call_id", msg.CallID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
		if m.cb.OnError != nil {
			m.cb.OnError(err)
		}
	}
}

func (m *Manager) handleOffer(ctx context.Context, payload json.RawMessage) error {
	m.mu.Lock()
	if m.torn || m.remoteSet || m.role == domain.RoleCaller {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return &NegotiationError{Op: "decode offer", Err: err}
	}
	if err := m.setRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{Op: "create answer", Err: err}
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Op: "set local description", Err: err}
	}
	if err := m.channel.AppendSignal(ctx, m.callID, m.role, domain.SignalAnswer, answer); err != nil {
		return &NegotiationError{Op: "emit answer", Err: err}
	}
	return nil
}

func (m *Manager) handleAnswer(payload json.RawMessage) error {
	m.mu.Lock()
	if m.torn || m.remoteSet || m.role == domain.RoleCallee {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return &NegotiationError{Op: "decode answer", Err: err}
	}
	return m.setRemoteDescription(answer)
}

// setRemoteDescription applies the remote description and flushes any
// candidates that arrived before it existed, in receipt order.
func (m *Manager) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Op: "set remote description", Err: err}
	}

	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, candidate := range pending {
		if err := m.pc.AddICECandidate(candidate); err != nil {
			m.log.Warn("failed to apply buffered candidate",
				zap.String("call_id", m.callID),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) handleCandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return &NegotiationError{Op: "decode candidate", Err: err}
	}

	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return nil
	}
	if !m.remoteSet {
		// No remote description yet; buffer and apply later.
		m.pending = append(m.pending, candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.pc.AddICECandidate(candidate); err != nil {
		return &NegotiationError{Op: "add candidate", Err: err}
	}
	return nil
}

// ToggleMute flips the outgoing audio track in place and reports whether
// audio is now muted. No renegotiation happens.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil || stream.AudioTrack() == nil {
		return false
	}
	track := stream.AudioTrack()
	track.SetEnabled(!track.Enabled())
	return !track.Enabled()
}

// ToggleVideo flips the outgoing video track in place and reports whether
// video is now enabled
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	track := m.videoTrack
	m.mu.Unlock()
	if track == nil {
		return false
	}
	track.SetEnabled(!track.Enabled())
	return track.Enabled()
}

// SwitchCamera acquires a video track with the opposite facing hint and
// replaces the outgoing track in place; the transport is not renegotiated
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	sender := m.videoSender
	old := m.videoTrack
	next := m.facing.Opposite()
	m.mu.Unlock()

	if sender == nil || old == nil {
		return fmt.Errorf("no video track to switch")
	}

	track, err := m.source.AcquireVideo(ctx, next)
	if err != nil {
		return fmt.Errorf("failed to acquire %s camera: %w", next, err)
	}
	if err := sender.ReplaceTrack(track.Local()); err != nil {
		track.Stop()
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	old.Stop()

	m.mu.Lock()
	m.videoTrack = track
	m.facing = next
	m.mu.Unlock()
	return nil
}

// fireClosed raises OnClosed at most once and never after local teardown
func (m *Manager) fireClosed() {
	m.mu.Lock()
	if m.torn || m.closedFired {
		m.mu.Unlock()
		return
	}
	m.closedFired = true
	m.mu.Unlock()

	if m.cb.OnClosed != nil {
		m.cb.OnClosed()
	}
}

// Teardown closes the transport, stops local tracks and removes the
// signaling record for this call. Idempotent, and safe to call even if
// Initialize never completed.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.torn = true
	pc := m.pc
	stream := m.stream
	videoTrack := m.videoTrack
	cancel := m.cancelSignals
	callID := m.callID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.Warn("failed to close peer connection",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
	if stream != nil {
		stream.Stop()
	}
	if videoTrack != nil {
		videoTrack.Stop()
	}
	if callID != "" {
		ctx, cancelRemove := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancelRemove()
		if err := m.channel.Remove(ctx, callID); err != nil {
			m.log.Warn("failed to remove signaling record",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
}
