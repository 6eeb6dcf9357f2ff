// Package orchestrator is the call state machine. A single event loop owns
// the current call attempt and serializes user commands, record updates,
// timer expirations and transport callbacks, so no transition ever races
// another. Everything observable is published as immutable snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/internal/session"
	"peercall/pkg/constants"
	"peercall/pkg/metrics"
)

// DefaultRingTimeout is how long an unanswered call rings before the caller
// finalizes it as missed. The receiver dismisses its incoming prompt on the
// same schedule without writing.
const DefaultRingTimeout = 60 * time.Second

// Config wires an Orchestrator. Registry, Source, NewPeer and Logger are
// required; the rest default sensibly, and a nil Roster skips peer
// validation (degraded mode).
type Config struct {
	Self        domain.User
	Registry    *session.Registry
	Roster      Roster
	Source      media.Source
	NewPeer     PeerFactory
	Ringer      Ringer
	Clock       clock.Clock
	RingTimeout time.Duration
	Logger      *zap.Logger
}

// Orchestrator coordinates one call attempt at a time for a single user
type Orchestrator struct {
	self        domain.User
	registry    *session.Registry
	roster      Roster
	source      media.Source
	newPeer     PeerFactory
	ringer      Ringer
	clock       clock.Clock
	ringTimeout time.Duration
	log         *zap.Logger

	events   chan event
	commands chan command
	done     chan struct{}

	mu   sync.Mutex
	snap Snapshot
	subs map[chan Snapshot]struct{}

	// cur is owned by the event loop goroutine
	cur *attempt
}

// attempt is the loop-owned state of one call from first media acquisition
// to reset
type attempt struct {
	callID      string
	callType    domain.CallType
	remote      domain.User
	initiator   bool
	preview     media.Stream
	peer        PeerManager
	cancelWatch context.CancelFunc
	ringTimer   *clock.Timer
	stopTicker  func()
	acceptedAt  time.Time
	connectedAt time.Time
	terminated  bool
}

// New creates an orchestrator. Call Run to start processing.
func New(cfg Config) *Orchestrator {
	if cfg.Ringer == nil {
		cfg.Ringer = NopRinger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &Orchestrator{
		self:        cfg.Self,
		registry:    cfg.Registry,
		roster:      cfg.Roster,
		source:      cfg.Source,
		newPeer:     cfg.NewPeer,
		ringer:      cfg.Ringer,
		clock:       cfg.Clock,
		ringTimeout: cfg.RingTimeout,
		log:         cfg.Logger,
		events:      make(chan event, 256),
		commands:    make(chan command),
		done:        make(chan struct{}),
		snap:        Snapshot{State: StateIdle},
		subs:        make(map[chan Snapshot]struct{}),
	}
}

// Run subscribes to incoming calls and processes inputs until ctx is
// canceled. It blocks; run it on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	incoming, err := o.registry.ListenIncoming(ctx, o.self.UserID)
	if err != nil {
		close(o.done)
		return fmt.Errorf("failed to subscribe to incoming calls: %w", err)
	}

	defer close(o.done)
	defer o.reset(OutcomeNone, "")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-o.commands:
			cmd.reply <- o.handleCommand(ctx, cmd)
		case ringing, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			o.handleIncoming(ringing)
		case ev := <-o.events:
			o.handleEvent(ctx, ev)
		}
	}
}

// StartCall begins an outgoing call to peerID. Fails with ErrBusy when a
// call attempt already exists, ErrUserNotFound or ErrBlocked on roster
// validation, or a *media.AccessError before any record is written.
func (o *Orchestrator) StartCall(ctx context.Context, peerID string, callType domain.CallType) error {
	_, err := o.do(ctx, command{kind: cmdStart, peerID: peerID, callType: callType})
	return err
}

// AcceptCall answers the currently presented incoming call
func (o *Orchestrator) AcceptCall(ctx context.Context) error {
	_, err := o.do(ctx, command{kind: cmdAccept})
	return err
}

// DeclineCall rejects the currently presented incoming call
func (o *Orchestrator) DeclineCall(ctx context.Context) error {
	_, err := o.do(ctx, command{kind: cmdDecline})
	return err
}

// EndCall hangs up the current call attempt in any non-idle state. A no-op
// when idle.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	_, err := o.do(ctx, command{kind: cmdEnd})
	return err
}

// Reset forces the orchestrator back to idle, releasing every held
// resource. Safe to call repeatedly.
func (o *Orchestrator) Reset(ctx context.Context) error {
	_, err := o.do(ctx, command{kind: cmdReset})
	return err
}

// ToggleMute flips the outgoing audio feed and reports whether audio is now
// muted
func (o *Orchestrator) ToggleMute(ctx context.Context) (bool, error) {
	res, err := o.do(ctx, command{kind: cmdToggleMute})
	return res.flag, err
}

// ToggleVideo flips the outgoing video feed and reports whether video is
// now enabled
func (o *Orchestrator) ToggleVideo(ctx context.Context) (bool, error) {
	res, err := o.do(ctx, command{kind: cmdToggleVideo})
	return res.flag, err
}

// ToggleSpeaker flips the local speakerphone flag and reports the new value
func (o *Orchestrator) ToggleSpeaker(ctx context.Context) (bool, error) {
	res, err := o.do(ctx, command{kind: cmdToggleSpeaker})
	return res.flag, err
}

// SwitchCamera swaps the outgoing video track to the opposite camera facing
func (o *Orchestrator) SwitchCamera(ctx context.Context) error {
	_, err := o.do(ctx, command{kind: cmdSwitchCamera})
	return err
}

// Snapshot returns the current observable state
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Subscribe returns a channel of state snapshots, starting with the current
// one. The subscription ends when ctx is canceled; slow consumers miss
// intermediate snapshots rather than blocking transitions.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	o.mu.Lock()
	o.subs[ch] = struct{}{}
	ch <- o.snap
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.subs, ch)
		close(ch)
		o.mu.Unlock()
	}()
	return ch
}

func (o *Orchestrator) do(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case o.commands <- cmd:
	case <-o.done:
		return result{}, fmt.Errorf("orchestrator is not running")
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// post delivers an asynchronous event to the loop without ever blocking the
// producer (timer goroutines, transport callbacks)
func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	default:
		metrics.CallEventDroppedTotal.WithLabelValues(ev.kind.String()).Inc()
		o.log.Warn("orchestrator event dropped",
			zap.String("kind", ev.kind.String()),
			zap.String("call_id", ev.callID))
	}
}

// publish mutates the snapshot and fans it out to subscribers
func (o *Orchestrator) publish(mutate func(*Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(&o.snap)
	for ch := range o.subs {
		select {
		case ch <- o.snap:
		default:
		}
	}
}

func (o *Orchestrator) state() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.State
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd command) result {
	switch cmd.kind {
	case cmdStart:
		return result{err: o.startCall(ctx, cmd.peerID, cmd.callType)}
	case cmdAccept:
		return result{err: o.acceptCall(ctx)}
	case cmdDecline:
		return result{err: o.declineCall(ctx)}
	case cmdEnd:
		if o.cur == nil {
			return result{}
		}
		// Hanging up a still-ringing incoming call is a decline: writing
		// ended here would leave the caller ringing out the full timeout
		// and then finalizing a call the receiver already terminated.
		if !o.cur.initiator && o.state() == StateIncoming {
			return result{err: o.declineCall(ctx)}
		}
		o.finishCall(ctx, false)
		return result{}
	case cmdReset:
		o.mu.Lock()
		outcome, lastErr := o.snap.LastOutcome, o.snap.LastError
		o.mu.Unlock()
		o.reset(outcome, lastErr)
		return result{}
	case cmdToggleMute:
		return o.toggleMute()
	case cmdToggleVideo:
		return o.toggleVideo()
	case cmdToggleSpeaker:
		var on bool
		o.publish(func(s *Snapshot) {
			s.SpeakerOn = !s.SpeakerOn
			on = s.SpeakerOn
		})
		return result{flag: on}
	case cmdSwitchCamera:
		if o.cur == nil || o.cur.peer == nil {
			return result{err: domain.ErrInvalidState}
		}
		return result{err: o.cur.peer.SwitchCamera(ctx)}
	}
	return result{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

// startCall runs the caller path: validate the peer, acquire a local
// preview, write the ringing record, then wait for the receiver's answer
func (o *Orchestrator) startCall(ctx context.Context, peerID string, callType domain.CallType) error {
	if o.cur != nil {
		return domain.ErrBusy
	}
	if !callType.Valid() {
		return fmt.Errorf("unknown call type %q", callType)
	}
	if peerID == "" || peerID == o.self.UserID {
		return domain.ErrUserNotFound
	}

	remote := domain.User{UserID: peerID, DisplayName: peerID}
	if o.roster != nil {
		user, err := o.roster.GetUser(ctx, peerID)
		if err != nil {
			return err
		}
		blocked, err := o.roster.IsBlocked(ctx, o.self.UserID, peerID)
		if err != nil {
			return fmt.Errorf("failed to check blocking: %w", err)
		}
		if blocked {
			return domain.ErrBlocked
		}
		remote = *user
	}

	cur := &attempt{callType: callType, remote: remote, initiator: true}
	o.cur = cur
	o.publish(func(s *Snapshot) {
		*s = Snapshot{
			State:        StateInitiating,
			CallType:     callType,
			RemoteID:     remote.UserID,
			RemoteName:   remote.DisplayName,
			Outgoing:     true,
			VideoEnabled: callType == domain.CallTypeVideo,
			SpeakerOn:    s.SpeakerOn,
		}
	})

	// Media must be granted before anything is written; a denial here
	// leaves no half-open record for the receiver to observe.
	preview, err := o.source.Acquire(ctx, media.Constraints{
		Audio:  true,
		Video:  callType == domain.CallTypeVideo,
		Facing: media.FacingUser,
	})
	if err != nil {
		o.reset(OutcomeFailed, err.Error())
		return err
	}
	cur.preview = preview

	record, err := o.registry.Create(ctx, callType, o.self.UserID, o.self.DisplayName, remote.UserID, remote.DisplayName)
	if err != nil {
		o.reset(OutcomeFailed, err.Error())
		return fmt.Errorf("failed to create call record: %w", err)
	}
	cur.callID = record.CallID

	if err := o.watchRecord(cur); err != nil {
		o.finishCall(ctx, false)
		return err
	}

	cur.ringTimer = o.clock.AfterFunc(o.ringTimeout, func() {
		o.post(event{kind: evRingTimeout, callID: record.CallID})
	})
	o.ringer.Start(false)
	o.publish(func(s *Snapshot) {
		s.State = StateRinging
		s.CallID = record.CallID
	})
	metrics.CallStartedTotal.WithLabelValues(string(callType), "outgoing").Inc()
	return nil
}

// watchRecord subscribes to the attempt's record and forwards updates into
// the event loop
func (o *Orchestrator) watchRecord(cur *attempt) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	updates, err := o.registry.Watch(watchCtx, cur.callID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to watch call record: %w", err)
	}
	cur.cancelWatch = cancel
	callID := cur.callID
	go func() {
		for rec := range updates {
			o.post(event{kind: evRecord, callID: callID, record: rec})
		}
	}()
	return nil
}

// handleIncoming reacts to the ringing set addressed to this user. An idle
// agent adopts the earliest call; a non-idle agent ignores new entries and
// the remote keeps ringing until its own timeout. An incoming attempt that
// vanishes from the set was canceled or timed out by the caller.
func (o *Orchestrator) handleIncoming(ringing []*domain.CallRecord) {
	if o.cur == nil {
		if len(ringing) == 0 {
			return
		}
		rec := ringing[0]
		cur := &attempt{
			callID:   rec.CallID,
			callType: rec.Type,
			remote:   domain.User{UserID: rec.CallerID, DisplayName: rec.CallerName},
		}
		o.cur = cur
		cur.ringTimer = o.clock.AfterFunc(o.ringTimeout, func() {
			o.post(event{kind: evRingTimeout, callID: rec.CallID})
		})
		o.ringer.Start(true)
		o.publish(func(s *Snapshot) {
			*s = Snapshot{
				State:        StateIncoming,
				CallID:       rec.CallID,
				CallType:     rec.Type,
				RemoteID:     rec.CallerID,
				RemoteName:   rec.CallerName,
				VideoEnabled: rec.Type == domain.CallTypeVideo,
				SpeakerOn:    s.SpeakerOn,
			}
		})
		metrics.CallStartedTotal.WithLabelValues(string(rec.Type), "incoming").Inc()
		o.log.Info("incoming call",
			zap.String("call_id", rec.CallID),
			zap.String("caller_id", rec.CallerID),
			zap.String("type", string(rec.Type)))
		return
	}

	if o.cur.initiator || o.state() != StateIncoming {
		return
	}
	for _, rec := range ringing {
		if rec.CallID == o.cur.callID {
			return
		}
	}
	// Caller withdrew the call; dismiss without writing.
	o.log.Info("incoming call withdrawn", zap.String("call_id", o.cur.callID))
	o.reset(OutcomeCanceled, "")
}

// acceptCall runs the callee path: acquire media and negotiate first, then
// write the acceptance. A denial declines the call so the caller stops
// ringing instead of waiting out the timeout.
func (o *Orchestrator) acceptCall(ctx context.Context) error {
	cur := o.cur
	if cur == nil || cur.initiator || o.state() != StateIncoming {
		return domain.ErrInvalidState
	}

	o.ringer.Stop()
	if cur.ringTimer != nil {
		cur.ringTimer.Stop()
		cur.ringTimer = nil
	}
	cur.acceptedAt = o.clock.Now()
	o.publish(func(s *Snapshot) { s.State = StateConnecting })

	pm := o.newPeer(o.peerCallbacks(cur.callID))
	cur.peer = pm
	if _, err := pm.Initialize(ctx, cur.callID, false, cur.callType); err != nil {
		if declineErr := o.registry.Decline(ctx, cur.callID, o.self.UserID); declineErr != nil {
			o.log.Warn("failed to decline after media denial",
				zap.String("call_id", cur.callID),
				zap.Error(declineErr))
		}
		cur.terminated = true
		o.reset(OutcomeFailed, err.Error())
		return err
	}

	if err := o.registry.Accept(ctx, cur.callID, o.self.UserID); err != nil {
		cur.terminated = true
		o.reset(OutcomeFailed, err.Error())
		return fmt.Errorf("failed to accept call: %w", err)
	}
	return nil
}

func (o *Orchestrator) declineCall(ctx context.Context) error {
	cur := o.cur
	if cur == nil || cur.initiator || o.state() != StateIncoming {
		return domain.ErrInvalidState
	}
	cur.terminated = true
	err := o.registry.Decline(ctx, cur.callID, o.self.UserID)
	metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(OutcomeDeclined)).Inc()
	o.reset(OutcomeDeclined, "")
	return err
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev event) {
	cur := o.cur
	if cur == nil || (ev.callID != "" && ev.callID != cur.callID) {
		return
	}

	switch ev.kind {
	case evRecord:
		o.handleRecord(ctx, ev.record)
	case evRingTimeout:
		o.handleRingTimeout(ctx)
	case evTick:
		if o.state() == StateActive {
			elapsed := int(o.clock.Now().Sub(cur.connectedAt) / time.Second)
			o.publish(func(s *Snapshot) { s.Duration = elapsed })
		}
	case evPeerConnected:
		o.handleConnected()
	case evPeerDisconnected:
		if o.state() == StateActive {
			o.log.Warn("transport degraded", zap.String("call_id", cur.callID))
			o.publish(func(s *Snapshot) { s.Degraded = true })
		}
	case evPeerClosed:
		o.log.Info("transport closed by remote", zap.String("call_id", cur.callID))
		o.finishCall(ctx, true)
	case evPeerError:
		o.log.Error("transport error",
			zap.String("call_id", cur.callID),
			zap.Error(ev.err))
		o.failCall(ctx, ev.err)
	}
}

// handleRecord reacts to the shared record moving under the caller's feet
func (o *Orchestrator) handleRecord(ctx context.Context, rec *domain.CallRecord) {
	cur := o.cur
	if cur == nil || cur.terminated || !cur.initiator {
		return
	}

	switch rec.Status {
	case domain.CallStatusAccepted:
		if o.state() == StateRinging {
			o.connectAsCaller(ctx)
		}
	case domain.CallStatusDeclined:
		if o.state() == StateRinging {
			o.log.Info("call declined by receiver", zap.String("call_id", cur.callID))
			cur.terminated = true
			metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(OutcomeDeclined)).Inc()
			o.reset(OutcomeDeclined, "")
		}
	case domain.CallStatusEnded, domain.CallStatusMissed:
		// Some other writer finalized the record while we were still
		// ringing; stop ringing instead of waiting out the timeout.
		if o.state() == StateRinging {
			o.log.Info("call finalized remotely",
				zap.String("call_id", cur.callID),
				zap.String("status", string(rec.Status)))
			cur.terminated = true
			metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(OutcomeCanceled)).Inc()
			o.reset(OutcomeCanceled, "")
		}
	}
}

// connectAsCaller tears down the ringing apparatus and starts transport
// negotiation as the initiator
func (o *Orchestrator) connectAsCaller(ctx context.Context) {
	cur := o.cur
	o.ringer.Stop()
	if cur.ringTimer != nil {
		cur.ringTimer.Stop()
		cur.ringTimer = nil
	}
	cur.acceptedAt = o.clock.Now()

	// The peer manager acquires its own stream; the preview's job is done.
	if cur.preview != nil {
		cur.preview.Stop()
		cur.preview = nil
	}
	o.publish(func(s *Snapshot) { s.State = StateConnecting })

	pm := o.newPeer(o.peerCallbacks(cur.callID))
	cur.peer = pm
	if _, err := pm.Initialize(ctx, cur.callID, true, cur.callType); err != nil {
		o.log.Error("failed to initialize transport",
			zap.String("call_id", cur.callID),
			zap.Error(err))
		o.failCall(ctx, err)
	}
}

func (o *Orchestrator) handleRingTimeout(ctx context.Context) {
	cur := o.cur
	if cur.terminated {
		return
	}

	if cur.initiator {
		if o.state() != StateRinging {
			return
		}
		cur.terminated = true
		o.log.Info("call unanswered", zap.String("call_id", cur.callID))
		if err := o.registry.End(ctx, cur.callID, o.self.UserID, 0, domain.CallStatusMissed); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			o.log.Warn("failed to finalize missed call",
				zap.String("call_id", cur.callID),
				zap.Error(err))
		}
		o.registry.Notify(ctx, &domain.CallEvent{
			ChatID:     domain.ChatIDFor(o.self.UserID, cur.remote.UserID),
			CallID:     cur.callID,
			FromUserID: o.self.UserID,
			ToUserID:   cur.remote.UserID,
			Type:       domain.CallEventMissed,
			CallType:   cur.callType,
		})
		metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(OutcomeMissed)).Inc()
		o.reset(OutcomeMissed, "")
		return
	}

	// Receiver side: dismiss locally. The caller owns the missed write
	// and its chat notification.
	if o.state() != StateIncoming {
		return
	}
	o.log.Info("incoming call expired", zap.String("call_id", cur.callID))
	metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(OutcomeMissed)).Inc()
	o.reset(OutcomeMissed, "")
}

func (o *Orchestrator) handleConnected() {
	cur := o.cur
	if o.state() != StateConnecting {
		return
	}
	cur.connectedAt = o.clock.Now()
	if !cur.acceptedAt.IsZero() {
		metrics.CallSetupDuration.Observe(cur.connectedAt.Sub(cur.acceptedAt).Seconds())
	}

	// Acceptance already happened; the record subscription has nothing
	// left to deliver.
	if cur.cancelWatch != nil {
		cur.cancelWatch()
		cur.cancelWatch = nil
	}
	o.startDurationTicker(cur)
	metrics.CallActive.Set(1)
	startedAt := cur.connectedAt.UTC()
	o.publish(func(s *Snapshot) {
		s.State = StateActive
		s.Degraded = false
		s.StartedAt = &startedAt
		s.Duration = 0
	})
	o.log.Info("call connected",
		zap.String("call_id", cur.callID),
		zap.String("remote_id", cur.remote.UserID))
}

func (o *Orchestrator) startDurationTicker(cur *attempt) {
	ticker := o.clock.Ticker(constants.DurationTickInterval)
	stop := make(chan struct{})
	cur.stopTicker = func() {
		ticker.Stop()
		close(stop)
	}
	callID := cur.callID
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.post(event{kind: evTick, callID: callID})
			}
		}
	}()
}

// finishCall finalizes the attempt as ended (or canceled when it never
// connected) exactly once, writes the terminal record, emits the chat event
// if this side initiated the call, and resets
func (o *Orchestrator) finishCall(ctx context.Context, byRemote bool) {
	cur := o.cur
	if cur == nil {
		return
	}
	if cur.terminated {
		o.mu.Lock()
		outcome, lastErr := o.snap.LastOutcome, o.snap.LastError
		o.mu.Unlock()
		o.reset(outcome, lastErr)
		return
	}
	cur.terminated = true
	o.publish(func(s *Snapshot) { s.State = StateEnding })

	duration := 0
	outcome := OutcomeCanceled
	if !cur.connectedAt.IsZero() {
		duration = int(o.clock.Now().Sub(cur.connectedAt) / time.Second)
		outcome = OutcomeCompleted
	}

	if cur.callID != "" {
		if err := o.registry.End(ctx, cur.callID, o.self.UserID, duration, domain.CallStatusEnded); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			o.log.Warn("failed to finalize call record",
				zap.String("call_id", cur.callID),
				zap.Error(err))
		}
		if cur.initiator && outcome == OutcomeCompleted {
			o.registry.Notify(ctx, &domain.CallEvent{
				ChatID:     domain.ChatIDFor(o.self.UserID, cur.remote.UserID),
				CallID:     cur.callID,
				FromUserID: o.self.UserID,
				ToUserID:   cur.remote.UserID,
				Type:       domain.CallEventEnded,
				CallType:   cur.callType,
				Duration:   duration,
			})
		}
	}

	if outcome == OutcomeCompleted {
		metrics.CallDurationSeconds.WithLabelValues(string(cur.callType)).Observe(float64(duration))
	}
	metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(outcome)).Inc()
	o.log.Info("call finished",
		zap.String("call_id", cur.callID),
		zap.String("outcome", string(outcome)),
		zap.String("duration", domain.FormatDuration(duration)),
		zap.Bool("by_remote", byRemote))
	o.reset(outcome, "")
}

// failCall finalizes the attempt after an unrecoverable transport error so
// the remote side is not left ringing or connected to a dead transport
func (o *Orchestrator) failCall(ctx context.Context, cause error) {
	cur := o.cur
	if cur == nil || cur.terminated {
		return
	}
	cur.terminated = true
	o.publish(func(s *Snapshot) { s.State = StateEnding })

	duration := 0
	if !cur.connectedAt.IsZero() {
		duration = int(o.clock.Now().Sub(cur.connectedAt) / time.Second)
	}
	if cur.callID != "" {
		if err := o.registry.End(ctx, cur.callID, o.self.UserID, duration, domain.CallStatusEnded); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			o.log.Warn("failed to finalize call record",
				zap.String("call_id", cur.callID),
				zap.Error(err))
		}
	}
	metrics.CallOutcomeTotal.WithLabelValues(string(cur.callType), string(OutcomeFailed)).Inc()
	o.reset(OutcomeFailed, cause.Error())
}

// reset releases everything the current attempt holds and returns to idle.
// Idempotent: a second invocation finds nothing to release and only
// republishes the idle snapshot.
func (o *Orchestrator) reset(outcome Outcome, lastErr string) {
	cur := o.cur
	o.cur = nil

	o.ringer.Stop()
	if cur != nil {
		if cur.ringTimer != nil {
			cur.ringTimer.Stop()
		}
		if cur.stopTicker != nil {
			cur.stopTicker()
		}
		if cur.cancelWatch != nil {
			cur.cancelWatch()
		}
		if cur.peer != nil {
			cur.peer.Teardown()
		}
		if cur.preview != nil {
			cur.preview.Stop()
		}
	}

	metrics.CallActive.Set(0)
	o.publish(func(s *Snapshot) {
		*s = Snapshot{
			State:       StateIdle,
			SpeakerOn:   s.SpeakerOn,
			LastOutcome: outcome,
			LastError:   lastErr,
		}
	})
}

func (o *Orchestrator) toggleMute() result {
	cur := o.cur
	var muted bool
	switch {
	case cur != nil && cur.peer != nil:
		muted = cur.peer.ToggleMute()
	case cur != nil && cur.preview != nil && cur.preview.AudioTrack() != nil:
		track := cur.preview.AudioTrack()
		track.SetEnabled(!track.Enabled())
		muted = !track.Enabled()
	default:
		return result{err: domain.ErrInvalidState}
	}
	o.publish(func(s *Snapshot) { s.Muted = muted })
	return result{flag: muted}
}

func (o *Orchestrator) toggleVideo() result {
	cur := o.cur
	var enabled bool
	switch {
	case cur != nil && cur.peer != nil:
		enabled = cur.peer.ToggleVideo()
	case cur != nil && cur.preview != nil && cur.preview.VideoTrack() != nil:
		track := cur.preview.VideoTrack()
		track.SetEnabled(!track.Enabled())
		enabled = track.Enabled()
	default:
		return result{err: domain.ErrInvalidState}
	}
	o.publish(func(s *Snapshot) { s.VideoEnabled = enabled })
	return result{flag: enabled}
}

// peerCallbacks bridges transport callbacks into loop events, tagged with
// the attempt they belong to
func (o *Orchestrator) peerCallbacks(callID string) peer.Callbacks {
	return peer.Callbacks{
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			o.log.Debug("remote media flowing",
				zap.String("call_id", callID),
				zap.String("kind", track.Kind().String()))
		},
		OnConnected:    func() { o.post(event{kind: evPeerConnected, callID: callID}) },
		OnDisconnected: func() { o.post(event{kind: evPeerDisconnected, callID: callID}) },
		OnClosed:       func() { o.post(event{kind: evPeerClosed, callID: callID}) },
		OnError:        func(err error) { o.post(event{kind: evPeerError, callID: callID, err: err}) },
	}
}
