package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/internal/session"
	"peercall/internal/signaling"
	"peercall/internal/store/memory"
)

// MockHistory is a mock history archiver
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) Archive(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// MockChat is a mock chat notifier
type MockChat struct {
	mock.Mock
}

func (m *MockChat) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockRoster is a mock roster
type MockRoster struct {
	mock.Mock
}

func (m *MockRoster) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if u := args.Get(0); u != nil {
		return u.(*domain.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRoster) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	args := m.Called(ctx, userID, otherID)
	return args.Bool(0), args.Error(1)
}

type fakeTrack struct {
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return nil }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeStream struct {
	audio *fakeTrack
	video *fakeTrack
}

func (s *fakeStream) AudioTrack() media.Track {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *fakeStream) VideoTrack() media.Track {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *fakeStream) Tracks() []media.Track {
	tracks := make([]media.Track, 0, 2)
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *fakeStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeStream
}

func (s *fakeSource) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	stream := &fakeStream{}
	if c.Audio {
		stream.audio = &fakeTrack{kind: webrtc.RTPCodecTypeAudio, enabled: true}
	}
	if c.Video {
		stream.video = &fakeTrack{kind: webrtc.RTPCodecTypeVideo, enabled: true}
	}
	s.acquired = append(s.acquired, stream)
	return stream, nil
}

func (s *fakeSource) AcquireVideo(ctx context.Context, facing media.Facing) (media.Track, error) {
	return &fakeTrack{kind: webrtc.RTPCodecTypeVideo, enabled: true}, nil
}

func (s *fakeSource) acquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acquired)
}

func (s *fakeSource) firstStream() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquired) == 0 {
		return nil
	}
	return s.acquired[0]
}

type fakePeer struct {
	cb peer.Callbacks

	mu        sync.Mutex
	initErr   error
	callID    string
	initiator bool
	teardowns int
	muted     bool
	video     bool
}

func (p *fakePeer) Initialize(ctx context.Context, callID string, initiator bool, callType domain.CallType) (media.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initErr != nil {
		return nil, p.initErr
	}
	p.callID = callID
	p.initiator = initiator
	p.video = callType == domain.CallTypeVideo
	return &fakeStream{}, nil
}

func (p *fakePeer) ToggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = !p.muted
	return p.muted
}

func (p *fakePeer) ToggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = !p.video
	return p.video
}

func (p *fakePeer) SwitchCamera(ctx context.Context) error { return nil }

func (p *fakePeer) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns++
}

func (p *fakePeer) teardownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardowns
}

func (p *fakePeer) wasInitiator() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initiator
}

// peerRig builds one fakePeer per attempt and keeps them for assertions
type peerRig struct {
	mu      sync.Mutex
	initErr error
	peers   []*fakePeer
}

func (r *peerRig) factory() PeerFactory {
	return func(cb peer.Callbacks) PeerManager {
		r.mu.Lock()
		defer r.mu.Unlock()
		p := &fakePeer{cb: cb, initErr: r.initErr}
		r.peers = append(r.peers, p)
		return p
	}
}

func (r *peerRig) last() *fakePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) == 0 {
		return nil
	}
	return r.peers[len(r.peers)-1]
}

func (r *peerRig) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// callRig is a shared signaling channel plus registry both agents in a test
// talk through, driven by one mock clock
type callRig struct {
	clk      *clock.Mock
	channel  *signaling.Channel
	registry *session.Registry
	history  *MockHistory
	chat     *MockChat
}

func newCallRig(t *testing.T) *callRig {
	t.Helper()
	mem := memory.New()
	channel := signaling.NewChannel(mem, mem, zap.NewNop())
	clk := clock.NewMock()
	history := new(MockHistory)
	chat := new(MockChat)
	history.On("Archive", mock.Anything, mock.Anything).Return(nil).Maybe()
	chat.On("AppendEvent", mock.Anything, mock.Anything).Return(nil).Maybe()
	registry := session.NewRegistry(channel, history, chat, clk, 5*time.Second, zap.NewNop())
	return &callRig{
		clk:      clk,
		channel:  channel,
		registry: registry,
		history:  history,
		chat:     chat,
	}
}

type agent struct {
	orch   *Orchestrator
	rig    *peerRig
	source *fakeSource
}

func (r *callRig) agent(t *testing.T, userID, name string, roster Roster) *agent {
	t.Helper()
	rig := &peerRig{}
	source := &fakeSource{}
	orch := New(Config{
		Self:     domain.User{UserID: userID, DisplayName: name},
		Registry: r.registry,
		Roster:   roster,
		Source:   source,
		NewPeer:  rig.factory(),
		Clock:    r.clk,
		Logger:   zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &agent{orch: orch, rig: rig, source: source}
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Snapshot().State == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for state %s, at %s", want, o.Snapshot().State)
}

func waitOutcome(t *testing.T, o *Orchestrator, want Outcome) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return snap.State == StateIdle && snap.LastOutcome == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for outcome %s", want)
}

func TestStartCall_RingsReceiver(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))

	snap := a.orch.Snapshot()
	assert.Equal(t, StateRinging, snap.State)
	assert.True(t, snap.Outgoing)
	assert.Equal(t, "bob", snap.RemoteID)
	assert.NotEmpty(t, snap.CallID)

	waitState(t, b.orch, StateIncoming)
	bs := b.orch.Snapshot()
	assert.Equal(t, snap.CallID, bs.CallID)
	assert.Equal(t, "alice", bs.RemoteID)
	assert.Equal(t, "Alice", bs.RemoteName)
	assert.False(t, bs.Outgoing)
}

func TestStartCall_WhileBusy(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	err := a.orch.StartCall(ctx, "carol", domain.CallTypeAudio)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, 1, a.source.acquireCount())
}

func TestStartCall_RejectsInvalidTargets(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	assert.ErrorIs(t, a.orch.StartCall(ctx, "", domain.CallTypeAudio), domain.ErrUserNotFound)
	assert.ErrorIs(t, a.orch.StartCall(ctx, "alice", domain.CallTypeAudio), domain.ErrUserNotFound)
	assert.Error(t, a.orch.StartCall(ctx, "bob", domain.CallType("screen")))

	assert.Equal(t, StateIdle, a.orch.Snapshot().State)
	assert.Equal(t, 0, a.source.acquireCount())
}

func TestStartCall_BlockedPeer(t *testing.T) {
	rig := newCallRig(t)
	roster := new(MockRoster)
	roster.On("GetUser", mock.Anything, "bob").Return(&domain.User{UserID: "bob", DisplayName: "Bob"}, nil)
	roster.On("IsBlocked", mock.Anything, "alice", "bob").Return(true, nil)
	a := rig.agent(t, "alice", "Alice", roster)

	err := a.orch.StartCall(context.Background(), "bob", domain.CallTypeAudio)
	assert.ErrorIs(t, err, domain.ErrBlocked)

	// Blocking is checked before media or any record write.
	assert.Equal(t, 0, a.source.acquireCount())
	assert.Equal(t, StateIdle, a.orch.Snapshot().State)
}

func TestStartCall_UnknownPeer(t *testing.T) {
	rig := newCallRig(t)
	roster := new(MockRoster)
	roster.On("GetUser", mock.Anything, "ghost").Return(nil, domain.ErrUserNotFound)
	a := rig.agent(t, "alice", "Alice", roster)

	err := a.orch.StartCall(context.Background(), "ghost", domain.CallTypeAudio)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestStartCall_MediaDenied(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	a.source.err = &media.AccessError{Reason: media.ReasonDenied}

	err := a.orch.StartCall(context.Background(), "bob", domain.CallTypeAudio)
	var accessErr *media.AccessError
	require.ErrorAs(t, err, &accessErr)

	// Denial happens before the record write, so nothing rang anywhere.
	snap := a.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, OutcomeFailed, snap.LastOutcome)
	assert.NotEmpty(t, snap.LastError)
	rig.history.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
}

func TestCommands_InvalidWhenIdle(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	assert.ErrorIs(t, a.orch.AcceptCall(ctx), domain.ErrInvalidState)
	assert.ErrorIs(t, a.orch.DeclineCall(ctx), domain.ErrInvalidState)
	_, err := a.orch.ToggleMute(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, a.orch.SwitchCamera(ctx), domain.ErrInvalidState)

	// Hanging up or resetting with no call is a harmless no-op.
	assert.NoError(t, a.orch.EndCall(ctx))
	assert.NoError(t, a.orch.Reset(ctx))
}

func TestCall_AcceptedThroughHangup(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	waitState(t, b.orch, StateIncoming)

	require.NoError(t, b.orch.AcceptCall(ctx))
	assert.Equal(t, StateConnecting, b.orch.Snapshot().State)
	assert.False(t, b.rig.last().wasInitiator())

	// The caller observes the acceptance and starts its transport.
	waitState(t, a.orch, StateConnecting)
	assert.True(t, a.rig.last().wasInitiator())

	a.rig.last().cb.OnConnected()
	b.rig.last().cb.OnConnected()
	waitState(t, a.orch, StateActive)
	waitState(t, b.orch, StateActive)

	// The caller's preview is released once the transport owns its stream.
	assert.GreaterOrEqual(t, a.source.firstStream().audio.stopCount(), 1)

	// In-call controls delegate to the transport.
	muted, err := a.orch.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	require.NoError(t, a.orch.SwitchCamera(ctx))

	rig.clk.Add(95 * time.Second)
	require.Eventually(t, func() bool {
		return a.orch.Snapshot().Duration == 95
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.orch.EndCall(ctx))
	waitOutcome(t, a.orch, OutcomeCompleted)

	// The remote transport closing is how the other side learns the call
	// is over.
	b.rig.last().cb.OnClosed()
	waitOutcome(t, b.orch, OutcomeCompleted)

	// Exactly one side archives and exactly one chat event is written.
	rig.history.AssertNumberOfCalls(t, "Archive", 1)
	archived := rig.history.Calls[0].Arguments.Get(1).(*domain.CallRecord)
	assert.Equal(t, domain.CallStatusEnded, archived.Status)
	assert.Equal(t, 95, archived.Duration)
	assert.Equal(t, "alice", archived.EndedBy)

	rig.chat.AssertNumberOfCalls(t, "AppendEvent", 1)
	event := rig.chat.Calls[0].Arguments.Get(1).(*domain.CallEvent)
	assert.Equal(t, domain.CallEventEnded, event.Type)
	assert.Equal(t, 95, event.Duration)
	assert.Equal(t, "alice", event.FromUserID)
	assert.Equal(t, domain.ChatIDFor("alice", "bob"), event.ChatID)

	assert.Equal(t, 1, a.rig.last().teardownCount())
	assert.Equal(t, 1, b.rig.last().teardownCount())
}

func TestCall_Declined(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	waitState(t, b.orch, StateIncoming)

	require.NoError(t, b.orch.DeclineCall(ctx))
	waitOutcome(t, b.orch, OutcomeDeclined)
	waitOutcome(t, a.orch, OutcomeDeclined)

	// Declines never reach history or chat, and the receiver never built
	// a transport.
	rig.history.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
	rig.chat.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
	assert.Equal(t, 0, b.rig.count())
}

func TestCall_UnansweredCallerFinalizesMissed(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	callID := a.orch.Snapshot().CallID

	rig.clk.Add(DefaultRingTimeout)
	waitOutcome(t, a.orch, OutcomeMissed)

	record, err := rig.channel.Read(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, record.Status)
	assert.Equal(t, "alice", record.EndedBy)

	rig.history.AssertNumberOfCalls(t, "Archive", 1)
	rig.chat.AssertNumberOfCalls(t, "AppendEvent", 1)
	event := rig.chat.Calls[0].Arguments.Get(1).(*domain.CallEvent)
	assert.Equal(t, domain.CallEventMissed, event.Type)
	assert.Equal(t, "alice", event.FromUserID)
	assert.Equal(t, "bob", event.ToUserID)
}

func TestCall_IncomingExpiresWithoutWriting(t *testing.T) {
	rig := newCallRig(t)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	record, err := rig.registry.Create(ctx, domain.CallTypeAudio, "carol", "Carol", "bob", "Bob")
	require.NoError(t, err)
	waitState(t, b.orch, StateIncoming)

	rig.clk.Add(DefaultRingTimeout)
	waitOutcome(t, b.orch, OutcomeMissed)

	// The missed write belongs to the caller; the receiver only dismissed
	// its prompt.
	stored, err := rig.channel.Read(ctx, record.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
	rig.history.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
	rig.chat.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
}

func TestCall_WithdrawnDismissesReceiver(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	waitState(t, b.orch, StateIncoming)
	callID := a.orch.Snapshot().CallID

	require.NoError(t, a.orch.EndCall(ctx))
	waitOutcome(t, a.orch, OutcomeCanceled)
	waitOutcome(t, b.orch, OutcomeCanceled)

	record, err := rig.channel.Read(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, "alice", record.EndedBy)
	rig.chat.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
}

func TestEndCall_WhileIncomingDeclines(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	waitState(t, b.orch, StateIncoming)
	callID := a.orch.Snapshot().CallID

	// Hanging up an unanswered incoming call declines it, so the caller is
	// dismissed immediately instead of ringing out the timeout.
	require.NoError(t, b.orch.EndCall(ctx))
	waitOutcome(t, b.orch, OutcomeDeclined)
	waitOutcome(t, a.orch, OutcomeDeclined)

	record, err := rig.channel.Read(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, record.Status)
	assert.Equal(t, "bob", record.EndedBy)

	// Running out the ring clock afterwards must not resurrect the attempt
	// as a missed call.
	rig.clk.Add(DefaultRingTimeout)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, a.orch.Snapshot().State)
	assert.Equal(t, OutcomeDeclined, a.orch.Snapshot().LastOutcome)
	rig.chat.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
	rig.history.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
}

func TestCall_RemoteTerminalWriteStopsRinging(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	callID := a.orch.Snapshot().CallID

	// Another writer finalizes the record out from under the caller.
	require.NoError(t, rig.registry.End(ctx, callID, "bob", 0, domain.CallStatusEnded))
	waitOutcome(t, a.orch, OutcomeCanceled)

	rig.clk.Add(DefaultRingTimeout)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, a.orch.Snapshot().State)
	rig.chat.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
}

func TestCall_LateAcceptDoesNotReviveMissedCall(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	callID := a.orch.Snapshot().CallID

	rig.clk.Add(DefaultRingTimeout)
	waitOutcome(t, a.orch, OutcomeMissed)

	// An acceptance written after the missed finalization is stale; the
	// caller stays idle and never builds a transport.
	require.NoError(t, rig.registry.Accept(ctx, callID, "bob"))
	time.Sleep(50 * time.Millisecond)

	snap := a.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, OutcomeMissed, snap.LastOutcome)
	assert.Equal(t, 0, a.rig.count())
}

func TestAccept_MediaFailureDeclines(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	b.rig.initErr = &media.AccessError{Reason: media.ReasonBusy}

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	waitState(t, b.orch, StateIncoming)
	callID := a.orch.Snapshot().CallID

	err := b.orch.AcceptCall(ctx)
	var accessErr *media.AccessError
	require.ErrorAs(t, err, &accessErr)
	waitOutcome(t, b.orch, OutcomeFailed)

	// The caller stops ringing immediately instead of waiting out the
	// timeout.
	waitOutcome(t, a.orch, OutcomeDeclined)
	record, err := rig.channel.Read(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, record.Status)
	assert.Equal(t, "bob", record.EndedBy)
}

func TestPreviewToggles_WhileRinging(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeVideo))

	muted, err := a.orch.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	muted, err = a.orch.ToggleMute(ctx)
	require.NoError(t, err)
	assert.False(t, muted)

	enabled, err := a.orch.ToggleVideo(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, a.orch.Snapshot().VideoEnabled)
}

func TestReset_Idempotent(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	ctx := context.Background()

	on, err := a.orch.ToggleSpeaker(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	require.NoError(t, a.orch.Reset(ctx))
	require.NoError(t, a.orch.Reset(ctx))

	snap := a.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.SpeakerOn, "speaker preference survives reset")

	// The preview stream is released exactly once.
	assert.Equal(t, 1, a.source.firstStream().audio.stopCount())
}

func TestStaleTransportEvents_AreDiscarded(t *testing.T) {
	rig := newCallRig(t)
	a := rig.agent(t, "alice", "Alice", nil)
	b := rig.agent(t, "bob", "Bob", nil)
	ctx := context.Background()

	require.NoError(t, a.orch.StartCall(ctx, "bob", domain.CallTypeAudio))
	waitState(t, b.orch, StateIncoming)
	require.NoError(t, b.orch.AcceptCall(ctx))
	waitState(t, a.orch, StateConnecting)

	stale := a.rig.last()
	require.NoError(t, a.orch.EndCall(ctx))
	waitOutcome(t, a.orch, OutcomeCanceled)

	// Callbacks from the abandoned transport must not disturb idle state.
	stale.cb.OnConnected()
	stale.cb.OnClosed()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, a.orch.Snapshot().State)
}
