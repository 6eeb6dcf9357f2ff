package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/signaling"
	"peercall/internal/store/memory"
)

const testGraceDelay = 5 * time.Second

// MockArchiver is a mock history archiver
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// MockNotifier is a mock chat notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type registryFixture struct {
	registry *Registry
	channel  *signaling.Channel
	clk      *clock.Mock
	archiver *MockArchiver
	notifier *MockNotifier
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	mem := memory.New()
	channel := signaling.NewChannel(mem, mem, zap.NewNop())
	clk := clock.NewMock()
	archiver := new(MockArchiver)
	notifier := new(MockNotifier)
	registry := NewRegistry(channel, archiver, notifier, clk, testGraceDelay, zap.NewNop())
	return &registryFixture{
		registry: registry,
		channel:  channel,
		clk:      clk,
		archiver: archiver,
		notifier: notifier,
	}
}

func TestCreate_WritesRingingRecord(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	record, err := f.registry.Create(ctx, domain.CallTypeVideo, "alice", "Alice", "bob", "Bob")
	require.NoError(t, err)
	assert.Contains(t, record.CallID, "alice_bob_")

	stored, err := f.channel.Read(ctx, record.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
	assert.Equal(t, domain.CallTypeVideo, stored.Type)
	assert.Equal(t, "Alice", stored.CallerName)
	assert.Equal(t, "bob", stored.ReceiverID)
}

func TestAccept_MarksAccepted(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	record, err := f.registry.Create(ctx, domain.CallTypeAudio, "alice", "Alice", "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, f.registry.Accept(ctx, record.CallID, "bob"))

	stored, err := f.channel.Read(ctx, record.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, stored.Status)
	assert.NotNil(t, stored.AcceptedAt)
}

func TestEnd_ArchivesAndDeletesAfterGrace(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.archiver.On("Archive", mock.Anything, mock.Anything).Return(nil)

	record, err := f.registry.Create(ctx, domain.CallTypeAudio, "alice", "Alice", "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, f.registry.End(ctx, record.CallID, "alice", 95, domain.CallStatusEnded))

	// The terminal state stays readable through the grace window so the
	// other side's subscription can observe it.
	stored, err := f.channel.Read(ctx, record.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)
	assert.Equal(t, 95, stored.Duration)
	assert.Equal(t, "alice", stored.EndedBy)

	f.clk.Add(testGraceDelay)
	assert.Eventually(t, func() bool {
		_, err := f.channel.Read(ctx, record.CallID)
		return errors.Is(err, domain.ErrCallNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	f.archiver.AssertNumberOfCalls(t, "Archive", 1)
	archived := f.archiver.Calls[0].Arguments.Get(1).(*domain.CallRecord)
	assert.Equal(t, domain.CallStatusEnded, archived.Status)
	assert.Equal(t, 95, archived.Duration)
}

func TestEnd_SecondFinalizerKeepsFirstWrite(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.archiver.On("Archive", mock.Anything, mock.Anything).Return(nil)

	record, err := f.registry.Create(ctx, domain.CallTypeAudio, "alice", "Alice", "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, f.registry.End(ctx, record.CallID, "alice", 0, domain.CallStatusMissed))
	require.NoError(t, f.registry.End(ctx, record.CallID, "bob", 30, domain.CallStatusEnded))

	stored, err := f.channel.Read(ctx, record.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, stored.Status)
	assert.Equal(t, "alice", stored.EndedBy)

	// Only the first finalizer archives.
	f.archiver.AssertNumberOfCalls(t, "Archive", 1)
}

func TestEnd_MissingRecord(t *testing.T) {
	f := newRegistryFixture(t)
	err := f.registry.End(context.Background(), "alice_bob_0", "alice", 0, domain.CallStatusEnded)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestDecline_SchedulesDeletionWithoutArchiving(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	record, err := f.registry.Create(ctx, domain.CallTypeAudio, "alice", "Alice", "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, f.registry.Decline(ctx, record.CallID, "bob"))

	stored, err := f.channel.Read(ctx, record.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, stored.Status)
	assert.Equal(t, "bob", stored.EndedBy)

	f.clk.Add(testGraceDelay)
	assert.Eventually(t, func() bool {
		_, err := f.channel.Read(ctx, record.CallID)
		return errors.Is(err, domain.ErrCallNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	f.archiver.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
}

func TestEnd_ArchiveFailureDoesNotFailTheCall(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.archiver.On("Archive", mock.Anything, mock.Anything).Return(errors.New("db down"))

	record, err := f.registry.Create(ctx, domain.CallTypeAudio, "alice", "Alice", "bob", "Bob")
	require.NoError(t, err)

	assert.NoError(t, f.registry.End(ctx, record.CallID, "alice", 10, domain.CallStatusEnded))
}

func TestNotify_StampsCreationTime(t *testing.T) {
	f := newRegistryFixture(t)
	f.notifier.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)

	f.registry.Notify(context.Background(), &domain.CallEvent{
		ChatID:     domain.ChatIDFor("alice", "bob"),
		CallID:     "alice_bob_0",
		FromUserID: "alice",
		ToUserID:   "bob",
		Type:       domain.CallEventMissed,
		CallType:   domain.CallTypeAudio,
	})

	f.notifier.AssertNumberOfCalls(t, "AppendEvent", 1)
	event := f.notifier.Calls[0].Arguments.Get(1).(*domain.CallEvent)
	assert.Equal(t, f.clk.Now().UTC(), event.CreatedAt)
}

func TestNotify_SwallowsChatFailure(t *testing.T) {
	f := newRegistryFixture(t)
	f.notifier.On("AppendEvent", mock.Anything, mock.Anything).Return(errors.New("cassandra down"))

	assert.NotPanics(t, func() {
		f.registry.Notify(context.Background(), &domain.CallEvent{
			CallID: "alice_bob_0",
			Type:   domain.CallEventEnded,
		})
	})
}

func TestNotify_NilChatIsNoop(t *testing.T) {
	mem := memory.New()
	channel := signaling.NewChannel(mem, mem, zap.NewNop())
	registry := NewRegistry(channel, nil, nil, clock.NewMock(), testGraceDelay, zap.NewNop())

	assert.NotPanics(t, func() {
		registry.Notify(context.Background(), &domain.CallEvent{CallID: "alice_bob_0"})
	})
}
