package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCallID(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewCallID("alice", "bob", at)
	assert.Equal(t, "alice_bob_1741944413000", id)
}

func TestCallTypeValid(t *testing.T) {
	assert.True(t, CallTypeAudio.Valid())
	assert.True(t, CallTypeVideo.Valid())
	assert.False(t, CallType("screen").Valid())
	assert.False(t, CallType("").Valid())
}

func TestCallStatusTerminal(t *testing.T) {
	assert.False(t, CallStatusRinging.Terminal())
	assert.False(t, CallStatusAccepted.Terminal())
	assert.True(t, CallStatusDeclined.Terminal())
	assert.True(t, CallStatusMissed.Terminal())
	assert.True(t, CallStatusEnded.Terminal())
}

func TestRecordFields_RoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	accepted := created.Add(4 * time.Second)
	ended := accepted.Add(95 * time.Second)

	record := &CallRecord{
		CallID:       NewCallID("alice", "bob", created),
		CallerID:     "alice",
		CallerName:   "Alice",
		ReceiverID:   "bob",
		ReceiverName: "Bob",
		Type:         CallTypeVideo,
		Status:       CallStatusEnded,
		CreatedAt:    created,
		AcceptedAt:   &accepted,
		EndedAt:      &ended,
		Duration:     95,
		EndedBy:      "alice",
	}

	got := RecordFromFields(record.CallID, record.Fields())

	assert.Equal(t, record.CallID, got.CallID)
	assert.Equal(t, record.CallerID, got.CallerID)
	assert.Equal(t, record.ReceiverName, got.ReceiverName)
	assert.Equal(t, record.Type, got.Type)
	assert.Equal(t, record.Status, got.Status)
	assert.Equal(t, created, got.CreatedAt)
	assert.NotNil(t, got.AcceptedAt)
	assert.Equal(t, accepted, *got.AcceptedAt)
	assert.Nil(t, got.DeclinedAt)
	assert.Equal(t, 95, got.Duration)
	assert.Equal(t, "alice", got.EndedBy)
}

func TestRecordFields_OmitsUnsetFields(t *testing.T) {
	record := &CallRecord{
		CallID:     "alice_bob_1",
		CallerID:   "alice",
		ReceiverID: "bob",
		Type:       CallTypeAudio,
		Status:     CallStatusRinging,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	fields := record.Fields()

	// A ringing write must never carry terminal fields that a later
	// partial merge would then fail to clear.
	assert.NotContains(t, fields, FieldAcceptedAt)
	assert.NotContains(t, fields, FieldDeclinedAt)
	assert.NotContains(t, fields, FieldEndedAt)
	assert.NotContains(t, fields, FieldDuration)
	assert.NotContains(t, fields, FieldEndedBy)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:07", FormatDuration(7))
	assert.Equal(t, "01:35", FormatDuration(95))
	assert.Equal(t, "61:01", FormatDuration(3661))
	assert.Equal(t, "00:00", FormatDuration(-5))
}
