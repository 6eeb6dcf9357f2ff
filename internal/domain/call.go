package domain

import (
	"fmt"
	"strconv"
	"time"
)

// CallType distinguishes audio-only from audio+video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a shared call record.
// ringing -> accepted is the only forward edge before a terminal state;
// declined, missed and ended are terminal.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusDeclined CallStatus = "declined"
	CallStatusMissed   CallStatus = "missed"
	CallStatusEnded    CallStatus = "ended"
)

// Terminal reports whether s is a final status after which the record
// is deleted and no further transitions are valid
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusDeclined, CallStatusMissed, CallStatusEnded:
		return true
	}
	return false
}

// CallRecord is the shared mutable document describing one call.
// Both peers observe the same record through independent subscriptions;
// the store merges fields with last-write-wins semantics.
type CallRecord struct {
	CallID       string     `json:"call_id"`
	CallerID     string     `json:"caller_id"`
	CallerName   string     `json:"caller_name"`
	ReceiverID   string     `json:"receiver_id"`
	ReceiverName string     `json:"receiver_name"`
	Type         CallType   `json:"type"`
	Status       CallStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	DeclinedAt   *time.Time `json:"declined_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Duration     int        `json:"duration,omitempty"` // seconds, set only at ended
	EndedBy      string     `json:"ended_by,omitempty"`
}

// NewCallID builds the globally unique call identifier.
// Format: {callerID}_{receiverID}_{creationTimeMillis}
func NewCallID(callerID, receiverID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", callerID, receiverID, at.UnixMilli())
}

// Record field names used by merge stores
const (
	FieldCallerID     = "caller_id"
	FieldCallerName   = "caller_name"
	FieldReceiverID   = "receiver_id"
	FieldReceiverName = "receiver_name"
	FieldType         = "type"
	FieldStatus       = "status"
	FieldCreatedAt    = "created_at"
	FieldAcceptedAt   = "accepted_at"
	FieldDeclinedAt   = "declined_at"
	FieldEndedAt      = "ended_at"
	FieldDuration     = "duration"
	FieldEndedBy      = "ended_by"
)

// Fields flattens the record into the string map a merge store writes.
// Only set fields are emitted so a partial update never clears siblings.
func (r *CallRecord) Fields() map[string]string {
	f := map[string]string{
		FieldCallerID:     r.CallerID,
		FieldCallerName:   r.CallerName,
		FieldReceiverID:   r.ReceiverID,
		FieldReceiverName: r.ReceiverName,
		FieldType:         string(r.Type),
		FieldStatus:       string(r.Status),
		FieldCreatedAt:    strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
	}
	if r.AcceptedAt != nil {
		f[FieldAcceptedAt] = strconv.FormatInt(r.AcceptedAt.UnixMilli(), 10)
	}
	if r.DeclinedAt != nil {
		f[FieldDeclinedAt] = strconv.FormatInt(r.DeclinedAt.UnixMilli(), 10)
	}
	if r.EndedAt != nil {
		f[FieldEndedAt] = strconv.FormatInt(r.EndedAt.UnixMilli(), 10)
	}
	if r.Duration > 0 {
		f[FieldDuration] = strconv.Itoa(r.Duration)
	}
	if r.EndedBy != "" {
		f[FieldEndedBy] = r.EndedBy
	}
	return f
}

// RecordFromFields rebuilds a CallRecord from a merge store's field map
func RecordFromFields(callID string, fields map[string]string) *CallRecord {
	r := &CallRecord{
		CallID:       callID,
		CallerID:     fields[FieldCallerID],
		CallerName:   fields[FieldCallerName],
		ReceiverID:   fields[FieldReceiverID],
		ReceiverName: fields[FieldReceiverName],
		Type:         CallType(fields[FieldType]),
		Status:       CallStatus(fields[FieldStatus]),
	}
	r.CreatedAt = millisField(fields, FieldCreatedAt)
	r.AcceptedAt = millisFieldPtr(fields, FieldAcceptedAt)
	r.DeclinedAt = millisFieldPtr(fields, FieldDeclinedAt)
	r.EndedAt = millisFieldPtr(fields, FieldEndedAt)
	if v, err := strconv.Atoi(fields[FieldDuration]); err == nil {
		r.Duration = v
	}
	r.EndedBy = fields[FieldEndedBy]
	return r
}

func millisField(fields map[string]string, key string) time.Time {
	ms, err := strconv.ParseInt(fields[key], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millisFieldPtr(fields map[string]string, key string) *time.Time {
	if _, ok := fields[key]; !ok {
		return nil
	}
	t := millisField(fields, key)
	return &t
}

// FormatDuration renders a call duration as mm:ss for human-readable logs
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
