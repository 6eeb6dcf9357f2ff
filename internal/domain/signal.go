package domain

import (
	"encoding/json"
	"time"
)

// SignalRole identifies which side of the call authored a signal message.
// Each consumer must discard messages tagged with its own role (echo
// suppression) because both peers read the same append-only log.
type SignalRole string

const (
	RoleCaller SignalRole = "caller"
	RoleCallee SignalRole = "callee"
)

// Opposite returns the other side's role
func (r SignalRole) Opposite() SignalRole {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// SignalKind is the type of a negotiation message
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// SignalMessage is one offer/answer/candidate exchanged between peers via
// the signaling channel. Entries are append-only and ordered by write time;
// candidate messages may still be observed out of order relative to the
// offer/answer they belong to.
type SignalMessage struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	SenderRole SignalRole      `json:"sender_role"`
	Kind       SignalKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	SentAt     time.Time       `json:"sent_at"`
}
