package domain

import (
	"sort"
	"strings"
	"time"
)

// CallEventType is a call lifecycle transition worth surfacing in a chat
// history ("started" is implicit via the UI and never logged)
type CallEventType string

const (
	CallEventEnded  CallEventType = "call_ended"
	CallEventMissed CallEventType = "call_missed"
)

// CallEvent is the one-line record appended to the external chat log on a
// terminal call transition. Delivery is best effort; the call core never
// fails on a lost event.
type CallEvent struct {
	ChatID     string        `json:"chat_id"`
	CallID     string        `json:"call_id"`
	FromUserID string        `json:"from_user_id"`
	ToUserID   string        `json:"to_user_id"`
	Type       CallEventType `json:"type"`
	CallType   CallType      `json:"call_type"`
	Duration   int           `json:"duration,omitempty"` // seconds, ended only
	CreatedAt  time.Time     `json:"created_at"`
}

// ChatIDFor derives the deterministic chat identifier for an unordered pair
// of participants, so both sides address the same chat log.
func ChatIDFor(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}
