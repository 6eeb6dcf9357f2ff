package domain

import "errors"

// Sentinel errors shared across the call core
var (
	// ErrCallNotFound indicates the call record does not exist (already
	// deleted after a terminal transition, or never created)
	ErrCallNotFound = errors.New("call not found")

	// ErrBusy indicates a new call was requested while the local state
	// machine is not idle
	ErrBusy = errors.New("another call is in progress")

	// ErrBlocked indicates a blocking relationship prevents the call
	ErrBlocked = errors.New("calling between these users is blocked")

	// ErrUserNotFound indicates the peer is not present in the roster
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidState indicates a command that is not valid in the
	// orchestrator's current state (e.g. accept with no incoming call)
	ErrInvalidState = errors.New("operation not valid in current call state")
)
