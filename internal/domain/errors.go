package domain

import (
	"errors"
	"fmt"
)

// Session protocol errors
var (
	ErrInvalidTrack                 = errors.New("map has no such track or zone")
	ErrNotOwner                     = errors.New("session belongs to another user")
	ErrNoSession                    = errors.New("no run session in progress")
	ErrDuplicateTimestamp           = errors.New("zone timestamp already recorded")
	ErrFullTrackRunsCannotTimestamp = errors.New("single-zone runs cannot record timestamps")
	ErrSessionBusy                  = errors.New("another session operation is in flight for this user")
)

// Lookup and transport errors
var (
	ErrMapNotFound     = errors.New("map not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrEntryNotFound   = errors.New("leaderboard entry not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
	ErrReplayTooLarge  = errors.New("replay exceeds maximum size")
	ErrUnauthenticated = errors.New("missing or invalid user identity")
)

// RejectReason classifies why a submitted run was refused.
type RejectReason string

const (
	ReasonBadReplayFile   RejectReason = "BAD_REPLAY_FILE"
	ReasonBadTimestamps   RejectReason = "BAD_TIMESTAMPS"
	ReasonBadMeta         RejectReason = "BAD_META"
	ReasonOutOfSync       RejectReason = "OUT_OF_SYNC"
	ReasonFuckyBehaviour  RejectReason = "FUCKY_BEHAVIOUR"
	ReasonUnsupportedMode RejectReason = "UNSUPPORTED_MODE"
)

// RunRejectedError is returned when a replay fails validation. The session
// that produced it has already been consumed.
type RunRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RunRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("run rejected: %s", e.Reason)
	}
	return fmt.Sprintf("run rejected: %s: %s", e.Reason, e.Detail)
}

// Is matches any other rejection with the same reason, so the sentinels below
// work with errors.Is regardless of detail text.
func (e *RunRejectedError) Is(target error) bool {
	t, ok := target.(*RunRejectedError)
	return ok && t.Reason == e.Reason
}

// Rejection sentinels
var (
	ErrBadReplayFile   = &RunRejectedError{Reason: ReasonBadReplayFile}
	ErrBadTimestamps   = &RunRejectedError{Reason: ReasonBadTimestamps}
	ErrBadMeta         = &RunRejectedError{Reason: ReasonBadMeta}
	ErrOutOfSync       = &RunRejectedError{Reason: ReasonOutOfSync}
	ErrFuckyBehaviour  = &RunRejectedError{Reason: ReasonFuckyBehaviour}
	ErrUnsupportedMode = &RunRejectedError{Reason: ReasonUnsupportedMode}
)

// Reject builds a rejection carrying a formatted detail message.
func Reject(reason RejectReason, format string, args ...any) *RunRejectedError {
	return &RunRejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a replay rejection and returns it.
func IsRejection(err error) (*RunRejectedError, bool) {
	var rej *RunRejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrMapNotFound) || errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrNoSession) || errors.Is(err, ErrEntryNotFound)
}
