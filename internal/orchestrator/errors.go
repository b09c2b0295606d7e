package orchestrator

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the orchestrator matches exactly
// one of these with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid state")
	ErrUpstream     = errors.New("upstream failure")
)

// Allocator specific errors, refining the taxonomy above.
var (
	ErrNoChannelAssigned    = fmt.Errorf("no channel assigned to host: %w", ErrNotFound)
	ErrChannelRecordMissing = fmt.Errorf("assigned channel record missing: %w", ErrNotFound)
	ErrChannelOffline       = fmt.Errorf("channel is offline: %w", ErrUnavailable)
	ErrCapacityExceeded     = fmt.Errorf("active session capacity reached: %w", ErrUnavailable)
	ErrInvalidTransition    = fmt.Errorf("invalid channel transition: %w", ErrInvalidState)
)

// Store errors.
var (
	// ErrVersionMismatch is returned by conditional writes whose expected
	// version does not match the stored record.
	ErrVersionMismatch = fmt.Errorf("record version mismatch: %w", ErrConflict)

	// ErrMissingStages is returned by the controller when the session lacks
	// one of its stage handles. It is structural, never retried.
	ErrMissingStages = fmt.Errorf("session has no raw or program stage: %w", ErrInvalidState)
)

// ChannelConflictError reports that a channel is already LIVE under another
// session.
type ChannelConflictError struct {
	ChannelID string
	SessionID string
}

func (e *ChannelConflictError) Error() string {
	return fmt.Sprintf("channel %s is live under session %s", e.ChannelID, e.SessionID)
}

func (e *ChannelConflictError) Is(target error) bool { return target == ErrConflict }

// SourceError reports a malformed source identifier.
type SourceError struct {
	Token  string
	Reason string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("invalid source %q: %s", e.Token, e.Reason)
}

func (e *SourceError) Is(target error) bool { return target == ErrBadRequest }

// UpstreamError wraps a failed call to an external collaborator.
// Fatal errors aborted the enclosing workflow; degraded ones were tolerated.
type UpstreamError struct {
	Step  string
	Fatal bool
	Err   error
}

func (e *UpstreamError) Error() string {
	kind := "degraded"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s upstream failure in %s: %v", kind, e.Step, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }
