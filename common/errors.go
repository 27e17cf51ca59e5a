package common

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by connection, session and frame operations.
// Callers should match them with errors.Is.
var (
	// ErrTargetClosed is returned when an operation is attempted against a
	// connection or target that has gone away.
	ErrTargetClosed = errors.New("target closed")

	// ErrTargetCrashed is returned when the target process crashed.
	ErrTargetCrashed = errors.New("target crashed")

	// ErrSessionClosed is returned when a command is sent on a detached
	// session.
	ErrSessionClosed = errors.New("session closed")

	// ErrFrameDetached is returned when a frame operation races with the
	// frame being removed from the page.
	ErrFrameDetached = errors.New("frame detached")

	// ErrContextDestroyed is returned when an evaluation races with its
	// execution context being torn down by a navigation.
	ErrContextDestroyed = errors.New("execution context destroyed")

	// ErrTimedOut is the target of errors.Is for any *TimeoutError.
	ErrTimedOut = errors.New("timed out")

	// ErrChannelClosed is returned when an internal channel is closed
	// while a consumer is still waiting on it.
	ErrChannelClosed = errors.New("channel closed")
)

// ProtocolError is an error reply to a protocol command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string

	// OriginalMessage holds the raw reply for debugging.
	OriginalMessage string
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("protocol error (%s): %s %s", e.Method, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Method, e.Message)
}

// TimeoutError is returned when a protocol command receives no reply
// within its deadline.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"%s timed out after %s. Increase the timeout via TimeoutSettings.SetDefaultTimeout",
		e.Method, e.Timeout,
	)
}

// Is makes errors.Is(err, ErrTimedOut) match any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimedOut
}
