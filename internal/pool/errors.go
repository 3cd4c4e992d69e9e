package pool

import (
	"errors"
	"fmt"
)

// Kind categorizes a pool Error so callers (notably the HTTP controller) can
// map it to a response without string-matching messages.
type Kind int

const (
	// KindSpawnError means the spawner failed to boot a process.
	KindSpawnError Kind = iota
	// KindRequestQueueFull means a Group's getWaitlist is at its configured cap.
	KindRequestQueueFull
	// KindGetTimeout means a queued get() hit its deadline before being served.
	KindGetTimeout
	// KindGroupShuttingDown means the target Group is past ALIVE.
	KindGroupShuttingDown
	// KindPoolShuttingDown means the Pool itself is shutting down.
	KindPoolShuttingDown
	// KindProcessDied means the Process exited between selection and initiate().
	KindProcessDied
	// KindDisconnected means the caller went away before being served.
	KindDisconnected
	// KindInternal means an invariant was violated. Always a bug, never a
	// normal operating condition.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindSpawnError:
		return "SpawnError"
	case KindRequestQueueFull:
		return "RequestQueueFull"
	case KindGetTimeout:
		return "GetTimeout"
	case KindGroupShuttingDown:
		return "GroupShuttingDown"
	case KindPoolShuttingDown:
		return "PoolShuttingDown"
	case KindProcessDied:
		return "ProcessDied"
	case KindDisconnected:
		return "Disconnected"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned across the Pool's public surface.
// Mirrors internal/common/errors.AppError in shape (a kind tag, a message,
// an optional wrapped cause) but stays inside this package so pool code
// never has to import the HTTP-flavored AppError type.
type Error struct {
	Kind Kind
	// Message is a human-readable summary.
	Message string
	// Stderr carries the last 4KB of a failed child's stderr, populated only
	// for KindSpawnError.
	Stderr string
	// Stage names the last spawn journey step that completed, populated only
	// for KindSpawnError (e.g. "fork", "handshake-timeout").
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func errSpawn(msg, stage, stderr string, cause error) *Error {
	return &Error{Kind: KindSpawnError, Message: msg, Stage: stage, Stderr: stderr, Err: cause}
}

// NewSpawnError constructs a KindSpawnError for use by internal/spawning,
// which lives outside this package and so needs an exported entry point
// into the same Error shape the Group's spawn-throttle logic expects back.
func NewSpawnError(msg, stage, stderr string, cause error) *Error {
	return errSpawn(msg, stage, stderr, cause)
}

func errQueueFull(maxSize int) *Error {
	return newError(KindRequestQueueFull, fmt.Sprintf("request queue full (max %d)", maxSize), nil)
}

func errGetTimeout() *Error {
	return newError(KindGetTimeout, "timed out waiting for a process", nil)
}

func errGroupShuttingDown(name string) *Error {
	return newError(KindGroupShuttingDown, fmt.Sprintf("group %q is shutting down", name), nil)
}

func errPoolShuttingDown() *Error {
	return newError(KindPoolShuttingDown, "pool is shutting down", nil)
}

func errProcessDied(gupid string, cause error) *Error {
	return newError(KindProcessDied, fmt.Sprintf("process %s died", gupid), cause)
}

func errDisconnected() *Error {
	return newError(KindDisconnected, "caller disconnected", nil)
}

func errInternal(msg string) *Error {
	return newError(KindInternal, msg, nil)
}

// IsRetryable reports whether the controller should retry the get() once
// before surfacing the error to the client, per spec §7 (ProcessDied is
// retried once internally).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindProcessDied
	}
	return false
}
