package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies session failures.
type Kind string

const (
	// KindNotReady: no live page exists. Rejected immediately, never retried.
	KindNotReady Kind = "not_ready"
	// KindDead: the liveness probe failed.
	KindDead Kind = "dead"
	// KindCheckpoint: a blocking checkpoint could not be dismissed.
	KindCheckpoint Kind = "checkpoint"
	// KindTransient: a step failed in a way a retry may fix.
	KindTransient Kind = "transient"
	// KindFatalRecovery: restart failed during recovery.
	KindFatalRecovery Kind = "fatal_recovery"
	// KindStaleHandle: the page belongs to an earlier session generation.
	KindStaleHandle Kind = "stale_handle"
)

// SessionError is the error type returned by session-level operations.
type SessionError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind using the sentinel values below.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotReady      = &SessionError{Kind: KindNotReady}
	ErrDead          = &SessionError{Kind: KindDead}
	ErrCheckpoint    = &SessionError{Kind: KindCheckpoint}
	ErrTransient     = &SessionError{Kind: KindTransient}
	ErrFatalRecovery = &SessionError{Kind: KindFatalRecovery}
	ErrStaleHandle   = &SessionError{Kind: KindStaleHandle}
)

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first SessionError in err's chain, or "".
func KindOf(err error) Kind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

var criticalFragments = []string{
	"detached",
	"target closed",
	"session closed",
	"context was destroyed",
	"execution context",
	"cannot find context",
	"navigation aborted",
	"net::err_aborted",
	"websocket: close",
	"connection reset",
	"broken pipe",
	"eof",
	"timeout",
	"timed out",
	"no such target",
	"page crashed",
}

// IsCriticalPageError reports whether err indicates the page or its driver
// connection is gone or wedged, as opposed to a missing element.
func IsCriticalPageError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrDead) || errors.Is(err, ErrStaleHandle) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range criticalFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
