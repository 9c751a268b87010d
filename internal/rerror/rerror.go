// Package rerror defines the runner's error taxonomy so executors and the
// supervisor can branch on failure class without string matching.
package rerror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for logging, metrics, and session/job surfacing.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransient     Kind = "transient_store"
	KindPoison        Kind = "poison_message"
	KindCredential    Kind = "credential"
	KindGit           Kind = "git"
	KindAgentTimeout  Kind = "agent_timeout"
	KindAgentNonZero  Kind = "agent_nonzero"
	KindMRAPI         Kind = "mr_api"
	KindPanic         Kind = "panic"
	KindShutdown      Kind = "shutdown"
)

// Error wraps an underlying cause with a Kind so callers can use errors.As
// to decide how to surface it (session field, job field, log-only, fatal).
type Error struct {
	Kind Kind
	Op   string // component/operation, e.g. "git.Clone", "agent.Execute"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name. Returns nil if err
// is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
