package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies failures by how callers must react to them.
type Kind string

const (
	// KindConfig is bad or missing embed configuration. Fail closed.
	KindConfig Kind = "config_error"
	// KindProtocol is a wrong origin or malformed cross-frame message. Drop, log only.
	KindProtocol Kind = "protocol_violation"
	// KindLockConflict means another device already holds the conversation.
	KindLockConflict Kind = "lock_conflict"
	// KindNetwork is a transient transport failure.
	KindNetwork Kind = "network_error"
	// KindExpired means the conversation is gone for good.
	KindExpired Kind = "expired_resource"
	// KindNotFound means the conversation never existed.
	KindNotFound Kind = "not_found"
	// KindSessionTerminated means credentials could not be renewed.
	KindSessionTerminated Kind = "session_terminated"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a classified error with a formatted cause.
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
