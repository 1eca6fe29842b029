// Package syncerr classifies the failures a sync session can run into.
//
// Session-level kinds (Authentication, FolderResolution) abort a pass.
// Record-level kinds (TransientNetwork, Serialization, ConflictAmbiguity)
// are recorded against the record and the pass continues.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind string

const (
	Authentication    Kind = "authentication"
	FolderResolution  Kind = "folder_resolution"
	TransientNetwork  Kind = "transient_network"
	Serialization     Kind = "serialization"
	ConflictAmbiguity Kind = "conflict_ambiguity"
	Internal          Kind = "internal"
)

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

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap keeps an already classified error as is and classifies the rest
// with kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return New(kind, op, err)
}

// KindOf returns the kind of the outermost classified error in the chain.
// Deadlines and network errors that were never classified count as
// transient; anything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if IsTransient(err) {
		return TransientNetwork
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == TransientNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryableStatus reports whether an HTTP status returned by a remote
// store should be retried.
func RetryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// FromStatus classifies an HTTP status returned by a remote store.
func FromStatus(op string, code int, err error) error {
	switch {
	case code == 401 || code == 403:
		return New(Authentication, op, err)
	case RetryableStatus(code):
		return New(TransientNetwork, op, err)
	default:
		return New(Internal, op, err)
	}
}
