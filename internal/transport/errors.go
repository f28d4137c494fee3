package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mschirtzinger/calsync/internal/schema"
)

// Sentinel errors matched by StatusError.Is.
//
//	if errors.Is(err, transport.ErrConflict) {
//	    // refetch and reconcile
//	}
var (
	// ErrAborted is returned when the request's context was cancelled.
	ErrAborted = errors.New("aborted")

	// ErrTimedOut is returned when the request exceeded its timeout.
	ErrTimedOut = errors.New("timed out")

	// ErrConflict is returned for a 409 version conflict.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound is returned for a 404.
	ErrNotFound = errors.New("not found")
)

// Reasons used in StatusError when there is no HTTP status.
const (
	ReasonAborted  = "aborted"
	ReasonTimedOut = "timed out"
	ReasonNetwork  = "network"
)

// StatusError is the typed failure of a request: an HTTP-like status code or
// a transport reason, plus the server's current version on a 409.
type StatusError struct {
	Status   int
	Reason   string
	Message  string
	Conflict *schema.Record
	Err      error
}

func (e *StatusError) Error() string {
	var what string
	switch {
	case e.Status != 0:
		what = fmt.Sprintf("status %d", e.Status)
	case e.Reason != "":
		what = e.Reason
	default:
		what = "request failed"
	}
	if e.Message != "" {
		what += ": " + e.Message
	}
	if e.Err != nil {
		what += ": " + e.Err.Error()
	}
	return what
}

func (e *StatusError) Unwrap() error { return e.Err }

// Is matches the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAborted:
		return e.Reason == ReasonAborted
	case ErrTimedOut:
		return e.Reason == ReasonTimedOut
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// IsConflict reports whether err is a 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether a later attempt may succeed without any
// reconciliation: timeouts, aborts, network failures and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Status >= 500 {
		return true
	}
	return se.Reason == ReasonTimedOut || se.Reason == ReasonAborted || se.Reason == ReasonNetwork
}

// ConflictOf returns the server version attached to a 409, or nil.
func ConflictOf(err error) *schema.Record {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Conflict
	}
	return nil
}
