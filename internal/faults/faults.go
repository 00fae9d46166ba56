// Package faults defines the error taxonomy shared by the coordination core.
// Callers branch on Kind rather than on concrete collaborator errors.
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// Transient errors are retriable; callers should honor RetryAt when set.
	Transient Kind = "transient"
	// Terminal errors must not be retried and surface verbatim.
	Terminal Kind = "terminal"
	// Contract errors indicate caller misuse (unknown handle, bad argument).
	Contract Kind = "contract"
	// Persistence errors are durable-store failures; fatal for write paths
	// that must persist before a side effect.
	Persistence Kind = "persistence"
	// Safety errors deny an operation (kill switch, breaker open, lock lost).
	Safety Kind = "safety"
	// ExternalUnavailable marks adapter-layer failures that feed breakers.
	ExternalUnavailable Kind = "external_unavailable"
)

// Error is the taxonomy-carrying error used across the core.
type Error struct {
	Kind    Kind
	Op      string
	Reason  string
	RetryAt time.Time
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with an operation name and reason.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a taxonomy error with a formatted reason.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// TransientWithRetry marks an error retriable after the given time.
func TransientWithRetry(op string, retryAt time.Time, err error) *Error {
	return &Error{Kind: Transient, Op: op, RetryAt: retryAt, Err: err}
}

// KindOf extracts the taxonomy kind of err. Unclassified errors are
// Terminal: retrying something we do not understand is worse than failing.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Terminal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool { return KindOf(err) == Terminal }

// IsSafety reports whether err is a safety denial.
func IsSafety(err error) bool { return KindOf(err) == Safety }

// IsPersistence reports whether err is a durable-store failure.
func IsPersistence(err error) bool { return KindOf(err) == Persistence }

// RetryAt returns the retry hint carried by a transient error, if any.
func RetryAt(err error) (time.Time, bool) {
	var fe *Error
	if errors.As(err, &fe) && !fe.RetryAt.IsZero() {
		return fe.RetryAt, true
	}
	return time.Time{}, false
}

// Classify inspects an arbitrary collaborator error and buckets it into the
// taxonomy by message shape. Adapters should classify at the boundary; this
// is the fallback for errors that cross it raw.
func Classify(err error) Kind {
	if err == nil {
		return Terminal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return Transient
	case strings.Contains(msg, "no such file"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "disk"),
		strings.Contains(msg, "i/o error"):
		return Persistence
	default:
		return Terminal
	}
}
