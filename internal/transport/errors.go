// ABOUTME: Error taxonomy for transport calls
// ABOUTME: Classifies failures as transient, rate limited, or permanent for the retry policy

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrThreadNotFound means the target thread no longer exists on the network.
var ErrThreadNotFound = errors.New("thread not found")

// ErrorKind drives the retry decision.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error wraps a transport failure with its classification.
type Error struct {
	Kind ErrorKind
	// RetryAfter is the server-suggested wait for rate-limited errors.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }

// RateLimited marks err as a rate limit, with an optional server hint.
func RateLimited(err error, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return &Error{Kind: KindPermanent, Err: err} }

// Classify returns the kind of err and any retry hint. Unclassified errors
// are permanent except deadline and network errors, which are transient.
func Classify(err error) (ErrorKind, time.Duration) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, te.RetryAfter
	}
	if errors.Is(err, ErrThreadNotFound) || errors.Is(err, context.Canceled) {
		return KindPermanent, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient, 0
	}
	return KindPermanent, 0
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	k, _ := Classify(err)
	return k == KindPermanent
}
