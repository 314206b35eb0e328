// ABOUTME: Maps mautrix errors onto the transport error taxonomy
// ABOUTME: 429 and M_LIMIT_EXCEEDED are rate limits, 5xx and network failures are transient

package matrix

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"maunium.net/go/mautrix"

	"github.com/2389/coven-relay/internal/transport"
)

// classify wraps err for the delivery retry policy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return transport.Permanent(err)
	}

	if httpErr.Response == nil {
		// The request never got an answer.
		return transport.Transient(err)
	}

	status := httpErr.Response.StatusCode
	switch {
	case status == http.StatusTooManyRequests || errors.Is(err, mautrix.MLimitExceeded):
		return transport.RateLimited(err, retryAfter(httpErr))
	case status >= 500:
		return transport.Transient(err)
	case status == http.StatusRequestTimeout:
		return transport.Transient(err)
	default:
		return transport.Permanent(err)
	}
}

// retryAfter reads the server hint from the error body or the Retry-After header.
func retryAfter(httpErr mautrix.HTTPError) time.Duration {
	if httpErr.RespError != nil {
		if ms, ok := httpErr.RespError.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if httpErr.Response != nil {
		if secs, err := strconv.Atoi(httpErr.Response.Header.Get("Retry-After")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// isNotFound reports whether the server said the target event or room is gone.
func isNotFound(err error) bool {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil && httpErr.Response.StatusCode == http.StatusNotFound {
		return true
	}
	return errors.Is(err, mautrix.MNotFound)
}
