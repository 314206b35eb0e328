// ABOUTME: Tests for mapping mautrix errors onto transport error kinds
// ABOUTME: Rate limits keep the server's retry hint

package matrix

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix"

	"github.com/2389/coven-relay/internal/transport"
)

func httpError(status int, code string, extra map[string]any) error {
	return mautrix.HTTPError{
		Response:  &http.Response{StatusCode: status, Header: http.Header{}},
		RespError: &mautrix.RespError{ErrCode: code, ExtraData: extra},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  transport.ErrorKind
		after time.Duration
	}{
		{"rate limited with hint", httpError(429, "M_LIMIT_EXCEEDED", map[string]any{"retry_after_ms": float64(1500)}), transport.KindRateLimited, 1500 * time.Millisecond},
		{"rate limited without hint", httpError(429, "M_LIMIT_EXCEEDED", nil), transport.KindRateLimited, 0},
		{"server error", httpError(502, "", nil), transport.KindTransient, 0},
		{"no response", mautrix.HTTPError{WrappedError: errors.New("connection reset")}, transport.KindTransient, 0},
		{"forbidden", httpError(403, "M_FORBIDDEN", nil), transport.KindPermanent, 0},
		{"unknown error", errors.New("boom"), transport.KindPermanent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, after := transport.Classify(classify(tt.err))
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.after, after)
		})
	}
}

func TestClassify_RetryAfterHeader(t *testing.T) {
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"7"}}}
	_, after := transport.Classify(classify(mautrix.HTTPError{Response: resp}))
	assert.Equal(t, 7*time.Second, after)
}

func TestClassify_ContextErrorsPassThrough(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(context.DeadlineExceeded), context.DeadlineExceeded)
	kind, _ := transport.Classify(classify(context.DeadlineExceeded))
	assert.Equal(t, transport.KindTransient, kind)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(httpError(404, "M_NOT_FOUND", nil)))
	assert.True(t, isNotFound(classify(httpError(404, "M_NOT_FOUND", nil))))
	assert.False(t, isNotFound(httpError(403, "M_FORBIDDEN", nil)))
}
