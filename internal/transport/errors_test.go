// ABOUTME: Tests for transport error classification
// ABOUTME: Covers explicit kinds, wrapped errors, and fallbacks for unclassified errors

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		wantAfter time.Duration
	}{
		{"transient", Transient(boom), KindTransient, 0},
		{"rate limited with hint", RateLimited(boom, 7*time.Second), KindRateLimited, 7 * time.Second},
		{"permanent", Permanent(boom), KindPermanent, 0},
		{"wrapped transient", fmt.Errorf("sending: %w", Transient(boom)), KindTransient, 0},
		{"deadline", context.DeadlineExceeded, KindTransient, 0},
		{"canceled", context.Canceled, KindPermanent, 0},
		{"net error", &net.OpError{Op: "dial", Err: boom}, KindTransient, 0},
		{"thread gone", fmt.Errorf("send: %w", ErrThreadNotFound), KindPermanent, 0},
		{"unknown", boom, KindPermanent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, after := Classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantAfter, after)
		})
	}
}

func TestError_UnwrapKeepsSentinel(t *testing.T) {
	err := Permanent(ErrThreadNotFound)
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "permanent")
}
