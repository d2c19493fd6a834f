// ABOUTME: Tests for coded protocol errors
// ABOUTME: Covers code extraction through wrapping and rate-limit classification

package hiamp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf_ThroughWrapping(t *testing.T) {
	base := Errorf(CodeUnknownPeer, "no peer %q", "zoe")
	wrapped := fmt.Errorf("resolving channel: %w", base)

	assert.Equal(t, CodeUnknownPeer, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("send: %w", Errorf(CodeKillSwitch, "kill switch active"))

	assert.True(t, errors.Is(err, &Error{Code: CodeKillSwitch}))
	assert.False(t, errors.Is(err, &Error{Code: CodeDisabled}))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("connection refused")

	assert.Equal(t, "NETWORK_ERROR: connection refused", Wrap(CodeNetworkError, cause, "").Error())
	assert.Equal(t, "API_ERROR: fetching teams: connection refused", Wrap(CodeAPIError, cause, "fetching teams").Error())
	assert.Equal(t, "DISABLED: protocol disabled", Errorf(CodeDisabled, "protocol disabled").Error())
}

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"coded", Errorf(CodeRateLimited, "slow down"), true},
		{"http status", errors.New("unexpected status 429"), true},
		{"matrix errcode", errors.New("M_LIMIT_EXCEEDED (HTTP 429): Too Many Requests"), true},
		{"slack style", errors.New("slack: ratelimited"), true},
		{"underscore", errors.New("rate_limit hit"), true},
		{"unrelated", errors.New("channel_not_found"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRateLimit(tc.err))
		})
	}
}
