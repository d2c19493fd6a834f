// ABOUTME: Typed error codes shared by every HIAMP layer (guard, resolver, transport, poller)
// ABOUTME: Failures cross component boundaries as *Error values carrying a stable Code

package hiamp

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the class of a protocol failure.
type Code string

// Error codes surfaced to callers. Resolution and upstream codes are
// transport-specific but share this namespace so callers stay transport-agnostic.
const (
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeKillSwitch        Code = "KILL_SWITCH"
	CodeDisabled          Code = "DISABLED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTransportError    Code = "TRANSPORT_ERROR"
	CodeNetworkError      Code = "NETWORK_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnknownPeer       Code = "UNKNOWN_PEER"
	CodeUnknownTeam       Code = "UNKNOWN_TEAM"
	CodeNoContextMatch    Code = "NO_CONTEXT_MATCH"
	CodeIssueNotFound     Code = "ISSUE_NOT_FOUND"
	CodeIssueCreateFailed Code = "ISSUE_CREATE_FAILED"
	CodeAPIError          Code = "API_ERROR"
	CodeAuthError         Code = "AUTH_ERROR"
	CodeGraphQLError      Code = "GRAPHQL_ERROR"
)

// Error is a coded failure. Err, when set, is the underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so callers can
// write errors.Is(err, &hiamp.Error{Code: hiamp.CodeKillSwitch}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"429",
	"m_limit_exceeded",
}

// IsRateLimit reports whether err signals upstream throttling, either via
// its code or via a medium-specific substring in its text.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if CodeOf(err) == CodeRateLimited {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
