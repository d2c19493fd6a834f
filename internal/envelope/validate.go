// ABOUTME: Field well-formedness checks for HIAMP messages
// ABOUTME: Reports every problem found; unknown extra fields never fail validation

package envelope

import (
	"fmt"
	"time"
)

// ValidationResult lists every problem found in a message.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks version, identifier shapes, addresses, enumerated values
// and the expiry timestamp.
func Validate(m Message) ValidationResult {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if m.Version != ProtocolVersion {
		add("unsupported protocol version %q (want %q)", m.Version, ProtocolVersion)
	}
	if !IsMessageID(m.ID) {
		add("invalid message id %q", m.ID)
	}
	if _, err := ParseAddress(m.From); err != nil {
		add("invalid from: %v", err)
	}
	if _, err := ParseAddress(m.To); err != nil {
		add("invalid to: %v", err)
	}
	if !m.Intent.Valid() {
		add("unknown intent %q", m.Intent)
	}
	if m.Thread != "" && !IsThreadID(m.Thread) {
		add("invalid thread id %q", m.Thread)
	}
	if m.ReplyTo != "" && !IsMessageID(m.ReplyTo) {
		add("invalid reply-to %q", m.ReplyTo)
	}
	if m.Priority != "" && !m.Priority.Valid() {
		add("unknown priority %q", m.Priority)
	}
	if m.Ack != "" && !m.Ack.Valid() {
		add("unknown ack mode %q", m.Ack)
	}
	if m.Expires != "" {
		if _, err := time.Parse(time.RFC3339, m.Expires); err != nil {
			add("invalid expires %q: not an RFC 3339 timestamp", m.Expires)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
