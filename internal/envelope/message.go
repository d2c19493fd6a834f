// ABOUTME: HIAMP message model: intents, priorities, ack modes, addresses and IDs
// ABOUTME: Messages are immutable values; re-sends get a fresh ID via NewMessageID

package envelope

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only wire version this package emits and accepts.
const ProtocolVersion = "v1"

// MaxAddressLength bounds owner/worker-id including the separator.
const MaxAddressLength = 64

// Intent describes the purpose of a message.
type Intent string

const (
	IntentHandoff     Intent = "handoff"
	IntentRequest     Intent = "request"
	IntentInform      Intent = "inform"
	IntentAcknowledge Intent = "acknowledge"
	IntentQuery       Intent = "query"
	IntentResponse    Intent = "response"
	IntentError       Intent = "error"
	IntentShare       Intent = "share"
)

// Intents lists every valid intent in declaration order.
var Intents = []Intent{
	IntentHandoff,
	IntentRequest,
	IntentInform,
	IntentAcknowledge,
	IntentQuery,
	IntentResponse,
	IntentError,
	IntentShare,
}

// Valid reports whether i is one of the closed set of intents.
func (i Intent) Valid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// Priority is an optional urgency hint.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Ack is the acknowledgement mode requested by the sender.
type Ack string

const (
	AckRequested Ack = "requested"
	AckOptional  Ack = "optional"
	AckNone      Ack = "none"
)

// Valid reports whether a is a known ack mode.
func (a Ack) Valid() bool {
	switch a {
	case AckRequested, AckOptional, AckNone:
		return true
	}
	return false
}

// Message is a structured inter-agent message. Optional fields are empty
// when absent. Extra holds unrecognised wire keys so newer peers can add
// fields without breaking older parsers.
type Message struct {
	Version  string            `json:"version"`
	ID       string            `json:"id"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Intent   Intent            `json:"intent"`
	Body     string            `json:"body"`
	Thread   string            `json:"thread,omitempty"`
	Priority Priority          `json:"priority,omitempty"`
	Ack      Ack               `json:"ack,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	ReplyTo  string            `json:"replyTo,omitempty"`
	Expires  string            `json:"expires,omitempty"`
	Attach   []string          `json:"attach,omitempty"`
	Token    string            `json:"token,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

var (
	messageIDPattern = regexp.MustCompile(`^msg-[a-zA-Z0-9]{6,12}$`)
	threadIDPattern  = regexp.MustCompile(`^thr-[a-zA-Z0-9]{6,12}$`)
	segmentPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)
)

// IsMessageID reports whether s has the msg-XXXXXX shape.
func IsMessageID(s string) bool { return messageIDPattern.MatchString(s) }

// IsThreadID reports whether s has the thr-XXXXXX shape.
func IsThreadID(s string) bool { return threadIDPattern.MatchString(s) }

// NewMessageID returns a fresh msg- identifier.
func NewMessageID() string { return "msg-" + shortID() }

// NewThreadID returns a fresh thr- identifier.
func NewThreadID() string { return "thr-" + shortID() }

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Address identifies a worker belonging to an owner.
type Address struct {
	Owner  string
	Worker string
}

func (a Address) String() string {
	return a.Owner + "/" + a.Worker
}

// ParseAddress splits and checks an owner/worker-id address.
func ParseAddress(s string) (Address, error) {
	if len(s) > MaxAddressLength {
		return Address{}, fmt.Errorf("address %q exceeds %d characters", s, MaxAddressLength)
	}
	owner, worker, ok := strings.Cut(s, "/")
	if !ok {
		return Address{}, fmt.Errorf("address %q must have the form owner/worker-id", s)
	}
	if !segmentPattern.MatchString(owner) {
		return Address{}, fmt.Errorf("address %q has an invalid owner segment", s)
	}
	if !segmentPattern.MatchString(worker) {
		return Address{}, fmt.Errorf("address %q has an invalid worker segment", s)
	}
	return Address{Owner: owner, Worker: worker}, nil
}

// Expired reports whether m carries an expiry at or before now. Messages
// without an expiry, or with an unparseable one, never expire.
func Expired(m Message, now time.Time) bool {
	if m.Expires == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, m.Expires)
	if err != nil {
		return false
	}
	return !now.Before(t)
}
