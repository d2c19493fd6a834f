// ABOUTME: Transport interface implemented by every HIAMP medium plus its request/result types
// ABOUTME: Push transports (Matrix, Discord) listen; the poll-only issue tracker is driven by the heartbeat

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/2389/hiamp/internal/envelope"
)

var (
	// ErrAlreadyListening is returned by Listen when a listener is running.
	ErrAlreadyListening = errors.New("transport is already listening")

	// ErrListenUnsupported is returned by poll-only transports.
	ErrListenUnsupported = errors.New("transport does not support push listening")

	// ErrNoHandler is returned by Listen when no message handler was supplied.
	ErrNoHandler = errors.New("listen requires a message handler")
)

// Transport sends and receives envelopes through one medium.
type Transport interface {
	// Name identifies the medium, e.g. "matrix".
	Name() string
	Send(ctx context.Context, in SendInput) (SendResult, error)
	SendReply(ctx context.Context, in ReplyInput) (SendResult, error)
	ResolveChannel(ctx context.Context, in ResolveInput) (ResolveResult, error)
	// Listen starts delivering inbound traffic to h and returns once the
	// listener is running. It fails when called twice.
	Listen(ctx context.Context, h Handlers) error
	// Stop halts the listener. Calling it more than once is safe.
	Stop() error
	IsListening() bool
}

// SendInput is a request to post a new message.
type SendInput struct {
	// From is a full owner/worker address. When empty the configured owner
	// and FromWorker (or the default worker) are used.
	From       string
	FromWorker string

	To       string
	Intent   envelope.Intent
	Body     string
	Thread   string
	Priority envelope.Priority
	Ack      envelope.Ack
	Ref      string
	ReplyTo  string
	Expires  string
	Attach   []string
	Token    string

	// Channel bypasses resolution.
	Channel string
	// Context is an opaque tag looked up in the transport's context map.
	Context string
	// ThreadRef is the medium's own thread handle (event id, thread channel, ...).
	ThreadRef string
}

// ReplyInput answers an inbound message in its original channel and thread.
type ReplyInput struct {
	Original Incoming

	FromWorker string
	Intent     envelope.Intent
	Body       string
	Priority   envelope.Priority
	Ack        envelope.Ack
	Attach     []string
}

// SendResult is the transport-agnostic outcome of a successful post.
type SendResult struct {
	ChannelID string
	// MessageID is the medium's id for the post.
	MessageID string
	Thread    string
	// MessageText is the exact wire text that was posted.
	MessageText string
	Envelope    envelope.Message
}

// ResolveInput carries the addressing hints used to pick a channel.
type ResolveInput struct {
	To      string
	Channel string
	Context string
}

// Resolution strategies reported in ResolveResult.
const (
	StrategyExplicit = "explicit"
	StrategyContext  = "context"
	StrategyFallback = "fallback"
)

// ResolveResult names the channel and the strategy that produced it.
type ResolveResult struct {
	ChannelID string
	Strategy  string
	Cached    bool
}

// Incoming is one inbound post that carried a parseable envelope.
type Incoming struct {
	Message   envelope.Message
	Raw       string
	Transport string
	ChannelID string
	// MessageID is the medium's id for the post; ThreadRef is the handle
	// replies should attach to.
	MessageID  string
	ThreadRef  string
	SenderID   string
	ReceivedAt time.Time
}

// Raw is an inbound post without an envelope.
type Raw struct {
	Transport string
	ChannelID string
	MessageID string
	SenderID  string
	Text      string
}

// Handlers receive inbound traffic from a listener.
type Handlers struct {
	OnMessage func(ctx context.Context, in Incoming)
	// OnRaw is optional and sees posts without an envelope.
	OnRaw func(ctx context.Context, raw Raw)
	// OnError is optional.
	OnError func(err error)
}

// Dispatch parses text and forwards it to the matching handler.
func (h Handlers) Dispatch(ctx context.Context, in Incoming, text string) {
	msg, err := envelope.Parse(text)
	if err != nil {
		if h.OnRaw != nil {
			h.OnRaw(ctx, Raw{
				Transport: in.Transport,
				ChannelID: in.ChannelID,
				MessageID: in.MessageID,
				SenderID:  in.SenderID,
				Text:      text,
			})
		}
		return
	}
	in.Message = msg
	in.Raw = text
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	h.OnMessage(ctx, in)
}

// ReportError forwards err to OnError if set.
func (h Handlers) ReportError(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}
