// ABOUTME: Send pipeline shared by every transport: from, compose, guard, resolve, rate limit, post
// ABOUTME: Medium failures are translated into RATE_LIMITED or TRANSPORT_ERROR so callers stay transport-agnostic

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/metrics"
	"github.com/2389/hiamp/internal/permission"
	"github.com/2389/hiamp/internal/ratelimit"
)

// ResolveFunc picks a destination channel.
type ResolveFunc func(ctx context.Context, in ResolveInput) (ResolveResult, error)

// PostFunc performs the medium write and returns the medium's message id.
type PostFunc func(ctx context.Context, channelID, text, threadRef string) (string, error)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// Name labels logs and metrics, e.g. "matrix".
	Name          string
	Owner         string
	DefaultWorker string
	Guard         *permission.Guard
	// Limiter defaults to one with ratelimit.DefaultMinInterval.
	Limiter *ratelimit.Limiter
	// Fold wraps the metadata block in a details element.
	Fold   bool
	Logger *slog.Logger
}

// Pipeline runs the common send path for a transport.
type Pipeline struct {
	name          string
	owner         string
	defaultWorker string
	guard         *permission.Guard
	limiter       *ratelimit.Limiter
	fold          bool
	logger        *slog.Logger
}

// NewPipeline creates a send pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultMinInterval)
	}
	return &Pipeline{
		name:          cfg.Name,
		owner:         cfg.Owner,
		defaultWorker: cfg.DefaultWorker,
		guard:         cfg.Guard,
		limiter:       limiter,
		fold:          cfg.Fold,
		logger:        logger.With("component", "transport", "transport", cfg.Name),
	}
}

// Limiter exposes the per-channel limiter.
func (p *Pipeline) Limiter() *ratelimit.Limiter {
	return p.limiter
}

// Owner returns the local owner id.
func (p *Pipeline) Owner() string {
	return p.owner
}

// Send runs the full pipeline for in.
func (p *Pipeline) Send(ctx context.Context, in SendInput, resolve ResolveFunc, post PostFunc) (SendResult, error) {
	res, err := p.send(ctx, in, resolve, post)
	metrics.RecordSend(p.name, string(hiamp.CodeOf(err)))
	if err != nil {
		p.logger.Warn("send failed", "to", in.To, "intent", in.Intent, "error", err)
		return SendResult{}, err
	}
	p.logger.Info("message sent",
		"channel", res.ChannelID,
		"message_id", res.Envelope.ID,
		"intent", res.Envelope.Intent,
	)
	return res, nil
}

func (p *Pipeline) send(ctx context.Context, in SendInput, resolve ResolveFunc, post PostFunc) (SendResult, error) {
	from, err := p.resolveFrom(in)
	if err != nil {
		return SendResult{}, err
	}

	msg, text := envelope.Compose(envelope.ComposeInput{
		From:     from.String(),
		To:       in.To,
		Intent:   in.Intent,
		Body:     in.Body,
		Thread:   in.Thread,
		Priority: in.Priority,
		Ack:      in.Ack,
		Ref:      in.Ref,
		ReplyTo:  in.ReplyTo,
		Expires:  in.Expires,
		Attach:   in.Attach,
		Token:    in.Token,
	}, envelope.Folded(p.fold))

	if p.guard != nil {
		if err := p.guard.CheckSend(from.Worker, in.To, in.Intent).Err(); err != nil {
			return SendResult{}, err
		}
	}

	if v := envelope.Validate(msg); !v.Valid {
		return SendResult{}, hiamp.Errorf(hiamp.CodeInvalidMessage, "invalid message: %s", strings.Join(v.Errors, "; "))
	}

	resolved, err := resolve(ctx, ResolveInput{To: in.To, Channel: in.Channel, Context: in.Context})
	if err != nil {
		return SendResult{}, hiamp.Wrap(hiamp.CodeTransportError, err, "resolving channel")
	}

	messageID, err := ratelimit.Do(ctx, p.limiter, resolved.ChannelID, func(ctx context.Context) (string, error) {
		return post(ctx, resolved.ChannelID, text, in.ThreadRef)
	})
	if err != nil {
		return SendResult{}, Classify(err)
	}

	return SendResult{
		ChannelID:   resolved.ChannelID,
		MessageID:   messageID,
		Thread:      msg.Thread,
		MessageText: text,
		Envelope:    msg,
	}, nil
}

func (p *Pipeline) resolveFrom(in SendInput) (envelope.Address, error) {
	if in.From != "" {
		addr, err := envelope.ParseAddress(in.From)
		if err != nil {
			return envelope.Address{}, hiamp.Wrap(hiamp.CodeInvalidMessage, err, "invalid sender address")
		}
		if addr.Owner != p.owner {
			return envelope.Address{}, hiamp.Errorf(hiamp.CodeInvalidMessage, "cannot send as owner %q", addr.Owner)
		}
		return addr, nil
	}

	worker := in.FromWorker
	if worker == "" {
		worker = p.defaultWorker
	}
	if worker == "" {
		return envelope.Address{}, hiamp.Errorf(hiamp.CodeInvalidMessage, "no sender worker given and no default worker configured")
	}
	addr, err := envelope.ParseAddress(p.owner + "/" + worker)
	if err != nil {
		return envelope.Address{}, hiamp.Wrap(hiamp.CodeInvalidMessage, err, "invalid sender address")
	}
	return addr, nil
}

// Reply answers in.Original in the channel and thread it arrived on.
func (p *Pipeline) Reply(ctx context.Context, in ReplyInput, post PostFunc) (SendResult, error) {
	orig := in.Original
	if orig.ChannelID == "" {
		return SendResult{}, hiamp.Errorf(hiamp.CodeInvalidMessage, "original message has no channel")
	}

	worker := in.FromWorker
	if worker == "" {
		if addr, err := envelope.ParseAddress(orig.Message.To); err == nil && addr.Owner == p.owner {
			worker = addr.Worker
		}
	}

	thread := orig.Message.Thread
	if thread == "" {
		thread = envelope.NewThreadID()
	}
	threadRef := orig.ThreadRef
	if threadRef == "" {
		threadRef = orig.MessageID
	}
	intent := in.Intent
	if intent == "" {
		intent = envelope.IntentResponse
	}

	channel := orig.ChannelID
	return p.Send(ctx, SendInput{
		FromWorker: worker,
		To:         orig.Message.From,
		Intent:     intent,
		Body:       in.Body,
		Thread:     thread,
		Priority:   in.Priority,
		Ack:        in.Ack,
		ReplyTo:    orig.Message.ID,
		Attach:     in.Attach,
		Channel:    channel,
		ThreadRef:  threadRef,
	}, func(context.Context, ResolveInput) (ResolveResult, error) {
		return ResolveResult{ChannelID: channel, Strategy: StrategyExplicit}, nil
	}, post)
}

// Classify maps a medium error onto one of the send-path codes. Errors
// already carrying a send-path code are returned unchanged; any other
// code (AUTH_ERROR, NETWORK_ERROR, ...) stays reachable through Unwrap.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch hiamp.CodeOf(err) {
	case hiamp.CodeInvalidMessage, hiamp.CodePermissionDenied, hiamp.CodeKillSwitch,
		hiamp.CodeDisabled, hiamp.CodeRateLimited, hiamp.CodeTransportError:
		return err
	}
	if hiamp.IsRateLimit(err) {
		return hiamp.Wrap(hiamp.CodeRateLimited, err, "upstream rate limit")
	}
	return hiamp.Wrap(hiamp.CodeTransportError, err, "posting message")
}

// CacheKey namespaces resolver cache entries by transport and strategy so a
// context entry never collides with a fallback entry for the same team.
func CacheKey(transport, strategy string, parts ...string) string {
	return fmt.Sprintf("%s:%s:%s", transport, strategy, strings.Join(parts, ":"))
}
