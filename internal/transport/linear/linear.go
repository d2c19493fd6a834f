// ABOUTME: Poll-only issue-tracker transport: each envelope is a comment on a resolved issue
// ABOUTME: Inbound traffic is collected by the heartbeat poller, so Listen is unsupported

package linear

import (
	"context"
	"log/slog"

	"github.com/2389/hiamp/internal/transport"
)

// Name is the transport name used in logs, metrics and Incoming.Transport.
const Name = "linear"

// Config configures the transport.
type Config struct {
	Pipeline *transport.Pipeline
	Resolver ResolverConfig
	Logger   *slog.Logger
}

// Transport implements transport.Transport over issue comments.
type Transport struct {
	api      API
	pipeline *transport.Pipeline
	resolver *Resolver
}

var _ transport.Transport = (*Transport)(nil)

// New creates the transport.
func New(api API, cfg Config) *Transport {
	if cfg.Resolver.Logger == nil {
		cfg.Resolver.Logger = cfg.Logger
	}
	return &Transport{
		api:      api,
		pipeline: cfg.Pipeline,
		resolver: NewResolver(api, cfg.Resolver),
	}
}

// Name returns "linear".
func (t *Transport) Name() string { return Name }

// Resolver exposes the issue resolver.
func (t *Transport) Resolver() *Resolver { return t.resolver }

// Send comments on the resolved issue.
func (t *Transport) Send(ctx context.Context, in transport.SendInput) (transport.SendResult, error) {
	return t.pipeline.Send(ctx, in, t.resolver.Resolve, t.post)
}

// SendReply comments on the original issue, threaded under the original comment.
func (t *Transport) SendReply(ctx context.Context, in transport.ReplyInput) (transport.SendResult, error) {
	return t.pipeline.Reply(ctx, in, t.post)
}

// ResolveChannel exposes issue resolution without sending.
func (t *Transport) ResolveChannel(ctx context.Context, in transport.ResolveInput) (transport.ResolveResult, error) {
	return t.resolver.Resolve(ctx, in)
}

func (t *Transport) post(ctx context.Context, issueID, text, parentID string) (string, error) {
	c, err := t.api.CreateComment(ctx, issueID, text, parentID)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Listen is unsupported; run a heartbeat poller instead.
func (t *Transport) Listen(context.Context, transport.Handlers) error {
	return transport.ErrListenUnsupported
}

// Stop does nothing.
func (t *Transport) Stop() error { return nil }

// IsListening is always false.
func (t *Transport) IsListening() bool { return false }
