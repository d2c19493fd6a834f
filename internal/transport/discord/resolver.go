// ABOUTME: Discord channel resolver: explicit channel, context channel, then the channel strategy
// ABOUTME: DM channels opened for a peer are cached under strategy-namespaced keys

package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/hiamp/internal/cache"
	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/transport"
)

// Channel strategies. Discord bots cannot create guild channels without a
// guild id, so per_relationship only uses configured peer channels.
const (
	StrategyShared          = "shared"
	StrategyPerRelationship = "per_relationship"
	StrategyDM              = "dm"
)

// dmAPI opens direct-message channels.
type dmAPI interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// ResolverConfig configures channel resolution.
type ResolverConfig struct {
	Strategy      string
	SharedChannel string
	// PeerChannels maps a peer owner to a channel id.
	PeerChannels map[string]string
	// ContextChannels maps a context tag to a channel id.
	ContextChannels map[string]string
	// PeerUsers maps a peer owner to a Discord user id.
	PeerUsers     map[string]string
	StrictContext bool
	Cache         cache.Cache
	CacheTTL      time.Duration
	Logger        *slog.Logger
}

// Resolver maps addressing hints to a Discord channel id.
type Resolver struct {
	api    dmAPI
	cfg    ResolverConfig
	cache  cache.Cache
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil cache gets a private in-memory one.
func NewResolver(api dmAPI, cfg ResolverConfig) *Resolver {
	c := cfg.Cache
	if c == nil {
		c = cache.NewMemory(1024)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyShared
	}
	return &Resolver{api: api, cfg: cfg, cache: c, logger: logger.With("component", "discord-resolver")}
}

// Resolve tries explicit, context and fallback strategies in order.
func (r *Resolver) Resolve(ctx context.Context, in transport.ResolveInput) (transport.ResolveResult, error) {
	if in.Channel != "" {
		return transport.ResolveResult{ChannelID: in.Channel, Strategy: transport.StrategyExplicit}, nil
	}

	if in.Context != "" {
		if ch, ok := r.cfg.ContextChannels[in.Context]; ok {
			return transport.ResolveResult{ChannelID: ch, Strategy: transport.StrategyContext}, nil
		}
		err := hiamp.Errorf(hiamp.CodeNoContextMatch, "no channel mapped for context %q", in.Context)
		if r.cfg.StrictContext {
			return transport.ResolveResult{}, err
		}
		r.logger.Warn("context resolution failed, using fallback", "context", in.Context, "error", err)
	}

	fallback := func(ch string, cached bool) transport.ResolveResult {
		return transport.ResolveResult{ChannelID: ch, Strategy: transport.StrategyFallback, Cached: cached}
	}

	if r.cfg.Strategy == StrategyShared {
		if r.cfg.SharedChannel == "" {
			return transport.ResolveResult{}, hiamp.Errorf(hiamp.CodeNotFound, "no shared channel configured")
		}
		return fallback(r.cfg.SharedChannel, false), nil
	}

	addr, err := envelope.ParseAddress(in.To)
	if err != nil {
		return transport.ResolveResult{}, hiamp.Wrap(hiamp.CodeInvalidMessage, err, "cannot resolve channel for target")
	}

	if r.cfg.Strategy == StrategyPerRelationship {
		ch, ok := r.cfg.PeerChannels[addr.Owner]
		if !ok {
			return transport.ResolveResult{}, hiamp.Errorf(hiamp.CodeUnknownPeer, "no channel configured for peer %q", addr.Owner)
		}
		return fallback(ch, false), nil
	}

	key := transport.CacheKey("discord", StrategyDM, addr.Owner)
	if ch, ok := r.cache.Get(ctx, key); ok {
		return fallback(ch, true), nil
	}
	user, ok := r.cfg.PeerUsers[addr.Owner]
	if !ok || user == "" {
		return transport.ResolveResult{}, hiamp.Errorf(hiamp.CodeUnknownPeer, "no discord user known for peer %q", addr.Owner)
	}
	ch, err := r.api.UserChannelCreate(user, discordgo.WithContext(ctx))
	if err != nil {
		return transport.ResolveResult{}, hiamp.Wrap(hiamp.CodeAPIError, err, "opening DM with peer "+addr.Owner)
	}
	r.cache.Set(ctx, key, ch.ID, r.cfg.CacheTTL)
	return fallback(ch.ID, false), nil
}

// ClearCache drops every cached lookup.
func (r *Resolver) ClearCache(ctx context.Context) {
	r.cache.Clear(ctx)
}
