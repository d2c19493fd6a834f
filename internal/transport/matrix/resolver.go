// ABOUTME: Matrix room resolver: explicit room, context room, then the configured channel strategy
// ABOUTME: Alias lookups and rooms created on demand are cached under strategy-namespaced keys

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hiamp/internal/cache"
	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/transport"
)

// Channel strategies.
const (
	StrategyShared          = "shared"
	StrategyPerRelationship = "per_relationship"
	StrategyDM              = "dm"
)

// createdRoomTTL keeps rooms we created around far longer than lookups;
// creating a second room for the same peer would split the conversation.
const createdRoomTTL = 30 * 24 * time.Hour

// roomAPI is the part of the Matrix client the resolver needs.
type roomAPI interface {
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (*mautrix.RespAliasResolve, error)
}

// ResolverConfig configures room resolution.
type ResolverConfig struct {
	Owner      string
	Strategy   string
	SharedRoom string
	// PeerRooms maps a peer owner to a room id or alias.
	PeerRooms map[string]string
	// ContextRooms maps a context tag to a room id or alias.
	ContextRooms map[string]string
	// PeerUsers maps a peer owner to their Matrix user id.
	PeerUsers map[string]string
	// Server is our homeserver name. Rooms created for a peer get an alias
	// on it so they are found again after a restart.
	Server string
	// StrictContext returns context failures instead of falling back.
	StrictContext bool
	Cache         cache.Cache
	CacheTTL      time.Duration
	Logger        *slog.Logger
}

// Resolver maps addressing hints to a Matrix room id.
type Resolver struct {
	api    roomAPI
	cfg    ResolverConfig
	cache  cache.Cache
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil cache gets a private in-memory one.
func NewResolver(api roomAPI, cfg ResolverConfig) *Resolver {
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
	return &Resolver{
		api:    api,
		cfg:    cfg,
		cache:  c,
		logger: logger.With("component", "matrix-resolver"),
	}
}

// Resolve tries explicit, context and fallback strategies in order.
func (r *Resolver) Resolve(ctx context.Context, in transport.ResolveInput) (transport.ResolveResult, error) {
	if in.Channel != "" {
		roomID, cached, err := r.roomFor(ctx, transport.StrategyExplicit, in.Channel)
		if err != nil {
			return transport.ResolveResult{}, err
		}
		return transport.ResolveResult{ChannelID: roomID, Strategy: transport.StrategyExplicit, Cached: cached}, nil
	}

	if in.Context != "" {
		res, err := r.resolveContext(ctx, in.Context)
		if err == nil {
			return res, nil
		}
		if r.cfg.StrictContext {
			return transport.ResolveResult{}, err
		}
		r.logger.Warn("context resolution failed, using fallback", "context", in.Context, "error", err)
	}

	return r.resolveFallback(ctx, in.To)
}

func (r *Resolver) resolveContext(ctx context.Context, tag string) (transport.ResolveResult, error) {
	room, ok := r.cfg.ContextRooms[tag]
	if !ok {
		return transport.ResolveResult{}, hiamp.Errorf(hiamp.CodeNoContextMatch, "no room mapped for context %q", tag)
	}
	roomID, cached, err := r.roomFor(ctx, transport.StrategyContext, room)
	if err != nil {
		return transport.ResolveResult{}, err
	}
	return transport.ResolveResult{ChannelID: roomID, Strategy: transport.StrategyContext, Cached: cached}, nil
}

func (r *Resolver) resolveFallback(ctx context.Context, to string) (transport.ResolveResult, error) {
	result := func(roomID string, cached bool) transport.ResolveResult {
		return transport.ResolveResult{ChannelID: roomID, Strategy: transport.StrategyFallback, Cached: cached}
	}

	if r.cfg.Strategy == StrategyShared {
		if r.cfg.SharedRoom == "" {
			return transport.ResolveResult{}, hiamp.Errorf(hiamp.CodeNotFound, "no shared room configured")
		}
		roomID, cached, err := r.roomFor(ctx, transport.StrategyFallback, r.cfg.SharedRoom)
		if err != nil {
			return transport.ResolveResult{}, err
		}
		return result(roomID, cached), nil
	}

	addr, err := envelope.ParseAddress(to)
	if err != nil {
		return transport.ResolveResult{}, hiamp.Wrap(hiamp.CodeInvalidMessage, err, "cannot resolve room for target")
	}

	if r.cfg.Strategy == StrategyPerRelationship {
		if room, ok := r.cfg.PeerRooms[addr.Owner]; ok {
			roomID, cached, err := r.roomFor(ctx, transport.StrategyFallback, room)
			if err != nil {
				return transport.ResolveResult{}, err
			}
			return result(roomID, cached), nil
		}
	}

	key := transport.CacheKey("matrix", r.cfg.Strategy, addr.Owner)
	if roomID, ok := r.cache.Get(ctx, key); ok {
		return result(roomID, true), nil
	}

	user, ok := r.cfg.PeerUsers[addr.Owner]
	if !ok || user == "" {
		return transport.ResolveResult{}, hiamp.Errorf(hiamp.CodeUnknownPeer, "no matrix user known for peer %q", addr.Owner)
	}

	alias := r.peerAlias(addr.Owner)
	if alias != "" {
		if resp, err := r.api.ResolveAlias(ctx, alias); err == nil {
			roomID := resp.RoomID.String()
			r.cache.Set(ctx, key, roomID, createdRoomTTL)
			r.logger.Debug("found existing peer room", "peer", addr.Owner, "room", roomID, "alias", alias)
			return result(roomID, false), nil
		}
	}

	req := &mautrix.ReqCreateRoom{
		Invite: []id.UserID{id.UserID(user)},
		Preset: "private_chat",
	}
	if alias != "" {
		req.RoomAliasName = r.aliasLocalpart(addr.Owner)
	}
	if r.cfg.Strategy == StrategyDM {
		req.IsDirect = true
		req.Preset = "trusted_private_chat"
	} else {
		req.Name = fmt.Sprintf("HIAMP: %s ↔ %s", r.cfg.Owner, addr.Owner)
		req.Topic = "Agent-to-agent messages between " + r.cfg.Owner + " and " + addr.Owner
	}

	resp, err := r.api.CreateRoom(ctx, req)
	if err != nil {
		// Another instance may have claimed the alias first.
		if alias != "" {
			if existing, lookupErr := r.api.ResolveAlias(ctx, alias); lookupErr == nil {
				roomID := existing.RoomID.String()
				r.cache.Set(ctx, key, roomID, createdRoomTTL)
				return result(roomID, false), nil
			}
		}
		return transport.ResolveResult{}, hiamp.Wrap(hiamp.CodeAPIError, err, "creating room for peer "+addr.Owner)
	}
	roomID := resp.RoomID.String()
	r.cache.Set(ctx, key, roomID, createdRoomTTL)
	r.logger.Info("created room", "peer", addr.Owner, "room", roomID, "strategy", r.cfg.Strategy)
	return result(roomID, false), nil
}

// aliasLocalpart names the room kept for one peer under one strategy.
func (r *Resolver) aliasLocalpart(peer string) string {
	kind := "rel"
	if r.cfg.Strategy == StrategyDM {
		kind = "dm"
	}
	return fmt.Sprintf("hiamp-%s-%s-%s", kind, r.cfg.Owner, peer)
}

// peerAlias is the full alias of a peer room, or empty without a server.
func (r *Resolver) peerAlias(peer string) id.RoomAlias {
	if r.cfg.Server == "" {
		return ""
	}
	return id.RoomAlias("#" + r.aliasLocalpart(peer) + ":" + r.cfg.Server)
}

// roomFor turns a room id or alias into a room id. Alias lookups are cached
// under the strategy that asked for them.
func (r *Resolver) roomFor(ctx context.Context, strategy, room string) (string, bool, error) {
	if !strings.HasPrefix(room, "#") {
		return room, false, nil
	}

	key := transport.CacheKey("matrix", strategy, "alias", room)
	if roomID, ok := r.cache.Get(ctx, key); ok {
		return roomID, true, nil
	}

	resp, err := r.api.ResolveAlias(ctx, id.RoomAlias(room))
	if err != nil {
		return "", false, hiamp.Wrap(hiamp.CodeNotFound, err, "resolving room alias "+room)
	}
	roomID := resp.RoomID.String()
	r.cache.Set(ctx, key, roomID, r.cfg.CacheTTL)
	return roomID, false, nil
}

// ClearCache drops every cached lookup.
func (r *Resolver) ClearCache(ctx context.Context) {
	r.cache.Clear(ctx)
}
