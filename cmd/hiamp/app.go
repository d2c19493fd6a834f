// ABOUTME: Wires config into the running pieces: cache, guard, transports, inbox, router and poller
// ABOUTME: Every command builds an app and closes it when done

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/2389/hiamp/internal/cache"
	"github.com/2389/hiamp/internal/config"
	"github.com/2389/hiamp/internal/heartbeat"
	"github.com/2389/hiamp/internal/inbox"
	"github.com/2389/hiamp/internal/linear"
	"github.com/2389/hiamp/internal/permission"
	"github.com/2389/hiamp/internal/ratelimit"
	"github.com/2389/hiamp/internal/router"
	"github.com/2389/hiamp/internal/store"
	"github.com/2389/hiamp/internal/transport"
	"github.com/2389/hiamp/internal/transport/discord"
	lineartransport "github.com/2389/hiamp/internal/transport/linear"
	"github.com/2389/hiamp/internal/transport/matrix"
)

// app holds everything built from one config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis      *cache.Redis
	caches     map[string]cache.Cache
	guard      *permission.Guard
	store      store.Store
	inbox      *inbox.Inbox
	router     *router.Local
	transports map[string]transport.Transport
	linear     *linear.Client
	poller     *heartbeat.Poller

	closers []func() error
}

// appOptions limits what newApp builds. The inbox commands need no network.
type appOptions struct {
	transports bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		guard:      permission.NewGuard(cfg.Registry()),
		transports: make(map[string]transport.Transport),
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	a.inbox = inbox.New(a.store, logger)
	a.router = router.NewLocal(cfg.Identity.Owner, a.guard, a.inbox, logger)

	if opts.transports {
		if err := a.openCache(ctx); err != nil {
			a.Close()
			return nil, err
		}
		if err := a.buildTransports(); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.poller = heartbeat.New(heartbeat.Config{
		Source:          a.commentSource(),
		Router:          a.router,
		Inbox:           a.inbox,
		Owner:           cfg.Identity.Owner,
		DefaultWorker:   cfg.Identity.DefaultWorker,
		Aliases:         cfg.Identity.Aliases,
		Interval:        cfg.Transports.Linear.PollInterval,
		InitialLookback: cfg.Transports.Linear.InitialLookback,
		StatePath:       a.statePath(),
		Logger:          logger,
	})
	return a, nil
}

// commentSource avoids handing the poller a typed nil.
func (a *app) commentSource() heartbeat.CommentSource {
	if a.linear == nil {
		return nil
	}
	return a.linear
}

func (a *app) statePath() string {
	if p := a.cfg.Heartbeat.StatePath; p != "" {
		return p
	}
	return filepath.Join(config.DataDir(), "heartbeat.json")
}

func (a *app) openStore() error {
	switch a.cfg.Inbox.Backend {
	case "sqlite":
		path := a.cfg.Inbox.SQLitePath
		if path == "" {
			path = filepath.Join(config.DataDir(), "inbox.db")
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("opening sqlite inbox: %w", err)
		}
		a.store = s
	default:
		dir := a.cfg.Inbox.Dir
		if dir == "" {
			dir = filepath.Join(config.DataDir(), "inbox")
		}
		s, err := store.NewFileStore(dir)
		if err != nil {
			return fmt.Errorf("opening inbox directory: %w", err)
		}
		a.store = s
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	a.caches = make(map[string]cache.Cache)
	if a.cfg.Cache.Backend != "redis" {
		return nil
	}
	prefix := "hiamp:" + a.cfg.Identity.Owner + ":"
	r, err := cache.NewRedis(ctx, a.cfg.Cache.RedisURL, prefix, a.logger)
	if err != nil {
		return fmt.Errorf("connecting resolver cache: %w", err)
	}
	a.redis = r
	a.closers = append(a.closers, r.Close)
	return nil
}

// cacheFor returns the resolver cache of one transport. Each transport gets
// its own namespace so clearing one leaves the others intact.
func (a *app) cacheFor(name string) cache.Cache {
	if c, ok := a.caches[name]; ok {
		return c
	}
	var c cache.Cache
	if a.redis != nil {
		c = a.redis.Sub(name)
	} else {
		c = cache.NewMemory(4096)
	}
	a.caches[name] = c
	return c
}

func (a *app) pipeline(name string, limiter *ratelimit.Limiter) *transport.Pipeline {
	return transport.NewPipeline(transport.PipelineConfig{
		Name:          name,
		Owner:         a.cfg.Identity.Owner,
		DefaultWorker: a.cfg.Identity.DefaultWorker,
		Guard:         a.guard,
		Limiter:       limiter,
		Fold:          a.cfg.HIAMP.FoldEnvelope,
		Logger:        a.logger,
	})
}

func (a *app) buildTransports() error {
	cfg := a.cfg
	ttl := cfg.Cache.TTL

	if m := cfg.Transports.Matrix; m.Enabled {
		client, syncer, err := matrix.NewClient(m.Homeserver, m.UserID, m.AccessToken)
		if err != nil {
			return err
		}
		peerUsers := make(map[string]string)
		for _, p := range cfg.Peers {
			if p.MatrixUser != "" {
				peerUsers[p.Owner] = p.MatrixUser
			}
		}
		a.transports[matrix.Name] = matrix.New(client, syncer, matrix.Config{
			UserID:   m.UserID,
			Pipeline: a.pipeline(matrix.Name, ratelimit.New(m.MinSendInterval)),
			Resolver: matrix.ResolverConfig{
				Owner:         cfg.Identity.Owner,
				Strategy:      m.ChannelStrategy,
				SharedRoom:    m.SharedRoom,
				PeerRooms:     m.PeerRooms,
				ContextRooms:  m.ContextRooms,
				PeerUsers:     peerUsers,
				StrictContext: m.StrictContext,
				Cache:         a.cacheFor(matrix.Name),
				CacheTTL:      ttl,
			},
			Logger: a.logger,
		})
	}

	if d := cfg.Transports.Discord; d.Enabled {
		session, err := discord.NewSession(d.Token)
		if err != nil {
			return err
		}
		peerUsers := make(map[string]string)
		for _, p := range cfg.Peers {
			if p.DiscordUser != "" {
				peerUsers[p.Owner] = p.DiscordUser
			}
		}
		a.transports[discord.Name] = discord.New(session, session, discord.Config{
			Pipeline: a.pipeline(discord.Name, ratelimit.New(d.MinSendInterval)),
			Resolver: discord.ResolverConfig{
				Strategy:        d.ChannelStrategy,
				SharedChannel:   d.SharedChannel,
				PeerChannels:    d.PeerChannels,
				ContextChannels: d.ContextChannels,
				PeerUsers:       peerUsers,
				StrictContext:   d.StrictContext,
				Cache:           a.cacheFor(discord.Name),
				CacheTTL:        ttl,
			},
			Logger: a.logger,
		})
	}

	if l := cfg.Transports.Linear; l.Enabled {
		opts := []linear.Option{linear.WithEndpoint(l.Endpoint), linear.WithLogger(a.logger)}
		if l.RequestsPerSecond > 0 {
			opts = append(opts, linear.WithRequestsPerSecond(l.RequestsPerSecond))
		}
		a.linear = linear.New(l.APIKey, opts...)

		contexts := make(map[string]lineartransport.ContextTarget, len(l.ContextMap))
		for tag, c := range l.ContextMap {
			contexts[tag] = lineartransport.ContextTarget{Team: c.Team, Project: c.Project, Issue: c.Issue}
		}
		a.transports[lineartransport.Name] = lineartransport.New(a.linear, lineartransport.Config{
			Pipeline: a.pipeline(lineartransport.Name, ratelimit.New(l.MinSendInterval)),
			Resolver: lineartransport.ResolverConfig{
				DefaultTeam:   l.DefaultTeam,
				ContextMap:    contexts,
				StrictContext: l.StrictContext,
				Cache:         a.cacheFor(lineartransport.Name),
				CacheTTL:      ttl,
			},
			Logger: a.logger,
		})
	}
	return nil
}

// transport picks a transport by name, or the only enabled one when name is empty.
func (a *app) transport(name string) (transport.Transport, error) {
	if name != "" {
		t, ok := a.transports[name]
		if !ok {
			return nil, fmt.Errorf("transport %q is not enabled", name)
		}
		return t, nil
	}
	switch len(a.transports) {
	case 0:
		return nil, errors.New("no transport is enabled")
	case 1:
		for _, t := range a.transports {
			return t, nil
		}
	}
	return nil, fmt.Errorf("several transports are enabled (%v); choose one with --via", a.transportNames())
}

func (a *app) transportNames() []string {
	names := make([]string, 0, len(a.transports))
	for n := range a.transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
