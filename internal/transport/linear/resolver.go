// ABOUTME: Issue resolver for the poll-only transport: explicit issue, context mapping, team fallback issue
// ABOUTME: Team, project and issue lookups are memoized with a TTL under strategy-namespaced keys

package linear

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/hiamp/internal/cache"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/linear"
	"github.com/2389/hiamp/internal/transport"
)

// FallbackIssueTitle names the per-team issue used when nothing else matches.
const FallbackIssueTitle = "Agent Communications"

const fallbackIssueDescription = "Messages exchanged between agents over HIAMP. Each comment carries one envelope."

// API is the subset of the GraphQL client the transport needs.
type API interface {
	FindTeam(ctx context.Context, ref string) (linear.Team, error)
	FindProject(ctx context.Context, teamID, name string) (linear.Project, error)
	Issue(ctx context.Context, id string) (linear.Issue, error)
	SearchIssues(ctx context.Context, q linear.IssueQuery) ([]linear.Issue, error)
	CreateIssue(ctx context.Context, in linear.CreateIssueInput) (linear.Issue, error)
	CreateComment(ctx context.Context, issueID, body, parentID string) (linear.Comment, error)
}

// ContextTarget is where a context tag's conversation lives.
type ContextTarget struct {
	Team    string
	Project string
	// Issue pins the context to an existing issue.
	Issue string
}

// ResolverConfig configures issue resolution.
type ResolverConfig struct {
	DefaultTeam   string
	ContextMap    map[string]ContextTarget
	StrictContext bool
	Cache         cache.Cache
	CacheTTL      time.Duration
	Logger        *slog.Logger
}

// Resolver maps addressing hints to an issue id.
type Resolver struct {
	api    API
	cfg    ResolverConfig
	cache  cache.Cache
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil cache gets a private in-memory one.
func NewResolver(api API, cfg ResolverConfig) *Resolver {
	c := cfg.Cache
	if c == nil {
		c = cache.NewMemory(1024)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{api: api, cfg: cfg, cache: c, logger: logger.With("component", "linear-resolver")}
}

// Resolve tries explicit, context and fallback strategies in order.
func (r *Resolver) Resolve(ctx context.Context, in transport.ResolveInput) (transport.ResolveResult, error) {
	if in.Channel != "" {
		return transport.ResolveResult{ChannelID: in.Channel, Strategy: transport.StrategyExplicit}, nil
	}

	if in.Context != "" {
		issueID, cached, err := r.resolveContext(ctx, in.Context)
		if err == nil {
			return transport.ResolveResult{ChannelID: issueID, Strategy: transport.StrategyContext, Cached: cached}, nil
		}
		if r.cfg.StrictContext {
			return transport.ResolveResult{}, err
		}
		r.logger.Warn("context resolution failed, using fallback", "context", in.Context, "error", err)
	}

	issueID, cached, err := r.resolveFallback(ctx)
	if err != nil {
		return transport.ResolveResult{}, err
	}
	return transport.ResolveResult{ChannelID: issueID, Strategy: transport.StrategyFallback, Cached: cached}, nil
}

func (r *Resolver) resolveContext(ctx context.Context, tag string) (string, bool, error) {
	target, ok := r.cfg.ContextMap[tag]
	if !ok {
		return "", false, hiamp.Errorf(hiamp.CodeNoContextMatch, "no linear mapping for context %q", tag)
	}

	if target.Issue != "" {
		key := transport.CacheKey("linear", transport.StrategyContext, "issue", target.Issue)
		if id, ok := r.cache.Get(ctx, key); ok {
			return id, true, nil
		}
		issue, err := r.api.Issue(ctx, target.Issue)
		if err != nil {
			return "", false, err
		}
		r.cache.Set(ctx, key, issue.ID, r.cfg.CacheTTL)
		return issue.ID, false, nil
	}

	teamRef := target.Team
	if teamRef == "" {
		teamRef = r.cfg.DefaultTeam
	}
	teamID, err := r.teamID(ctx, teamRef)
	if err != nil {
		return "", false, err
	}

	var projectID string
	if target.Project != "" {
		projectID, err = r.projectID(ctx, teamID, target.Project)
		if err != nil {
			return "", false, err
		}
	}

	key := transport.CacheKey("linear", transport.StrategyContext, teamID, projectID, tag)
	return r.searchOrCreate(ctx, key, linear.CreateIssueInput{
		TeamID:      teamID,
		ProjectID:   projectID,
		Title:       "HIAMP: " + tag,
		Description: "Agent conversation for context `" + tag + "`.",
	})
}

func (r *Resolver) resolveFallback(ctx context.Context) (string, bool, error) {
	if r.cfg.DefaultTeam == "" {
		return "", false, hiamp.Errorf(hiamp.CodeUnknownTeam, "no default linear team configured")
	}
	teamID, err := r.teamID(ctx, r.cfg.DefaultTeam)
	if err != nil {
		return "", false, err
	}
	key := transport.CacheKey("linear", transport.StrategyFallback, teamID)
	return r.searchOrCreate(ctx, key, linear.CreateIssueInput{
		TeamID:      teamID,
		Title:       FallbackIssueTitle,
		Description: fallbackIssueDescription,
	})
}

// searchOrCreate finds an open issue titled in.Title or creates it.
func (r *Resolver) searchOrCreate(ctx context.Context, key string, in linear.CreateIssueInput) (string, bool, error) {
	if id, ok := r.cache.Get(ctx, key); ok {
		return id, true, nil
	}

	found, err := r.api.SearchIssues(ctx, linear.IssueQuery{TeamID: in.TeamID, ProjectID: in.ProjectID, Title: in.Title})
	if err != nil {
		return "", false, hiamp.Wrap(hiamp.CodeAPIError, err, "searching issues")
	}
	if len(found) > 0 {
		r.cache.Set(ctx, key, found[0].ID, r.cfg.CacheTTL)
		return found[0].ID, false, nil
	}

	issue, err := r.api.CreateIssue(ctx, in)
	if err != nil {
		return "", false, err
	}
	r.logger.Info("created issue", "identifier", issue.Identifier, "title", in.Title)
	r.cache.Set(ctx, key, issue.ID, r.cfg.CacheTTL)
	return issue.ID, false, nil
}

func (r *Resolver) teamID(ctx context.Context, ref string) (string, error) {
	key := transport.CacheKey("linear", "team", ref)
	if id, ok := r.cache.Get(ctx, key); ok {
		return id, nil
	}
	team, err := r.api.FindTeam(ctx, ref)
	if err != nil {
		return "", err
	}
	r.cache.Set(ctx, key, team.ID, r.cfg.CacheTTL)
	return team.ID, nil
}

func (r *Resolver) projectID(ctx context.Context, teamID, name string) (string, error) {
	key := transport.CacheKey("linear", "project", teamID, name)
	if id, ok := r.cache.Get(ctx, key); ok {
		return id, nil
	}
	project, err := r.api.FindProject(ctx, teamID, name)
	if err != nil {
		return "", err
	}
	r.cache.Set(ctx, key, project.ID, r.cfg.CacheTTL)
	return project.ID, nil
}

// ClearCache drops every cached lookup.
func (r *Resolver) ClearCache(ctx context.Context) {
	r.cache.Clear(ctx)
}
