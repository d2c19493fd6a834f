// ABOUTME: Tests for the poll-only issue transport and its issue resolver
// ABOUTME: Uses an in-memory fake of the GraphQL client

package linear

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/linear"
	"github.com/2389/hiamp/internal/permission"
	"github.com/2389/hiamp/internal/ratelimit"
	"github.com/2389/hiamp/internal/transport"
)

type postedComment struct {
	issueID, body, parentID string
}

type fakeAPI struct {
	teams      []linear.Team
	projects   map[string]linear.Project
	issues     []linear.Issue
	comments   []postedComment
	teamCalls  int
	searches   int
	created    int
	commentErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		teams:    []linear.Team{{ID: "team-eng", Key: "ENG", Name: "Engineering"}},
		projects: map[string]linear.Project{"team-eng/Release": {ID: "proj-rel", Name: "Release"}},
	}
}

func (f *fakeAPI) FindTeam(_ context.Context, ref string) (linear.Team, error) {
	f.teamCalls++
	for _, t := range f.teams {
		if t.ID == ref || strings.EqualFold(t.Key, ref) || strings.EqualFold(t.Name, ref) {
			return t, nil
		}
	}
	return linear.Team{}, hiamp.Errorf(hiamp.CodeUnknownTeam, "no team %q", ref)
}

func (f *fakeAPI) FindProject(_ context.Context, teamID, name string) (linear.Project, error) {
	p, ok := f.projects[teamID+"/"+name]
	if !ok {
		return linear.Project{}, hiamp.Errorf(hiamp.CodeNotFound, "no project %q", name)
	}
	return p, nil
}

func (f *fakeAPI) Issue(_ context.Context, id string) (linear.Issue, error) {
	for _, i := range f.issues {
		if i.ID == id || i.Identifier == id {
			return i, nil
		}
	}
	return linear.Issue{}, hiamp.Errorf(hiamp.CodeIssueNotFound, "issue %s not found", id)
}

func (f *fakeAPI) SearchIssues(_ context.Context, q linear.IssueQuery) ([]linear.Issue, error) {
	f.searches++
	var out []linear.Issue
	for _, i := range f.issues {
		if i.Team.ID != q.TeamID || !strings.EqualFold(i.Title, q.Title) {
			continue
		}
		projectID := ""
		if i.Project != nil {
			projectID = i.Project.ID
		}
		if projectID != q.ProjectID {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

func (f *fakeAPI) CreateIssue(_ context.Context, in linear.CreateIssueInput) (linear.Issue, error) {
	f.created++
	issue := linear.Issue{
		ID:         fmt.Sprintf("issue-%d", len(f.issues)+1),
		Identifier: fmt.Sprintf("ENG-%d", len(f.issues)+1),
		Title:      in.Title,
		Team:       linear.Team{ID: in.TeamID},
	}
	if in.ProjectID != "" {
		issue.Project = &linear.Project{ID: in.ProjectID}
	}
	f.issues = append(f.issues, issue)
	return issue, nil
}

func (f *fakeAPI) CreateComment(_ context.Context, issueID, body, parentID string) (linear.Comment, error) {
	if f.commentErr != nil {
		return linear.Comment{}, f.commentErr
	}
	f.comments = append(f.comments, postedComment{issueID, body, parentID})
	return linear.Comment{ID: fmt.Sprintf("comment-%d", len(f.comments)), Body: body}, nil
}

func newTestTransport(api *fakeAPI, rc ResolverConfig) *Transport {
	reg := &permission.Registry{
		Enabled: true,
		Default: permission.PolicyAllow,
		Peers:   map[string]permission.Peer{"alex": {Owner: "alex"}},
	}
	p := transport.NewPipeline(transport.PipelineConfig{
		Name:          Name,
		Owner:         "stefan",
		DefaultWorker: "architect",
		Guard:         permission.NewGuard(reg),
		Limiter:       ratelimit.New(0),
	})
	if rc.DefaultTeam == "" {
		rc.DefaultTeam = "ENG"
	}
	return New(api, Config{Pipeline: p, Resolver: rc})
}

func TestResolve_Explicit(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{})

	res, err := tr.ResolveChannel(context.Background(), transport.ResolveInput{To: "alex/dev", Channel: "ENG-42"})
	require.NoError(t, err)
	assert.Equal(t, "ENG-42", res.ChannelID)
	assert.Equal(t, transport.StrategyExplicit, res.Strategy)
	assert.Zero(t, api.teamCalls)
}

func TestResolve_FallbackCreatesOnceThenCaches(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{})
	ctx := context.Background()

	first, err := tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.Equal(t, transport.StrategyFallback, first.Strategy)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, api.created)
	assert.Equal(t, FallbackIssueTitle, api.issues[0].Title)

	second, err := tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.Equal(t, first.ChannelID, second.ChannelID)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, api.created)
	assert.Equal(t, 1, api.teamCalls)
}

func TestResolve_FallbackFindsExistingIssue(t *testing.T) {
	api := newFakeAPI()
	api.issues = []linear.Issue{{ID: "existing", Title: "agent communications", Team: linear.Team{ID: "team-eng"}}}
	tr := newTestTransport(api, ResolverConfig{})

	res, err := tr.ResolveChannel(context.Background(), transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.Equal(t, "existing", res.ChannelID)
	assert.Zero(t, api.created)
}

func TestResolve_ContextProject(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{
		ContextMap: map[string]ContextTarget{"release": {Team: "Engineering", Project: "Release"}},
	})
	ctx := context.Background()

	res, err := tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev", Context: "release"})
	require.NoError(t, err)
	assert.Equal(t, transport.StrategyContext, res.Strategy)
	require.Len(t, api.issues, 1)
	assert.Equal(t, "HIAMP: release", api.issues[0].Title)
	require.NotNil(t, api.issues[0].Project)
	assert.Equal(t, "proj-rel", api.issues[0].Project.ID)

	// The fallback issue must not share the context cache entry.
	fb, err := tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.NotEqual(t, res.ChannelID, fb.ChannelID)
	assert.Equal(t, 2, api.created)
}

func TestResolve_ContextPinnedIssue(t *testing.T) {
	api := newFakeAPI()
	api.issues = []linear.Issue{{ID: "pinned-id", Identifier: "ENG-9", Team: linear.Team{ID: "team-eng"}}}
	tr := newTestTransport(api, ResolverConfig{
		ContextMap: map[string]ContextTarget{"auth": {Issue: "ENG-9"}},
	})

	res, err := tr.ResolveChannel(context.Background(), transport.ResolveInput{To: "alex/dev", Context: "auth"})
	require.NoError(t, err)
	assert.Equal(t, "pinned-id", res.ChannelID)
	assert.Equal(t, transport.StrategyContext, res.Strategy)
}

func TestResolve_ContextMissFallsBack(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{})

	res, err := tr.ResolveChannel(context.Background(), transport.ResolveInput{To: "alex/dev", Context: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, transport.StrategyFallback, res.Strategy)
}

func TestResolve_StrictContext(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{
		StrictContext: true,
		ContextMap:    map[string]ContextTarget{"design": {Team: "Design"}},
	})
	ctx := context.Background()

	_, err := tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev", Context: "unknown"})
	assert.Equal(t, hiamp.CodeNoContextMatch, hiamp.CodeOf(err))

	_, err = tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev", Context: "design"})
	assert.Equal(t, hiamp.CodeUnknownTeam, hiamp.CodeOf(err))
	assert.Zero(t, api.created)
}

func TestResolve_UnknownDefaultTeam(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{DefaultTeam: "Nope"})

	_, err := tr.ResolveChannel(context.Background(), transport.ResolveInput{To: "alex/dev"})
	assert.Equal(t, hiamp.CodeUnknownTeam, hiamp.CodeOf(err))
}

func TestSend_PostsComment(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{})

	res, err := tr.Send(context.Background(), transport.SendInput{
		To:     "alex/dev",
		Intent: envelope.IntentRequest,
		Body:   "Can you review the migration?",
	})
	require.NoError(t, err)
	require.Len(t, api.comments, 1)
	assert.Equal(t, res.ChannelID, api.comments[0].issueID)
	assert.Equal(t, res.MessageText, api.comments[0].body)
	assert.Equal(t, "comment-1", res.MessageID)

	parsed, err := envelope.Parse(api.comments[0].body)
	require.NoError(t, err)
	assert.Equal(t, "stefan/architect", parsed.From)
}

func TestSend_UnknownTeamIsTransportError(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{DefaultTeam: "Nope"})

	_, err := tr.Send(context.Background(), transport.SendInput{To: "alex/dev", Intent: envelope.IntentInform, Body: "hi"})
	assert.Equal(t, hiamp.CodeTransportError, hiamp.CodeOf(err))
	assert.ErrorIs(t, err, &hiamp.Error{Code: hiamp.CodeUnknownTeam})
	assert.Empty(t, api.comments)
}

func TestSend_CommentRateLimited(t *testing.T) {
	api := newFakeAPI()
	api.commentErr = hiamp.Errorf(hiamp.CodeRateLimited, "linear rate limit")
	tr := newTestTransport(api, ResolverConfig{})

	_, err := tr.Send(context.Background(), transport.SendInput{To: "alex/dev", Intent: envelope.IntentInform, Body: "hi"})
	assert.Equal(t, hiamp.CodeRateLimited, hiamp.CodeOf(err))
}

func TestSendReply_ThreadsUnderComment(t *testing.T) {
	api := newFakeAPI()
	tr := newTestTransport(api, ResolverConfig{})

	orig, _ := envelope.Compose(envelope.ComposeInput{
		From:   "alex/dev",
		To:     "stefan/architect",
		Intent: envelope.IntentRequest,
		Body:   "status?",
		Thread: "thr-abc12345",
	})
	res, err := tr.SendReply(context.Background(), transport.ReplyInput{
		Original: transport.Incoming{Message: orig, ChannelID: "issue-7", MessageID: "comment-root"},
		Body:     "All green.",
	})
	require.NoError(t, err)
	require.Len(t, api.comments, 1)
	assert.Equal(t, "issue-7", api.comments[0].issueID)
	assert.Equal(t, "comment-root", api.comments[0].parentID)
	assert.Equal(t, orig.Thread, res.Envelope.Thread)
	assert.Equal(t, orig.ID, res.Envelope.ReplyTo)
}

func TestListenUnsupported(t *testing.T) {
	tr := newTestTransport(newFakeAPI(), ResolverConfig{})

	err := tr.Listen(context.Background(), transport.Handlers{})
	assert.ErrorIs(t, err, transport.ErrListenUnsupported)
	assert.False(t, tr.IsListening())
	assert.NoError(t, tr.Stop())
}
