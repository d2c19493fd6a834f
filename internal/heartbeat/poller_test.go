// ABOUTME: Tests for the heartbeat poller cycle, schedule lifecycle and persisted state
// ABOUTME: Uses a scripted comment source, a recording router and the mock inbox store

package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/inbox"
	"github.com/2389/hiamp/internal/linear"
	"github.com/2389/hiamp/internal/store"
	"github.com/2389/hiamp/internal/transport"
)

type fakeSource struct {
	mu          sync.Mutex
	comments    map[string][]linear.Comment
	failIssues  map[string]error
	viewerCalls int
	viewerErr   error
	fetches     []string
	since       []time.Time
}

func (f *fakeSource) Viewer(ctx context.Context) (linear.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewerCalls++
	if f.viewerErr != nil {
		return linear.User{}, f.viewerErr
	}
	return linear.User{ID: "user-self", Name: "Bot"}, nil
}

func (f *fakeSource) Comments(ctx context.Context, issueID string, since time.Time) ([]linear.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, issueID)
	f.since = append(f.since, since)
	if err := f.failIssues[issueID]; err != nil {
		return nil, err
	}
	return f.comments[issueID], nil
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []transport.Incoming
	err    error
}

func (r *recordingRouter) Route(ctx context.Context, in transport.Incoming) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.routed = append(r.routed, in)
	return true, nil
}

var (
	t0     = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	author = &linear.User{ID: "user-alex", Name: "Alex Rivera"}
)

func comment(id, body string, at time.Time) linear.Comment {
	return linear.Comment{ID: id, Body: body, CreatedAt: at, UpdatedAt: at, User: author}
}

func envelopeText(t *testing.T) string {
	t.Helper()
	_, raw := envelope.Compose(envelope.ComposeInput{
		From:   "alex/backend-dev",
		To:     "stefan/architect",
		Intent: envelope.IntentRequest,
		Body:   "Please review the schema.",
	})
	return raw
}

type harness struct {
	poller *Poller
	source *fakeSource
	router *recordingRouter
	store  *store.MockStore
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{comments: map[string][]linear.Comment{}, failIssues: map[string]error{}},
		router: &recordingRouter{},
		store:  store.NewMockStore(),
	}
	cfg := Config{
		Source:        h.source,
		Router:        h.router,
		Inbox:         inbox.New(h.store, nil),
		Owner:         "stefan",
		DefaultWorker: "architect",
		Aliases:       []string{"Architect", "@stefan-bot"},
		StatePath:     filepath.Join(t.TempDir(), "heartbeat.json"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.poller = New(cfg)
	h.poller.now = func() time.Time { return t0 }
	return h
}

func TestPollOnce_NoWatchedIssues(t *testing.T) {
	h := newHarness(t, nil)

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 0, res.CommentsFound)
	assert.Equal(t, 0, res.Errors)
	assert.Empty(t, h.source.fetches)
	assert.Zero(t, h.source.viewerCalls)

	st := h.poller.State()
	require.NotNil(t, st.LastPollAt)
	assert.True(t, st.LastPollAt.Equal(t0))
}

func TestPollOnce_EnvelopeRoutedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.poller.WatchIssue("issue-1")
	h.source.comments["issue-1"] = []linear.Comment{comment("c1", envelopeText(t), t0.Add(-time.Minute))}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 1, res.CommentsFound)
	assert.Equal(t, 1, res.HIAMPMessagesRouted)
	assert.Equal(t, 0, res.InformMessagesDelivered)

	require.Len(t, h.router.routed, 1)
	in := h.router.routed[0]
	assert.Equal(t, "linear", in.Transport)
	assert.Equal(t, "issue-1", in.ChannelID)
	assert.Equal(t, "c1", in.MessageID)
	assert.Equal(t, "user-alex", in.SenderID)
	assert.Equal(t, "stefan/architect", in.Message.To)
	assert.Zero(t, h.store.Count())
}

func TestPollOnce_AliasMentionDeliversInform(t *testing.T) {
	h := newHarness(t, nil)
	h.poller.WatchIssue("issue-1")
	h.source.comments["issue-1"] = []linear.Comment{
		comment("c1", "Can the ARCHITECT weigh in here?", t0.Add(-time.Minute)),
		comment("c2", "unrelated chatter", t0.Add(-time.Minute)),
	}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 2, res.CommentsFound)
	assert.Equal(t, 1, res.InformMessagesDelivered)
	assert.Empty(t, h.router.routed)

	entries, err := h.store.List(context.Background(), "architect", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	msg := entries[0].Message
	assert.Equal(t, envelope.IntentInform, msg.Intent)
	assert.Equal(t, "linear/alex-rivera", msg.From)
	assert.Equal(t, "stefan/architect", msg.To)
	assert.Equal(t, "c1", msg.Ref)
	assert.Contains(t, msg.Body, "Can the ARCHITECT weigh in here?")
	assert.Equal(t, "issue-1", entries[0].ChannelID)
}

func TestPollOnce_MentionWithoutDefaultWorker(t *testing.T) {
	var errs []error
	h := newHarness(t, func(c *Config) {
		c.DefaultWorker = ""
		c.OnError = func(err error) { errs = append(errs, err) }
	})
	h.poller.WatchIssue("issue-1")
	h.source.comments["issue-1"] = []linear.Comment{comment("c1", "ping architect", t0.Add(-time.Minute))}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 0, res.InformMessagesDelivered)
	assert.Equal(t, 1, res.Errors)
	assert.Len(t, errs, 1)
}

func TestPollOnce_SkipsOwnAndSeenComments(t *testing.T) {
	h := newHarness(t, nil)
	h.poller.WatchIssue("issue-1")
	own := comment("c-own", envelopeText(t), t0.Add(-time.Minute))
	own.User = &linear.User{ID: "user-self"}
	h.source.comments["issue-1"] = []linear.Comment{own, comment("c1", envelopeText(t), t0.Add(-time.Minute))}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 1, res.HIAMPMessagesRouted)

	// A comment edited after the cursor comes back but is not routed again.
	h.poller.now = func() time.Time { return t0.Add(time.Minute) }
	edited := comment("c1", envelopeText(t), t0.Add(30*time.Second))
	h.source.comments["issue-1"] = []linear.Comment{edited}

	res = h.poller.PollOnce(context.Background())
	assert.Equal(t, 1, res.CommentsFound)
	assert.Equal(t, 0, res.HIAMPMessagesRouted)
	assert.Len(t, h.router.routed, 1)
	assert.Equal(t, 1, h.source.viewerCalls)
}

func TestPollOnce_ViewerFailureCountedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.poller.WatchIssue("issue-1")
	h.source.viewerErr = errors.New("unauthorized")

	assert.Equal(t, 1, h.poller.PollOnce(context.Background()).Errors)
	assert.Equal(t, 0, h.poller.PollOnce(context.Background()).Errors)
	assert.Equal(t, 2, h.source.viewerCalls)

	h.source.viewerErr = nil
	h.poller.PollOnce(context.Background())
	h.poller.PollOnce(context.Background())
	assert.Equal(t, 3, h.source.viewerCalls)
	assert.Len(t, h.source.fetches, 4)
}

func TestPollOnce_CursorBoundary(t *testing.T) {
	h := newHarness(t, nil)
	h.poller.WatchIssue("issue-1")

	cursor := t0.Add(-10 * time.Minute)
	h.poller.state.LastPollAt = &cursor
	h.source.comments["issue-1"] = []linear.Comment{
		comment("at-cursor", envelopeText(t), cursor),
		comment("before", envelopeText(t), cursor.Add(-time.Second)),
		comment("after", envelopeText(t), cursor.Add(time.Second)),
	}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 1, res.CommentsFound)
	require.Len(t, h.router.routed, 1)
	assert.Equal(t, "after", h.router.routed[0].MessageID)
	require.Len(t, h.source.since, 1)
	assert.True(t, h.source.since[0].Equal(cursor))
}

func TestPollOnce_InitialLookback(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InitialLookback = 2 * time.Hour })
	h.poller.WatchIssue("issue-1")

	h.poller.PollOnce(context.Background())
	require.Len(t, h.source.since, 1)
	assert.True(t, h.source.since[0].Equal(t0.Add(-2*time.Hour)))
}

func TestPollOnce_FetchErrorIsolated(t *testing.T) {
	var errs []error
	var results []Result
	h := newHarness(t, func(c *Config) {
		c.OnError = func(err error) { errs = append(errs, err) }
		c.OnComplete = func(r Result) { results = append(results, r) }
	})
	h.poller.WatchIssue("issue-bad")
	h.poller.WatchIssue("issue-good")
	h.source.failIssues["issue-bad"] = errors.New("boom")
	h.source.comments["issue-good"] = []linear.Comment{comment("c1", envelopeText(t), t0.Add(-time.Minute))}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.HIAMPMessagesRouted)
	assert.Equal(t, []string{"issue-bad", "issue-good"}, h.source.fetches)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "boom")
	require.Len(t, results, 1)
	assert.Equal(t, res.HIAMPMessagesRouted, results[0].HIAMPMessagesRouted)

	st := h.poller.State()
	require.NotNil(t, st.LastPollAt)
	assert.True(t, st.LastPollAt.Equal(t0))
}

func TestPollOnce_RouteErrorCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.router.err = errors.New("permission denied")
	h.poller.WatchIssue("issue-1")
	h.source.comments["issue-1"] = []linear.Comment{
		comment("c1", envelopeText(t), t0.Add(-time.Minute)),
		comment("c2", "architect please look", t0.Add(-time.Minute)),
	}

	res := h.poller.PollOnce(context.Background())
	assert.Equal(t, 2, res.CommentsFound)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.InformMessagesDelivered)
}

func TestStartStop(t *testing.T) {
	completed := make(chan Result, 4)
	h := newHarness(t, func(c *Config) {
		c.Interval = time.Hour
		c.OnComplete = func(r Result) { completed <- r }
	})
	h.poller.WatchIssue("issue-1")

	require.NoError(t, h.poller.Start(context.Background()))
	assert.True(t, h.poller.IsRunning())
	assert.ErrorIs(t, h.poller.Start(context.Background()), ErrAlreadyRunning)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not run")
	}

	require.NoError(t, h.poller.Stop())
	assert.False(t, h.poller.IsRunning())
	require.NoError(t, h.poller.Stop())

	st, err := LoadState(h.poller.cfg.StatePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"issue-1"}, st.WatchedIssueIDs)
	require.NotNil(t, st.LastPollAt)
}

func TestPollOnce_DoesNotChangeRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.poller.PollOnce(context.Background())
	assert.False(t, h.poller.IsRunning())
}

func TestWatchIssue_Dedupes(t *testing.T) {
	h := newHarness(t, nil)

	assert.True(t, h.poller.WatchIssue("issue-1"))
	assert.False(t, h.poller.WatchIssue("issue-1"))
	assert.True(t, h.poller.WatchIssue("issue-2"))
	assert.False(t, h.poller.WatchIssue(" "))
	assert.Equal(t, []string{"issue-1", "issue-2"}, h.poller.State().WatchedIssueIDs)

	assert.True(t, h.poller.UnwatchIssue("issue-1"))
	assert.False(t, h.poller.UnwatchIssue("issue-1"))
	assert.Equal(t, []string{"issue-2"}, h.poller.State().WatchedIssueIDs)
}

func TestWatchList_SharedStateFile(t *testing.T) {
	serve := newHarness(t, nil)
	path := serve.poller.cfg.StatePath
	serve.poller.WatchIssue("issue-1")
	require.NoError(t, serve.poller.Save())

	cli := New(Config{StatePath: path})
	assert.True(t, cli.WatchIssue("issue-2"))
	require.NoError(t, cli.Save())

	serve.poller.PollOnce(context.Background())
	assert.Equal(t, []string{"issue-1", "issue-2"}, serve.source.fetches)

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"issue-1", "issue-2"}, st.WatchedIssueIDs)

	// A removal by one process survives the other's next save.
	cli = New(Config{StatePath: path})
	assert.True(t, cli.UnwatchIssue("issue-1"))
	require.NoError(t, cli.Save())

	serve.poller.WatchIssue("issue-3")
	require.NoError(t, serve.poller.Save())

	st, err = LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"issue-2", "issue-3"}, st.WatchedIssueIDs)
	assert.Equal(t, []string{"issue-2", "issue-3"}, serve.poller.State().WatchedIssueIDs)
}

func TestNew_RestoresState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	at := t0.Add(-time.Hour)
	require.NoError(t, SaveState(path, State{LastPollAt: &at, WatchedIssueIDs: []string{"a", "b"}}))

	p := New(Config{StatePath: path})
	st := p.State()
	assert.Equal(t, []string{"a", "b"}, st.WatchedIssueIDs)
	require.NotNil(t, st.LastPollAt)
	assert.True(t, st.LastPollAt.Equal(at))
}

func TestLoadState_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	st, err := LoadState(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, st.LastPollAt)
	assert.Empty(t, st.WatchedIssueIDs)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	st, err = LoadState(corrupt)
	assert.Error(t, err)
	assert.Nil(t, st.LastPollAt)
	assert.Empty(t, st.WatchedIssueIDs)

	p := New(Config{StatePath: corrupt})
	assert.Empty(t, p.State().WatchedIssueIDs)
}

func TestLoadState_NullCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lastPollAt":null,"watchedIssueIds":["x","x","y"]}`), 0o644))

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.Nil(t, st.LastPollAt)
	assert.Equal(t, []string{"x", "y"}, st.WatchedIssueIDs)
}
