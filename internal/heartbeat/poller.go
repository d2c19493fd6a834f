// ABOUTME: Heartbeat poller driving the poll-only transport: fetches new comments on watched issues
// ABOUTME: Envelopes go to the router, plain alias mentions become inform messages in the inbox

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/2389/hiamp/internal/cache"
	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/inbox"
	"github.com/2389/hiamp/internal/linear"
	"github.com/2389/hiamp/internal/metrics"
	"github.com/2389/hiamp/internal/transport"
	lineartransport "github.com/2389/hiamp/internal/transport/linear"
)

// ErrAlreadyRunning is returned by Start on a running poller.
var ErrAlreadyRunning = errors.New("heartbeat poller already running")

const (
	DefaultInterval        = time.Minute
	DefaultInitialLookback = time.Hour

	seenTTL  = 24 * time.Hour
	seenSize = 10000

	// informOwner is the owner segment of synthesized inform senders.
	informOwner = "linear"
)

// CommentSource fetches issue comments.
type CommentSource interface {
	Viewer(ctx context.Context) (linear.User, error)
	Comments(ctx context.Context, issueID string, since time.Time) ([]linear.Comment, error)
}

// Router handles parsed envelopes. It reports whether the message was delivered.
type Router interface {
	Route(ctx context.Context, in transport.Incoming) (bool, error)
}

// Deliverer stores synthesized inform messages.
type Deliverer interface {
	Deliver(ctx context.Context, msg envelope.Message, rawText string, src inbox.Source) (inbox.Delivery, error)
}

// Result summarizes one poll cycle.
type Result struct {
	CommentsFound           int
	HIAMPMessagesRouted     int
	InformMessagesDelivered int
	Errors                  int
	StartedAt               time.Time
	FinishedAt              time.Time
}

// Config configures a Poller.
type Config struct {
	Source CommentSource
	Router Router
	Inbox  Deliverer

	// Owner and DefaultWorker address inform messages synthesized from mentions.
	Owner         string
	DefaultWorker string
	Aliases       []string

	Interval        time.Duration
	InitialLookback time.Duration
	StatePath       string

	// OnComplete fires after every cycle; OnError once per recovered error.
	OnComplete func(Result)
	OnError    func(error)

	Logger *slog.Logger
}

// Poller periodically collects new comments from watched issues.
type Poller struct {
	cfg     Config
	logger  *slog.Logger
	seen    *cache.Memory
	aliases []*regexp.Regexp
	now     func() time.Time

	mu      sync.Mutex
	state   State
	running bool
	stop    chan struct{}
	done    chan struct{}

	// synced is the watch list as last read from or written to StatePath.
	synced []string

	viewerID     string
	viewerFailed bool

	// cycleMu keeps PollOnce and scheduled cycles from overlapping.
	cycleMu sync.Mutex
}

// New creates a poller and loads its persisted state.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = DefaultInitialLookback
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:    cfg,
		logger: logger.With("component", "heartbeat"),
		seen:   cache.NewMemory(seenSize),
		now:    time.Now,
	}
	for _, a := range cfg.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			p.aliases = append(p.aliases, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(a)))
		}
	}

	if cfg.StatePath != "" {
		st, err := LoadState(cfg.StatePath)
		if err != nil {
			p.logger.Warn("ignoring unreadable heartbeat state", "path", cfg.StatePath, "error", err)
		}
		p.state = st
		p.synced = append([]string(nil), st.WatchedIssueIDs...)
	}
	return p
}

// Start begins polling every Interval, with the first cycle immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(context.WithoutCancel(ctx), ctx.Done(), p.stop, p.done)
	p.logger.Info("heartbeat poller started", "interval", p.cfg.Interval, "watched", len(p.state.WatchedIssueIDs))
	return nil
}

// loop runs cycles until stop closes or the parent context ends. Cycles run
// on a context that is never cancelled so an in-flight cycle always finishes.
func (p *Poller) loop(ctx context.Context, parentDone <-chan struct{}, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx)
		select {
		case <-stop:
			return
		case <-parentDone:
			return
		case <-ticker.C:
		}
	}
}

// Stop waits for the in-flight cycle, halts scheduling and persists state.
// Stopping a poller that is not running only persists state.
func (p *Poller) Stop() error {
	p.mu.Lock()
	running, stop, done := p.running, p.stop, p.done
	p.running = false
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if running {
		close(stop)
		<-done
		p.logger.Info("heartbeat poller stopped")
	}
	return p.Save()
}

// IsRunning reports whether the schedule is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PollOnce runs a single cycle outside the schedule.
func (p *Poller) PollOnce(ctx context.Context) Result {
	return p.cycle(ctx)
}

// WatchIssue adds id to the watch list. It reports whether id was new.
func (p *Poller) WatchIssue(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.state.WatchedIssueIDs {
		if w == id {
			return false
		}
	}
	p.state.WatchedIssueIDs = append(p.state.WatchedIssueIDs, id)
	return true
}

// UnwatchIssue removes id. It reports whether id was watched.
func (p *Poller) UnwatchIssue(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.state.WatchedIssueIDs {
		if w == id {
			p.state.WatchedIssueIDs = append(p.state.WatchedIssueIDs[:i:i], p.state.WatchedIssueIDs[i+1:]...)
			return true
		}
	}
	return false
}

// State returns a copy of the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Poller) snapshotLocked() State {
	s := State{WatchedIssueIDs: append([]string(nil), p.state.WatchedIssueIDs...)}
	if p.state.LastPollAt != nil {
		t := *p.state.LastPollAt
		s.LastPollAt = &t
	}
	return s
}

// Save persists the current state. Without a state path it does nothing.
// Watch list edits made by other processes since the last sync are merged
// in first.
func (p *Poller) Save() error {
	if p.cfg.StatePath == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mergeDiskLocked()
	st := p.snapshotLocked()
	if err := SaveState(p.cfg.StatePath, st); err != nil {
		return err
	}
	p.synced = st.WatchedIssueIDs
	return nil
}

// mergeDiskLocked folds the persisted watch list into memory. Ids added or
// removed here since the last sync win; everything else follows the file.
func (p *Poller) mergeDiskLocked() {
	if p.cfg.StatePath == "" {
		return
	}
	if _, err := os.Stat(p.cfg.StatePath); errors.Is(err, fs.ErrNotExist) {
		return
	}
	disk, err := LoadState(p.cfg.StatePath)
	if err != nil {
		p.logger.Warn("skipping heartbeat state merge", "path", p.cfg.StatePath, "error", err)
		return
	}

	inMem := toSet(p.state.WatchedIssueIDs)
	inSynced := toSet(p.synced)
	onDisk := toSet(disk.WatchedIssueIDs)

	merged := make([]string, 0, len(disk.WatchedIssueIDs)+len(p.state.WatchedIssueIDs))
	for _, id := range disk.WatchedIssueIDs {
		if inSynced[id] && !inMem[id] {
			continue
		}
		merged = append(merged, id)
	}
	for _, id := range p.state.WatchedIssueIDs {
		if !inSynced[id] && !onDisk[id] {
			merged = append(merged, id)
		}
	}
	p.state.WatchedIssueIDs = merged
	p.synced = disk.WatchedIssueIDs

	if disk.LastPollAt != nil && (p.state.LastPollAt == nil || disk.LastPollAt.After(*p.state.LastPollAt)) {
		t := *disk.LastPollAt
		p.state.LastPollAt = &t
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (p *Poller) cycle(ctx context.Context) Result {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	started := p.now()
	res := Result{StartedAt: started}

	p.mu.Lock()
	p.mergeDiskLocked()
	cursor := started.Add(-p.cfg.InitialLookback)
	if p.state.LastPollAt != nil {
		cursor = *p.state.LastPollAt
	}
	issues := append([]string(nil), p.state.WatchedIssueIDs...)
	p.mu.Unlock()

	switch {
	case len(issues) == 0:
	case p.cfg.Source == nil:
		p.fail(&res, errors.New("no comment source configured"))
	default:
		viewerID := p.viewer(ctx, &res)
		for _, issueID := range issues {
			comments, err := p.cfg.Source.Comments(ctx, issueID, cursor)
			if err != nil {
				p.fail(&res, fmt.Errorf("fetching comments for %s: %w", issueID, err))
				continue
			}
			for _, c := range comments {
				if !c.UpdatedAt.After(cursor) {
					continue
				}
				res.CommentsFound++
				p.handleComment(ctx, issueID, c, viewerID, &res)
			}
		}
	}

	p.mu.Lock()
	p.state.LastPollAt = &started
	p.mu.Unlock()
	if err := p.Save(); err != nil {
		p.logger.Error("persisting heartbeat state failed", "path", p.cfg.StatePath, "error", err)
		p.fail(&res, err)
	}

	res.FinishedAt = p.now()
	metrics.PollCyclesTotal.Inc()
	p.logger.Debug("poll cycle complete",
		"comments", res.CommentsFound,
		"routed", res.HIAMPMessagesRouted,
		"informs", res.InformMessagesDelivered,
		"errors", res.Errors,
	)
	if p.cfg.OnComplete != nil {
		p.cfg.OnComplete(res)
	}
	return res
}

// viewer returns our own account id so our comments can be skipped. The id
// is fetched once. Only the first failure is counted; later cycles retry
// quietly and continue without it.
func (p *Poller) viewer(ctx context.Context, res *Result) string {
	p.mu.Lock()
	id, failedBefore := p.viewerID, p.viewerFailed
	p.mu.Unlock()
	if id != "" {
		return id
	}

	u, err := p.cfg.Source.Viewer(ctx)
	if err != nil {
		if failedBefore {
			p.logger.Debug("viewer still unavailable", "error", err)
		} else {
			p.fail(res, fmt.Errorf("fetching viewer: %w", err))
		}
		p.mu.Lock()
		p.viewerFailed = true
		p.mu.Unlock()
		return ""
	}
	p.mu.Lock()
	p.viewerID = u.ID
	p.viewerFailed = false
	p.mu.Unlock()
	return u.ID
}

func (p *Poller) handleComment(ctx context.Context, issueID string, c linear.Comment, viewerID string, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(res, fmt.Errorf("handling comment %s: panic: %v", c.ID, r))
		}
	}()

	var authorID string
	if c.User != nil {
		authorID = c.User.ID
	}
	if viewerID != "" && authorID == viewerID {
		metrics.PollCommentsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if p.seen.CheckAndMark("comment:"+c.ID, seenTTL) {
		metrics.PollCommentsTotal.WithLabelValues("skipped").Inc()
		return
	}

	if msg, err := envelope.Parse(c.Body); err == nil {
		ok, err := p.cfg.Router.Route(ctx, transport.Incoming{
			Message:    msg,
			Raw:        c.Body,
			Transport:  lineartransport.Name,
			ChannelID:  issueID,
			MessageID:  c.ID,
			ThreadRef:  c.ID,
			SenderID:   authorID,
			ReceivedAt: c.CreatedAt,
		})
		if err != nil {
			p.fail(res, fmt.Errorf("routing %s from comment %s: %w", msg.ID, c.ID, err))
			return
		}
		if ok {
			res.HIAMPMessagesRouted++
			metrics.PollCommentsTotal.WithLabelValues("routed").Inc()
		}
		return
	}

	if !p.mentioned(c.Body) {
		metrics.PollCommentsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if err := p.deliverInform(ctx, issueID, c); err != nil {
		p.fail(res, err)
		return
	}
	res.InformMessagesDelivered++
	metrics.PollCommentsTotal.WithLabelValues("inform").Inc()
}

func (p *Poller) mentioned(text string) bool {
	for _, re := range p.aliases {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (p *Poller) deliverInform(ctx context.Context, issueID string, c linear.Comment) error {
	if p.cfg.DefaultWorker == "" || p.cfg.Owner == "" {
		return fmt.Errorf("comment %s mentions us but no default worker is configured", c.ID)
	}

	author := "unknown"
	var authorID string
	if c.User != nil {
		authorID = c.User.ID
		author = slug(firstNonEmpty(c.User.DisplayName, c.User.Name))
	}

	msg, raw := envelope.Compose(envelope.ComposeInput{
		From:   informOwner + "/" + author,
		To:     p.cfg.Owner + "/" + p.cfg.DefaultWorker,
		Intent: envelope.IntentInform,
		Body:   fmt.Sprintf("Mentioned in a comment on issue %s:\n\n%s", issueID, c.Body),
		Ref:    c.ID,
	})
	if _, err := p.cfg.Inbox.Deliver(ctx, msg, raw, inbox.Source{
		ChannelID:    issueID,
		SenderUserID: authorID,
		SenderRef:    c.ID,
	}); err != nil {
		return fmt.Errorf("delivering mention from comment %s: %w", c.ID, err)
	}
	return nil
}

func (p *Poller) fail(res *Result, err error) {
	res.Errors++
	metrics.PollErrorsTotal.Inc()
	p.logger.Warn("poll error", "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slug turns a display name into an address segment.
func slug(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(s) < 2 {
		return "unknown"
	}
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
