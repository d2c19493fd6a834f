// ABOUTME: Push-capable Matrix transport: posts envelopes into rooms and listens via /sync
// ABOUTME: Threads map onto m.thread relations rooted at the first event of the conversation

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hiamp/internal/transport"
)

// Name is the transport name used in logs, metrics and Incoming.Transport.
const Name = "matrix"

// API is the subset of *mautrix.Client the transport uses.
type API interface {
	roomAPI
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	SyncWithContext(ctx context.Context) error
	StopSync()
}

// Config configures the transport.
type Config struct {
	// UserID is our own account; its events are ignored by the listener.
	UserID   string
	Pipeline *transport.Pipeline
	Resolver ResolverConfig
	Logger   *slog.Logger
}

// Transport implements transport.Transport over Matrix.
type Transport struct {
	api      API
	syncer   *mautrix.DefaultSyncer
	userID   id.UserID
	pipeline *transport.Pipeline
	resolver *Resolver
	logger   *slog.Logger

	mu        sync.Mutex
	listening bool
	handlers  transport.Handlers
	cancel    context.CancelFunc
	done      chan struct{}
	register  sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport over api. syncer may be nil, in which case Listen
// fails; a send-only transport needs no sync loop.
func New(api API, syncer *mautrix.DefaultSyncer, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Resolver.Logger == nil {
		cfg.Resolver.Logger = logger
	}
	if cfg.Resolver.Server == "" {
		if _, server, err := id.UserID(cfg.UserID).Parse(); err == nil {
			cfg.Resolver.Server = server
		}
	}
	return &Transport{
		api:      api,
		syncer:   syncer,
		userID:   id.UserID(cfg.UserID),
		pipeline: cfg.Pipeline,
		resolver: NewResolver(api, cfg.Resolver),
		logger:   logger.With("component", "matrix"),
	}
}

// NewClient builds a mautrix client from credentials and returns it with its
// default syncer.
func NewClient(homeserver, userID, accessToken string) (*mautrix.Client, *mautrix.DefaultSyncer, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("creating matrix client: %w", err)
	}
	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	return client, syncer, nil
}

// Name returns "matrix".
func (t *Transport) Name() string { return Name }

// Resolver exposes the room resolver.
func (t *Transport) Resolver() *Resolver { return t.resolver }

// Send posts a new message.
func (t *Transport) Send(ctx context.Context, in transport.SendInput) (transport.SendResult, error) {
	return t.pipeline.Send(ctx, in, t.resolver.Resolve, t.post)
}

// SendReply answers an inbound message in its room and thread.
func (t *Transport) SendReply(ctx context.Context, in transport.ReplyInput) (transport.SendResult, error) {
	return t.pipeline.Reply(ctx, in, t.post)
}

// ResolveChannel exposes room resolution without sending.
func (t *Transport) ResolveChannel(ctx context.Context, in transport.ResolveInput) (transport.ResolveResult, error) {
	return t.resolver.Resolve(ctx, in)
}

func (t *Transport) post(ctx context.Context, roomID, text, threadRef string) (string, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if formatted, ok := renderHTML(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	if threadRef != "" {
		content.RelatesTo = &event.RelatesTo{
			Type:          event.RelThread,
			EventID:       id.EventID(threadRef),
			IsFallingBack: true,
			InReplyTo:     &event.InReplyTo{EventID: id.EventID(threadRef)},
		}
	}

	resp, err := t.api.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}

// Listen registers the message handler on the syncer and starts syncing in
// the background.
func (t *Transport) Listen(ctx context.Context, h transport.Handlers) error {
	if t.syncer == nil {
		return fmt.Errorf("matrix: listen requires a sync-capable client")
	}
	if h.OnMessage == nil {
		return transport.ErrNoHandler
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening {
		return transport.ErrAlreadyListening
	}

	syncCtx, cancel := context.WithCancel(ctx)
	t.handlers = h
	t.register.Do(func() {
		t.syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
			t.mu.Lock()
			h := t.handlers
			t.mu.Unlock()
			t.handleEvent(ctx, evt, h)
		})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := t.api.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			t.logger.Error("matrix sync failed", "error", err)
			h.ReportError(fmt.Errorf("matrix sync failed: %w", err))
		}
		t.mu.Lock()
		t.listening = false
		t.mu.Unlock()
	}()

	t.listening = true
	t.cancel = cancel
	t.done = done
	t.logger.Info("matrix listener started", "user_id", t.userID)
	return nil
}

func (t *Transport) handleEvent(ctx context.Context, evt *event.Event, h transport.Handlers) {
	if evt.Sender == t.userID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return
	}

	threadRef := evt.ID.String()
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread {
		threadRef = rel.EventID.String()
	}

	h.Dispatch(ctx, transport.Incoming{
		Transport:  Name,
		ChannelID:  evt.RoomID.String(),
		MessageID:  evt.ID.String(),
		ThreadRef:  threadRef,
		SenderID:   evt.Sender.String(),
		ReceivedAt: time.UnixMilli(evt.Timestamp),
	}, content.Body)
}

// Stop halts the sync loop and waits for it to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	t.api.StopSync()
	<-done
	t.logger.Info("matrix listener stopped")
	return nil
}

// IsListening reports whether the sync loop is running.
func (t *Transport) IsListening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening
}
