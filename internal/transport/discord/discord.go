// ABOUTME: Push-capable Discord transport: posts envelopes into channels and listens on the gateway
// ABOUTME: Replies are linked to the original post with a message reference

package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/transport"
)

// Name is the transport name used in logs, metrics and Incoming.Transport.
const Name = "discord"

// MaxMessageLength is Discord's content limit for a single message.
const MaxMessageLength = 2000

// API is the REST subset of *discordgo.Session the transport uses.
type API interface {
	dmAPI
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Gateway is the websocket subset of *discordgo.Session used by Listen.
type Gateway interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

// Config configures the transport.
type Config struct {
	Pipeline *transport.Pipeline
	Resolver ResolverConfig
	Logger   *slog.Logger
}

// Transport implements transport.Transport over Discord.
type Transport struct {
	api      API
	gateway  Gateway
	pipeline *transport.Pipeline
	resolver *Resolver
	logger   *slog.Logger

	mu        sync.Mutex
	listening bool
	selfID    string
	removers  []func()
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport. gateway may be nil for a send-only transport.
func New(api API, gateway Gateway, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Resolver.Logger == nil {
		cfg.Resolver.Logger = logger
	}
	return &Transport{
		api:      api,
		gateway:  gateway,
		pipeline: cfg.Pipeline,
		resolver: NewResolver(api, cfg.Resolver),
		logger:   logger.With("component", "discord"),
	}
}

// NewSession creates a bot session with the intents the listener needs.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return session, nil
}

// Name returns "discord".
func (t *Transport) Name() string { return Name }

// Resolver exposes the channel resolver.
func (t *Transport) Resolver() *Resolver { return t.resolver }

// Send posts a new message.
func (t *Transport) Send(ctx context.Context, in transport.SendInput) (transport.SendResult, error) {
	return t.pipeline.Send(ctx, in, t.resolver.Resolve, t.post)
}

// SendReply answers an inbound message in its channel.
func (t *Transport) SendReply(ctx context.Context, in transport.ReplyInput) (transport.SendResult, error) {
	return t.pipeline.Reply(ctx, in, t.post)
}

// ResolveChannel exposes channel resolution without sending.
func (t *Transport) ResolveChannel(ctx context.Context, in transport.ResolveInput) (transport.ResolveResult, error) {
	return t.resolver.Resolve(ctx, in)
}

func (t *Transport) post(ctx context.Context, channelID, text, threadRef string) (string, error) {
	if n := utf8.RuneCountInString(text); n > MaxMessageLength {
		return "", hiamp.Errorf(hiamp.CodeInvalidMessage, "message is %d characters; discord allows %d", n, MaxMessageLength)
	}
	send := &discordgo.MessageSend{Content: text}
	if threadRef != "" {
		send.Reference = &discordgo.MessageReference{MessageID: threadRef, ChannelID: channelID}
	}
	msg, err := t.api.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Listen opens the gateway connection and dispatches new messages to h.
func (t *Transport) Listen(ctx context.Context, h transport.Handlers) error {
	if t.gateway == nil {
		return fmt.Errorf("discord: listen requires a gateway session")
	}
	if h.OnMessage == nil {
		return transport.ErrNoHandler
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening {
		return transport.ErrAlreadyListening
	}

	t.removers = append(t.removers,
		t.gateway.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			t.mu.Lock()
			t.selfID = r.User.ID
			t.mu.Unlock()
			t.logger.Info("discord session ready", "user", r.User.Username)
		}),
		t.gateway.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			t.handleMessage(ctx, m, h)
		}),
	)

	if err := t.gateway.Open(); err != nil {
		t.removeHandlersLocked()
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	t.listening = true
	return nil
}

func (t *Transport) handleMessage(ctx context.Context, m *discordgo.MessageCreate, h transport.Handlers) {
	if m.Message == nil || m.Author == nil {
		return
	}
	t.mu.Lock()
	self := t.selfID
	t.mu.Unlock()
	if m.Author.ID == self {
		return
	}

	threadRef := m.ID
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		threadRef = ref.MessageID
	}

	h.Dispatch(ctx, transport.Incoming{
		Transport:  Name,
		ChannelID:  m.ChannelID,
		MessageID:  m.ID,
		ThreadRef:  threadRef,
		SenderID:   m.Author.ID,
		ReceivedAt: m.Timestamp,
	}, m.Content)
}

// Stop closes the gateway connection. Calling it more than once is safe.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.listening {
		return nil
	}
	t.listening = false
	t.removeHandlersLocked()
	if err := t.gateway.Close(); err != nil {
		return fmt.Errorf("closing discord gateway: %w", err)
	}
	return nil
}

func (t *Transport) removeHandlersLocked() {
	for _, remove := range t.removers {
		remove()
	}
	t.removers = nil
}

// IsListening reports whether the gateway connection is open.
func (t *Transport) IsListening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening
}
