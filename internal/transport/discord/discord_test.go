// ABOUTME: Tests for the Discord transport and channel resolver
// ABOUTME: Fakes the REST and gateway surfaces of a discordgo session

package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/permission"
	"github.com/2389/hiamp/internal/ratelimit"
	"github.com/2389/hiamp/internal/transport"
)

type fakeREST struct {
	sent    []*discordgo.MessageSend
	targets []string
	dms     int
	sendErr error
}

func (f *fakeREST) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	f.targets = append(f.targets, channelID)
	return &discordgo.Message{ID: "9000" + string(rune('0'+len(f.sent)))}, nil
}

func (f *fakeREST) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.dms++
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

type fakeGateway struct {
	handlers []interface{}
	opened   int
	closed   int
	openErr  error
}

func (g *fakeGateway) AddHandler(h interface{}) func() {
	g.handlers = append(g.handlers, h)
	idx := len(g.handlers) - 1
	return func() { g.handlers[idx] = nil }
}

func (g *fakeGateway) Open() error {
	g.opened++
	return g.openErr
}

func (g *fakeGateway) Close() error {
	g.closed++
	return nil
}

func (g *fakeGateway) emit(v interface{}) {
	for _, h := range g.handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Ready):
			if r, ok := v.(*discordgo.Ready); ok {
				fn(nil, r)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if m, ok := v.(*discordgo.MessageCreate); ok {
				fn(nil, m)
			}
		}
	}
}

func newTestTransport(rest *fakeREST, gw Gateway, rc ResolverConfig) *Transport {
	reg := &permission.Registry{
		Enabled: true,
		Default: permission.PolicyAllow,
		Peers: map[string]permission.Peer{
			"alex":   {Owner: "alex"},
			"jordan": {Owner: "jordan"},
		},
	}
	p := transport.NewPipeline(transport.PipelineConfig{
		Name:          Name,
		Owner:         "stefan",
		DefaultWorker: "architect",
		Guard:         permission.NewGuard(reg),
		Limiter:       ratelimit.New(0),
	})
	return New(rest, gw, Config{Pipeline: p, Resolver: rc})
}

func TestResolve_Strategies(t *testing.T) {
	rest := &fakeREST{}
	ctx := context.Background()

	shared := newTestTransport(rest, nil, ResolverConfig{
		SharedChannel:   "agents",
		ContextChannels: map[string]string{"release": "release-chan"},
	})
	res, err := shared.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.Equal(t, "agents", res.ChannelID)

	res, err = shared.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev", Context: "release"})
	require.NoError(t, err)
	assert.Equal(t, "release-chan", res.ChannelID)
	assert.Equal(t, transport.StrategyContext, res.Strategy)

	res, err = shared.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev", Channel: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", res.ChannelID)

	perRel := newTestTransport(rest, nil, ResolverConfig{
		Strategy:     StrategyPerRelationship,
		PeerChannels: map[string]string{"alex": "alex-chan"},
	})
	res, err = perRel.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.Equal(t, "alex-chan", res.ChannelID)
	_, err = perRel.ResolveChannel(ctx, transport.ResolveInput{To: "jordan/dev"})
	assert.Equal(t, hiamp.CodeUnknownPeer, hiamp.CodeOf(err))
}

func TestResolve_DMCached(t *testing.T) {
	rest := &fakeREST{}
	tr := newTestTransport(rest, nil, ResolverConfig{
		Strategy:  StrategyDM,
		PeerUsers: map[string]string{"alex": "1234"},
	})
	ctx := context.Background()

	res, err := tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/dev"})
	require.NoError(t, err)
	assert.Equal(t, "dm-1234", res.ChannelID)

	res, err = tr.ResolveChannel(ctx, transport.ResolveInput{To: "alex/ops"})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, rest.dms)
}

func TestResolve_StrictContext(t *testing.T) {
	tr := newTestTransport(&fakeREST{}, nil, ResolverConfig{SharedChannel: "agents", StrictContext: true})
	_, err := tr.ResolveChannel(context.Background(), transport.ResolveInput{To: "alex/dev", Context: "nope"})
	assert.Equal(t, hiamp.CodeNoContextMatch, hiamp.CodeOf(err))
}

func TestSend(t *testing.T) {
	rest := &fakeREST{}
	tr := newTestTransport(rest, nil, ResolverConfig{SharedChannel: "agents"})

	res, err := tr.Send(context.Background(), transport.SendInput{
		To: "alex/dev", Intent: envelope.IntentRequest, Body: "Can you review?",
	})
	require.NoError(t, err)
	assert.Equal(t, "agents", res.ChannelID)
	assert.Equal(t, "90001", res.MessageID)
	require.Len(t, rest.sent, 1)
	assert.Equal(t, res.MessageText, rest.sent[0].Content)
	assert.Nil(t, rest.sent[0].Reference)
}

func TestSend_TooLong(t *testing.T) {
	rest := &fakeREST{}
	tr := newTestTransport(rest, nil, ResolverConfig{SharedChannel: "agents"})

	_, err := tr.Send(context.Background(), transport.SendInput{
		To: "alex/dev", Intent: envelope.IntentInform, Body: strings.Repeat("x", MaxMessageLength),
	})
	assert.Equal(t, hiamp.CodeInvalidMessage, hiamp.CodeOf(err))
	assert.Empty(t, rest.sent)
}

func TestSend_RateLimited(t *testing.T) {
	rest := &fakeREST{sendErr: errors.New("HTTP 429 Too Many Requests, {\"message\": \"You are being rate limited.\"}")}
	tr := newTestTransport(rest, nil, ResolverConfig{SharedChannel: "agents"})

	_, err := tr.Send(context.Background(), transport.SendInput{To: "alex/dev", Intent: envelope.IntentInform, Body: "x"})
	assert.Equal(t, hiamp.CodeRateLimited, hiamp.CodeOf(err))
}

func TestSendReply_References(t *testing.T) {
	rest := &fakeREST{}
	tr := newTestTransport(rest, nil, ResolverConfig{SharedChannel: "agents"})

	orig := transport.Incoming{
		Message:   envelope.Message{ID: "msg-q1234567", From: "alex/dev", To: "stefan/architect", Intent: envelope.IntentQuery},
		ChannelID: "dm-1234",
		MessageID: "555",
	}
	_, err := tr.SendReply(context.Background(), transport.ReplyInput{Original: orig, Body: "yes"})
	require.NoError(t, err)
	require.Len(t, rest.sent, 1)
	assert.Equal(t, "dm-1234", rest.targets[0])
	require.NotNil(t, rest.sent[0].Reference)
	assert.Equal(t, "555", rest.sent[0].Reference.MessageID)
}

func TestListen(t *testing.T) {
	gw := &fakeGateway{}
	tr := newTestTransport(&fakeREST{}, gw, ResolverConfig{SharedChannel: "agents"})

	var got []transport.Incoming
	h := transport.Handlers{OnMessage: func(_ context.Context, in transport.Incoming) { got = append(got, in) }}
	ctx := context.Background()

	require.NoError(t, tr.Listen(ctx, h))
	assert.True(t, tr.IsListening())
	assert.ErrorIs(t, tr.Listen(ctx, h), transport.ErrAlreadyListening)

	gw.emit(&discordgo.Ready{User: &discordgo.User{ID: "bot-1", Username: "stefan-bot"}})

	_, text := envelope.Compose(envelope.ComposeInput{From: "alex/dev", To: "stefan/architect", Intent: envelope.IntentInform, Body: "done"})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw.emit(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "777", ChannelID: "agents", Content: text, Timestamp: ts,
		Author: &discordgo.User{ID: "alex-bot"},
	}})
	gw.emit(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "778", ChannelID: "agents", Content: text,
		Author: &discordgo.User{ID: "bot-1"},
	}})

	require.Len(t, got, 1)
	assert.Equal(t, "done", got[0].Message.Body)
	assert.Equal(t, "777", got[0].ThreadRef)
	assert.Equal(t, ts, got[0].ReceivedAt)

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	assert.False(t, tr.IsListening())
	assert.Equal(t, 1, gw.closed)
}

func TestListen_OpenFails(t *testing.T) {
	gw := &fakeGateway{openErr: errors.New("4004 authentication failed")}
	tr := newTestTransport(&fakeREST{}, gw, ResolverConfig{SharedChannel: "agents"})

	err := tr.Listen(context.Background(), transport.Handlers{OnMessage: func(context.Context, transport.Incoming) {}})
	require.Error(t, err)
	assert.False(t, tr.IsListening())
}

func TestListen_NoGateway(t *testing.T) {
	tr := newTestTransport(&fakeREST{}, nil, ResolverConfig{SharedChannel: "agents"})
	err := tr.Listen(context.Background(), transport.Handlers{OnMessage: func(context.Context, transport.Incoming) {}})
	assert.Error(t, err)
}
