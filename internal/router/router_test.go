// ABOUTME: Tests for the local router
// ABOUTME: Covers delivery, other-owner and expired drops, and receive permission denials

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
	"github.com/2389/hiamp/internal/inbox"
	"github.com/2389/hiamp/internal/permission"
	"github.com/2389/hiamp/internal/store"
	"github.com/2389/hiamp/internal/transport"
)

func testRegistry() *permission.Registry {
	return &permission.Registry{
		Enabled: true,
		Default: permission.PolicyDeny,
		Workers: map[string]permission.WorkerPermission{
			"architect": {
				Send:           true,
				Receive:        true,
				AllowedIntents: []string{"request", "inform"},
				AllowedPeers:   []string{"alex"},
			},
			"muted": {Send: true, Receive: false, AllowedPeers: []string{permission.Wildcard}},
		},
	}
}

func incoming(from, to string, intent envelope.Intent) transport.Incoming {
	msg, raw := envelope.Compose(envelope.ComposeInput{From: from, To: to, Intent: intent, Body: "hello"})
	return transport.Incoming{Message: msg, Raw: raw, Transport: "matrix", ChannelID: "!room", MessageID: "$evt", SenderID: "@alex"}
}

func newTestRouter(t *testing.T) (*Local, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return NewLocal("stefan", permission.NewGuard(testRegistry()), inbox.New(s, nil), nil), s
}

func TestRoute_Delivers(t *testing.T) {
	r, s := newTestRouter(t)
	in := incoming("alex/backend-dev", "stefan/architect", envelope.IntentRequest)

	ok, err := r.Route(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := s.Get(context.Background(), "architect", in.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "!room", e.ChannelID)
	assert.Equal(t, "@alex", e.SenderUserID)
	assert.Equal(t, "$evt", e.SenderRef)
	assert.Equal(t, in.Raw, e.RawText)
}

func TestRoute_OtherOwnerIgnored(t *testing.T) {
	r, s := newTestRouter(t)

	ok, err := r.Route(context.Background(), incoming("alex/backend-dev", "jordan/dev", envelope.IntentRequest))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Count())
}

func TestRoute_ExpiredDropped(t *testing.T) {
	r, s := newTestRouter(t)
	r.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	in := incoming("alex/backend-dev", "stefan/architect", envelope.IntentRequest)
	in.Message.Expires = "2026-05-01T00:00:00Z"

	ok, err := r.Route(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Count())
}

func TestRoute_PermissionDenied(t *testing.T) {
	tests := []struct {
		name string
		in   transport.Incoming
	}{
		{"peer not allowed", incoming("jordan/dev", "stefan/architect", envelope.IntentRequest)},
		{"intent not allowed", incoming("alex/backend-dev", "stefan/architect", envelope.IntentHandoff)},
		{"receive disabled", incoming("alex/backend-dev", "stefan/muted", envelope.IntentInform)},
		{"unlisted worker under deny default", incoming("alex/backend-dev", "stefan/ghost", envelope.IntentInform)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := newTestRouter(t)
			ok, err := r.Route(context.Background(), tt.in)
			assert.False(t, ok)
			assert.Equal(t, hiamp.CodePermissionDenied, hiamp.CodeOf(err))
			assert.Zero(t, s.Count())
		})
	}
}

func TestRoute_DeliveryFailure(t *testing.T) {
	s := store.NewMockStore()
	s.PutErr = errors.New("disk full")
	r := NewLocal("stefan", nil, inbox.New(s, nil), nil)

	ok, err := r.Route(context.Background(), incoming("alex/backend-dev", "stefan/architect", envelope.IntentRequest))
	assert.False(t, ok)
	assert.ErrorContains(t, err, "disk full")
}

func TestHandlers_RouteOnMessage(t *testing.T) {
	r, s := newTestRouter(t)
	h := r.Handlers()

	in := incoming("alex/backend-dev", "stefan/architect", envelope.IntentInform)
	h.Dispatch(context.Background(), transport.Incoming{Transport: "matrix", ChannelID: "!room"}, in.Raw)

	assert.Equal(t, 1, s.Count())
}
