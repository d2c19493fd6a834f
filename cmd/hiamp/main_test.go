// ABOUTME: Tests for CLI helpers: log handler formatting, body reading and the parse command
// ABOUTME: Commands run in-process with captured output

package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hiamp/internal/config"
	"github.com/2389/hiamp/internal/envelope"
)

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(&colorHandler{mu: &sync.Mutex{}, out: &buf, level: slog.LevelInfo})

	logger.With("component", "router").WithGroup("msg").Info("delivered", "id", "msg-abc12345")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF delivered component=router msg.id=msg-abc12345")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestReadBody(t *testing.T) {
	body, err := readBody(strings.NewReader("hello\n\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, "hello", body)

	_, err = readBody(strings.NewReader(""), "")
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	_, raw := envelope.Compose(envelope.ComposeInput{
		From:   "alex/backend-dev",
		To:     "stefan/architect",
		Intent: envelope.IntentQuery,
		Body:   "Which port does staging use?",
	})

	cmd := parseCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(raw))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"intent": "query"`)
	assert.Contains(t, out.String(), `"to": "stefan/architect"`)
}

func TestParseCommand_NoEnvelope(t *testing.T) {
	cmd := parseCmd()
	cmd.SetIn(strings.NewReader("just a chat message"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	assert.ErrorIs(t, err, envelope.ErrNoEnvelope)
}

func TestCacheFor_TransportsDoNotShareEntries(t *testing.T) {
	ctx := context.Background()
	a := &app{cfg: &config.Config{}}
	require.NoError(t, a.openCache(ctx))

	mx := a.cacheFor("matrix")
	dc := a.cacheFor("discord")
	assert.Same(t, mx, a.cacheFor("matrix"))

	mx.Set(ctx, "fallback:alex", "!room:example.org", time.Minute)
	dc.Set(ctx, "fallback:alex", "chan-1", time.Minute)
	dc.Clear(ctx)

	v, ok := mx.Get(ctx, "fallback:alex")
	assert.True(t, ok)
	assert.Equal(t, "!room:example.org", v)
	_, ok = dc.Get(ctx, "fallback:alex")
	assert.False(t, ok)
}
