// ABOUTME: Tests for the colorized terminal log handler.
// ABOUTME: Validates level gating and flattened group key prefixes.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	t.Run("groups flatten into dotted key prefixes", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(&colorHandler{level: slog.LevelDebug, out: &buf})

		logger.WithGroup("relay").With("agent_id", "agent-1").Info("connected", "tenant_id", "t-1")

		out := buf.String()
		assert.Contains(t, out, "connected")
		assert.Contains(t, out, "relay.agent_id=agent-1")
		assert.Contains(t, out, "relay.tenant_id=t-1")
	})

	t.Run("records below the level are dropped", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(&colorHandler{level: slog.LevelWarn, out: &buf})

		logger.Info("quiet")
		logger.Warn("loud")

		assert.NotContains(t, buf.String(), "quiet")
		assert.Contains(t, buf.String(), "loud")
	})

	t.Run("handler attrs precede record attrs", func(t *testing.T) {
		var buf bytes.Buffer
		h := (&colorHandler{level: slog.LevelDebug, out: &buf}).WithAttrs([]slog.Attr{slog.String("component", "proxy")})

		r := slog.NewRecord(time.Now(), slog.LevelInfo, "ready", 0)
		r.AddAttrs(slog.String("addr", ":8080"))
		assert.NoError(t, h.Handle(context.Background(), r))

		out := buf.String()
		assert.Less(t, bytes.Index(buf.Bytes(), []byte("component=proxy")), bytes.Index(buf.Bytes(), []byte("addr=:8080")))
		assert.Contains(t, out, "INF ready")
	})
}
