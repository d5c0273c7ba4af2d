// ABOUTME: Tests for the sandboxd command helpers
// ABOUTME: Covers log level parsing, the colour handler and config rendering

package main

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, mu: &sync.Mutex{}, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "supervisor").WithGroup("instance").Info("instance started", "port", 4100)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF instance started")
	assert.Contains(t, out, " component=supervisor")
	assert.Contains(t, out, " instance.port=4100")
}

func TestYAMLList(t *testing.T) {
	assert.Equal(t, `["node", "dist/worker.js"]`, yamlList("node  dist/worker.js"))
	assert.Equal(t, `[]`, yamlList(""))
}
