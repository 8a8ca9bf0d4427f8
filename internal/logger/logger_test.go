package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandlerWritesAndFilters(t *testing.T) {
	var out bytes.Buffer
	h := NewAsyncHandler(Options{}, slog.LevelInfo, &out)
	log := slog.New(h).With("session", "abc")

	log.Debug("hidden")
	log.Info("visible", "port", 61614)
	require.NoError(t, h.Close())

	text := out.String()
	assert.NotContains(t, text, "hidden")
	assert.Contains(t, text, "visible")
	assert.Contains(t, text, "session=abc")
	assert.Contains(t, text, "port=61614")
}

func TestAsyncHandlerDailyFile(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "2000-01-01.log")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	var out bytes.Buffer
	h := NewAsyncHandler(Options{Directory: dir, Retention: 30 * 24 * time.Hour}, slog.LevelDebug, &out)
	slog.New(h).Warn("to file")
	require.NoError(t, h.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.NoFileExists(t, stale)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewAsyncHandler(Options{}, slog.LevelInfo, &bytes.Buffer{})
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	// logging after close is dropped silently
	slog.New(h).Info("late")
}
