package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewWithOptions_LevelGates(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		level string
		debug bool
		info  bool
	}{
		{level: "debug", debug: true, info: true},
		{level: "info", info: true},
		{level: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, _ := NewWithOptions(Options{Level: tt.level, Output: &bytes.Buffer{}})
			assert.Equal(t, tt.debug, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.info, logger.Enabled(ctx, slog.LevelInfo))
			assert.True(t, logger.Enabled(ctx, slog.LevelError))
		})
	}
}

func TestNewWithOptions_JSONRecord(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWithOptions(Options{Level: "info", Format: "json", Output: &buf})
	logger.Info("release confirmed", "listingId", 42, "txHash", "0xabc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "release confirmed", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
	assert.EqualValues(t, 42, rec["listingId"])
	assert.NotContains(t, rec, "source", "source is only added at debug")
}

func TestNewWithOptions_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWithOptions(Options{Output: &buf})
	logger.Warn("scan failed", "errors", 2)
	assert.Contains(t, buf.String(), `level=WARN msg="scan failed" errors=2`)
}

func TestNewWithOptions_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconciler.log")
	var stdout bytes.Buffer

	logger, closer := NewWithOptions(Options{Level: "info", Format: "json", File: path, Output: &stdout})
	logger.Info("release confirmed", "listingId", 42)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"listingId":42`)
	assert.Equal(t, stdout.String(), string(data), "file mirrors the primary output")
}

func TestNewWithOptions_NoFileCloserIsNoop(t *testing.T) {
	_, closer := NewWithOptions(Options{Level: "info", Output: &bytes.Buffer{}})
	assert.NoError(t, closer.Close())
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWithOptions(Options{Format: "json", Output: &buf})

	ctx := WithLogger(context.Background(), logger)
	L(ctx).Info("no id")
	assert.NotContains(t, buf.String(), "request_id")

	buf.Reset()
	L(WithRequestID(ctx, "req-456")).Info("with id")
	assert.Contains(t, buf.String(), `"request_id":"req-456"`)
}
