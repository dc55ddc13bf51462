package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		component: "test",
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.WithSessionID("sess-1").WithEventKind("progress-update").WithEntityID("wf-1").Info("hello")

	m := decodeLine(t, &buf)
	assert.Equal(t, "sess-1", m["session_id"])
	assert.Equal(t, "progress-update", m["event_kind"])
	assert.Equal(t, "wf-1", m["entity_id"])
}

func TestWithError_Nil(t *testing.T) {
	l := Discard()
	assert.Same(t, l, l.WithError(nil))
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	ctx := context.WithValue(context.Background(), SessionIDKey, "sess-9")
	l.WithContext(ctx).Info("ctx")

	m := decodeLine(t, &buf)
	assert.Equal(t, "sess-9", m["session_id"])

	// 空上下文不派生新日志器
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestEventLog_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.EventLog("metric-batch", "", 2*time.Millisecond, assert.AnError)
	m := decodeLine(t, &buf)
	assert.Equal(t, "WARN", m["level"])
	assert.Equal(t, "metric-batch", m["event_kind"])
	_, hasEntity := m["entity_id"]
	assert.False(t, hasEntity)
}
