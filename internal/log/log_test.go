package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/labrun/internal/log"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestContextAttrsAppearOnRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := log.ContextAttrs(context.Background(), slog.String("task_id", "abc"))
	ctx = log.ContextAttrs(ctx, slog.String("plan", "sleep"))
	logger.InfoContext(ctx, "hello")

	m := decode(t, &buf)
	require.Equal(t, "abc", m["task_id"])
	require.Equal(t, "sleep", m["plan"])
}

func TestContextAttrsDoNotLeakIntoParent(t *testing.T) {
	parent := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	_ = log.ContextAttrs(parent, slog.String("b", "2"))
	_ = log.ContextAttrs(parent, slog.String("c", "3"))

	require.Len(t, log.Attrs(parent), 1)
}

func TestWithAttrsKeepsContextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("component", "worker")

	ctx := log.ContextAttrs(context.Background(), slog.String("request", "r1"))
	logger.InfoContext(ctx, "hello")

	m := decode(t, &buf)
	require.Equal(t, "worker", m["component"])
	require.Equal(t, "r1", m["request"])
}
