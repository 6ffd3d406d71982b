package log_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Conan/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.WithTask(t.Context(), "42", "E-GEOD-1")
	ctx2 := log.ContextAttrs(ctx, slog.String("process", "load"))
	logger.InfoContext(ctx2, "process started")
	logger.DebugContext(ctx2, "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "process started", rec["msg"])
	require.Equal(t, "load", rec["process"])
	task, ok := rec["task"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "42", task["id"])
	require.Equal(t, "E-GEOD-1", task["name"])

	// parent context is not affected by a child annotation
	buf.Reset()
	logger.InfoContext(ctx, "parent")
	rec = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.NotContains(t, rec, "process")
}

func TestOutput(t *testing.T) {
	t.Parallel()
	w, closeFn, err := log.Output("discard")
	require.NoError(t, err)
	require.Equal(t, io.Discard, w)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "conan.log")
	w, closeFn, err = log.Output(path)
	require.NoError(t, err)
	log.New(w, true).Debug("hello")
	require.NoError(t, closeFn())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)
}
