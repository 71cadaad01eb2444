package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRespectsLevelAndWriter(t *testing.T) {
	var buf strings.Builder
	log := New(&buf, slog.LevelWarn)

	log.Info("should be filtered")
	log.Warn("kept", "task_id", "t1")

	out := buf.String()
	assert.NotContains(t, out, "should be filtered")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "t1", entry["task_id"])
}

// TestSetupWritesToStderr pins the log sink: stdout may carry the MCP stdio
// protocol, so log lines must never land there.
func TestSetupWritesToStderr(t *testing.T) {
	origStderr := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w
	defer func() { os.Stderr = origStderr }()

	log := Setup("info")
	log.Info("sink check")
	require.NoError(t, w.Close())

	line, err := bufio.NewReader(r).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "sink check")
}

func TestSetupUnknownLevelFallsBack(t *testing.T) {
	origStderr := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w
	defer func() { os.Stderr = origStderr }()

	log := Setup("verbose")
	log.Debug("filtered at info")
	log.Info("visible")
	require.NoError(t, w.Close())

	out := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		out.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	assert.NotContains(t, out.String(), "filtered at info")
	assert.Contains(t, out.String(), "visible")
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf strings.Builder
	log := New(&buf, slog.LevelInfo)

	ctx := WithLogger(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
