package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, levelFromString(in).Level(), "level %q", in)
	}
}

func TestNewLoggerAttachesServiceAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "dispatch-api", "info")
	l.Info("hello", "trip_id", "t1")
	l.Debug("suppressed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "dispatch-api", rec["service"])
	assert.Equal(t, "t1", rec["trip_id"])
	assert.Contains(t, rec, "timestamp")
	assert.NotContains(t, rec, "time")
}
