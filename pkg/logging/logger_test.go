package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine"
	"github.com/polisai/packetflow/pkg/packet"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown", "node_id", "a")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "a", record["node_id"])

	buf.Reset()
	NewLogger(Config{Level: "info", Pretty: true, Output: &buf}).Info("pretty", "k", "v")
	assert.Contains(t, buf.String(), "msg=pretty")
	assert.Contains(t, buf.String(), "k=v")
}

func TestEventObserverLogsWarnings(t *testing.T) {
	var buf bytes.Buffer
	observe := EventObserver(NewEventLogger(Config{Level: "warn", Output: &buf}))

	p := packet.New("x", "in").SetOrigin("src")
	observe(engine.Event{Kind: engine.EventProcessing, NodeID: "a", Packet: p})
	assert.Empty(t, buf.String(), "debug events are filtered at warn level")

	cause := errors.New("denied")
	observe(engine.Event{
		Kind:   engine.EventWarning,
		NodeID: "a",
		Packet: p,
		Err:    domain.NewFailedGuardError("a", 2, cause),
	})

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "warn", record["level"])
	assert.Equal(t, "warning", record["event"])
	assert.Equal(t, "a", record["node_id"])
	assert.Equal(t, "src", record["origin"])
	assert.Equal(t, "FailedGuard", record["kind"])
	assert.Equal(t, float64(2), record["guard_index"])
	assert.Equal(t, []any{"in"}, record["ports"])
	assert.Contains(t, record["error"], "denied")
}

func TestEventObserverDebugEvents(t *testing.T) {
	var buf bytes.Buffer
	observe := EventObserver(NewEventLogger(Config{Level: "debug", Output: &buf}))

	observe(engine.Event{Kind: engine.EventOutput, NodeID: "r"})

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "debug", record["level"])
	assert.Equal(t, "output", record["event"])
	assert.NotContains(t, record, "error")
}

func TestSetupInstallsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := Setup(Config{Level: "debug", Output: &buf})
	assert.Same(t, logger, slog.Default())
	slog.Debug("installed")
	assert.Contains(t, buf.String(), "installed")
}
