package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		out = append(out, entry)
	}
	return out
}

// The With* helpers are chained on directly at call sites, so level
// methods must be invokable on the returned logger without a local
// variable in between.
func TestChildLoggersChainLevelMethods(t *testing.T) {
	buf := initBuffer(t)

	WithComponent("gateway").Info().Str("addr", ":8080").Msg("listening")
	WithModelID(7).Warn().Msg("slow start")
	WithRequestID("req-abc").Debug().Msg("routed")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 3)

	assert.Equal(t, "gateway", entries[0]["component"])
	assert.Equal(t, ":8080", entries[0]["addr"])
	assert.Equal(t, "listening", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])

	assert.Equal(t, float64(7), entries[1]["model_id"])
	assert.Equal(t, "warn", entries[1]["level"])

	assert.Equal(t, "req-abc", entries[2]["request_id"])
	assert.Equal(t, "debug", entries[2]["level"])
}

func TestChildLoggerReuse(t *testing.T) {
	buf := initBuffer(t)

	logger := WithComponent("reconciler")
	logger.Info().Msg("tick")
	logger.Error().Msg("divergence")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, "reconciler", entry["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("poller").Debug().Msg("dropped")
	WithComponent("poller").Warn().Msg("kept")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["message"])
}
