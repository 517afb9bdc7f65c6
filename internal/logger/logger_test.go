package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogLevel(tt.input))
		})
	}
}

func TestComponentLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}, "info") })

	log := NewComponentLogger("Enrichment").WithField("mac", "00:11:22:33:44:55")
	log.Info("lookup resolved to %s", "Apple, Inc.")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Enrichment", entry["component"])
	assert.Equal(t, "00:11:22:33:44:55", entry["mac"])
	assert.Equal(t, "lookup resolved to Apple, Inc.", entry["message"])
	assert.True(t, strings.HasPrefix(entry["caller"].(string), "logger_test.go:"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn")
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}, "info") })

	log := NewComponentLogger("Store")
	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("kept")
	log.ErrorWithContext(assert.AnError, "write %s", "row")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kept"`)
	assert.Contains(t, lines[1], "write row: "+assert.AnError.Error())
}
