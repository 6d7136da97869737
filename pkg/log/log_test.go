package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":  DebugLevel,
		"WARN":   WarnLevel,
		" error": ErrorLevel,
		"":       InfoLevel,
		"trace":  InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestInitJSON(t *testing.T) {
	prev := Logger
	defer func() {
		Logger = prev
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}()

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithBundle("job-1", 3, "node-1")
	logger.Info().Msg("Dropped below level")
	logger.Warn().Msg("Bundle lost")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Bundle lost", entry["message"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, float64(3), entry["bundle_id"])
	assert.Equal(t, "node-1", entry["node_id"])
}
