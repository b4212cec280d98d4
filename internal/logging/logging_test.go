package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_FileWritesJSONLines(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	path := filepath.Join(t.TempDir(), "logs", "replenisher.log")
	closer, err := Init(zerolog.InfoLevel, path)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("channel", "well-1").Int("cycle", 3).Msg("Cycle complete")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "well-1", entry["channel"])
	assert.Equal(t, 3.0, entry["cycle"])
	assert.Contains(t, entry, "time")
}

func TestInit_ConsoleWhenNoFile(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	closer, err := Init(zerolog.WarnLevel, "")
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())
}
