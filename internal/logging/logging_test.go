package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Ishan3450/complete-stock-exchange/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(config.Log{Level: "info", File: path})
	require.NoError(t, err)

	log.Named("engine").Info("market_added", zap.String("market", "TATA_INR"))
	log.Debug("dropped_below_level")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "market_added", entry["msg"])
	assert.Equal(t, "engine", entry["logger"])
	assert.Equal(t, "TATA_INR", entry["market"])
	assert.Contains(t, entry, "ts")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(config.Log{Level: "chatty"})
	assert.Error(t, err)
}
