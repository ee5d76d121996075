package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path}, "node-a")
	require.NoError(t, err)

	log.Debug("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "gojotxn", entry["service"])
	require.Equal(t, "node-a", entry["node_id"])
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	log, err := New(Config{Level: "loud", OutputFile: path}, "")
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(-1))
	require.True(t, log.Core().Enabled(0))
}

func TestBadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")}, "")
	require.Error(t, err)
}
