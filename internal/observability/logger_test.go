package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shehryarbajwa/browserpool/internal/config"
)

func TestInitializeJSON(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "pooltest"}, zapcore.AddSync(&buf))

	GetLogger().Named("pool").Info("session created", zap.String("session_id", "abc"))
	Sync()

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "pooltest.pool", entry["logger"])
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "abc", entry["session_id"])
}

func TestInitializeOnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"}, zapcore.AddSync(&second))

	GetLogger().Info("hello")
	Sync()

	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String())
}

func TestLevelFiltering(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "warn", Format: "console"}, zapcore.AddSync(&buf))

	GetLogger().Info("dropped")
	GetLogger().Warn("kept")
	Sync()

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), "browserpool.")
}

func TestFileOutput(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logFile := filepath.Join(t.TempDir(), "browserpool.log")
	var console bytes.Buffer
	Initialize(config.LoggerConfig{
		Level:   "info",
		Format:  "console",
		LogFile: logFile,
		MaxSize: 1,
	}, zapcore.AddSync(&console))

	GetLogger().Info("to file", zap.Int("capacity", 4))
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"capacity":4`)
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}
