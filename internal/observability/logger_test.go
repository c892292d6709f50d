// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loanbook/courier/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bufferSyncer adapts a bytes.Buffer to zapcore.WriteSyncer.
type bufferSyncer struct {
	bytes.Buffer
}

func (b *bufferSyncer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console output is colorized and named", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "courier",
			Colors:      config.ColorConfig{Info: "blue"},
		}, buf)

		GetLogger().Named("sender").Info("message delivered", zap.String("item_id", "a1"))
		Sync()

		out := buf.String()
		assert.Contains(t, out, colorBlue+"INFO"+colorReset)
		assert.Contains(t, out, "[courier.sender]")
		assert.Contains(t, out, "message delivered")
		assert.Contains(t, out, `"item_id": "a1"`)
	})

	t.Run("unset colors fall back to defaults", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "warn", Format: "console"}, buf)
		GetLogger().Warn("careful")
		GetLogger().Info("filtered out")

		out := buf.String()
		assert.Contains(t, out, colorYellow+"WARN"+colorReset)
		assert.NotContains(t, out, "filtered out")
	})

	t.Run("json format", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"}, buf)
		GetLogger().Info("hello", zap.Int("count", 3))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "svc", entry["logger"])
		assert.Equal(t, "hello", entry["msg"])
		assert.EqualValues(t, 3, entry["count"])
	})

	t.Run("only the first call wins", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		first := &bufferSyncer{}
		second := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, second)
		GetLogger().Info("once")

		assert.Contains(t, first.String(), "once")
		assert.Empty(t, second.String())
	})

	t.Run("invalid level defaults to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, buf)
		assert.False(t, GetLogger().Core().Enabled(zapcore.DebugLevel))
		assert.True(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	})
}

func TestNew_FileSink(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "courier.log")
	console := &bufferSyncer{}

	logger := New(config.LoggerConfig{Level: "info", Format: "console", LogFile: logFile, MaxSize: 1}, console)
	logger.Info("to both sinks")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry), "file sink is always JSON")
	assert.Equal(t, "to both sinks", entry["msg"])
	assert.Contains(t, console.String(), "to both sinks")
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Equal(t, "fallback", logger.Name())
}
