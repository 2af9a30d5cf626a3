package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FILE", "")

	log, err := NewLogger()
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()

	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_Production(t *testing.T) {
	t.Setenv("ENV", "production")

	log, err := NewLogger()
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()
}

func TestNewLogger_DebugLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	log, err := NewLogger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_FileOutput(t *testing.T) {
	t.Setenv("LOG_FILE", t.TempDir()+"/app.log")

	log, err := NewLogger()
	require.NoError(t, err)
	log.Info("file sink smoke test")
	log.Sync()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestWithContext(t *testing.T) {
	log := zap.NewNop()
	child := WithContext(log, zap.String("component", "test"))
	assert.NotNil(t, child)
}
