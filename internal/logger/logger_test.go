package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
		want   zapcore.Level
	}{
		{"defaults", "", "", zapcore.InfoLevel},
		{"debug json", "debug", "json", zapcore.DebugLevel},
		{"warn console", "warn", "console", zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			require.NoError(t, err)
			defer logger.Sync()

			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New("shouting", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewInvalidFormat(t *testing.T) {
	_, err := New("info", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestNewDevelopment(t *testing.T) {
	logger := NewDevelopment()
	defer logger.Sync()
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
