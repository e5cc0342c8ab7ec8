package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*ZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return Wrap(zap.New(core)), logs
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"Warn", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"FATAL", FatalLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestZapLogger_Fields(t *testing.T) {
	l, logs := observed()

	l.WithField("component", "allocator").Info("Order placed", "account_id", 3, "signal_id", "S1")

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "allocator", ctx["component"])
	assert.Equal(t, int64(3), ctx["account_id"])
	assert.Equal(t, "S1", ctx["signal_id"])
}

func TestZapLogger_DanglingKeyIsKept(t *testing.T) {
	l, logs := observed()

	l.Warn("Odd fields", "signal_id", "S1", "detail")

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "S1", ctx["signal_id"])
	assert.Equal(t, "(missing)", ctx["detail"])
}

func TestZapLogger_WithFields(t *testing.T) {
	l, logs := observed()

	l.WithFields(map[string]interface{}{"account_id": 2, "instrument": "BTCUSDT"}).Error("Cancel failed")

	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "BTCUSDT", entry.ContextMap()["instrument"])
}

func TestNewZapLogger_FallsBackToInfo(t *testing.T) {
	l, err := NewZapLogger("nonsense")
	require.NoError(t, err)
	assert.True(t, l.logger.Core().Enabled(zapcore.InfoLevel))
}
