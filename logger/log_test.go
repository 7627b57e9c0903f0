package logger

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer level.SetLevel(zapcore.DebugLevel)

	assert.Equal(t, SetLevel("warn"), nil)
	assert.Equal(t, level.Level(), zapcore.WarnLevel)
	assert.Equal(t, Log.Core().Enabled(zapcore.InfoLevel), false)

	assert.NotEqual(t, SetLevel("loud"), nil)
	assert.Equal(t, level.Level(), zapcore.WarnLevel)
}
