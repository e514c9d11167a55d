package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigure(t *testing.T) {
	t.Cleanup(func() { _ = Configure("dev", "") })

	require.NoError(t, Configure("production", "warn"))
	l := GetLogger()
	assert.False(t, l.log.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.log.Desugar().Core().Enabled(zapcore.WarnLevel))

	// unknown levels keep the environment default
	require.NoError(t, Configure("dev", "loud"))
	assert.True(t, GetLogger().log.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.NotSame(t, l, GetLogger())
}
