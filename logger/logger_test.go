package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/config"
)

func TestNew_Level(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "warn"

	log, err := New(cfg)

	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))

	cfg.Logging.Level = "debug"
	log, err = New(cfg)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}
