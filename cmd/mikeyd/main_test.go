package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoleat/Mikey/internal/config"
	"github.com/idoleat/Mikey/internal/pcm"
	"github.com/idoleat/Mikey/internal/stream"
)

func TestBuildManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Clock.Pacing = "period"
	cfg.Clock.TickInterval = 5

	mc, err := buildManagerConfig(cfg, nil)
	require.NoError(t, err)

	assert.NotNil(t, mc.Clock)
	assert.Equal(t, stream.PacingPeriod, mc.Pacing)
	assert.Equal(t, 5*time.Millisecond, mc.TickInterval)
	assert.Equal(t, 64, mc.MaxSubstreams)
	assert.Equal(t, 60*time.Second, mc.SessionTimeout)
	assert.Equal(t, pcm.DefaultHardware(), mc.Playback)
	assert.Equal(t, mc.Playback, mc.Capture)

	cfg.Hardware.Formats = []string{"MP3"}
	_, err = buildManagerConfig(cfg, nil)
	assert.Error(t, err)
}

func TestInitLoggerLevels(t *testing.T) {
	logger := initLogger(config.LoggingConfig{Level: "warn", Format: "json", Output: "stderr"})
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))
}
