package cmd

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupLogging_HonorsConfiguredLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")

	logger := setupLogging()

	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestSetupLogging_FallsBackToDebug(t *testing.T) {
	t.Setenv("LOG_LEVEL", "noisy")

	logger := setupLogging()

	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}
