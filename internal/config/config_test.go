package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("HOLD_TTL", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10*time.Minute, cfg.HoldTTL)
	assert.Equal(t, 2*time.Hour, cfg.CancelCutoff)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoad_ProductionNeedsGateway(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("GATEWAY_URL", "")

	_, err := Load()
	assert.ErrorContains(t, err, "GATEWAY_URL")

	t.Setenv("GATEWAY_URL", "https://pay.example.test")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.test", cfg.GatewayURL)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("HOLD_TTL", "ten minutes")

	_, err := Load()
	assert.ErrorContains(t, err, "HOLD_TTL")
}
