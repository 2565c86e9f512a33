package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1000*time.Millisecond, cfg.PersistDebounce)
	assert.Equal(t, 256, cfg.OutboundBuffer)
	assert.Nil(t, cfg.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PERSIST_DEBOUNCE_MS", "2500")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("HTTP_RATE_LIMIT_RPM", "not-a-number")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("HTTP_RATE_LIMIT_RPM", "120")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.PersistDebounce)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 120, cfg.HTTPRateLimitRPM)
}
