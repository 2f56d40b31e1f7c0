package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("ARBITRATORS", "judge, clerk ,")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ESCROW_ENV", "")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, uint32(50), cfg.FeeBps)
	assert.Equal(t, "platform", cfg.FeeCollector)
	assert.Equal(t, []string{"judge", "clerk"}, cfg.Arbitrators)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 4, cfg.SweepConcurrency)
	assert.Equal(t, 3*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("ARBITRATORS", "judge")
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")
	t.Setenv("FEE_BPS", "125")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.False(t, cfg.InMemory())
	assert.Equal(t, uint32(125), cfg.FeeBps)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"no arbitrators":     {"ARBITRATORS": " , "},
		"fee above bound":    {"ARBITRATORS": "judge", "FEE_BPS": "1001"},
		"short prod secret":  {"ARBITRATORS": "judge", "ESCROW_ENV": "production", "JWT_SECRET": "short"},
		"bad log format":     {"ARBITRATORS": "judge", "LOG_FORMAT": "xml"},
		"zero sweep workers": {"ARBITRATORS": "judge", "SWEEP_CONCURRENCY": "0"},
		"unparsable":         {"ARBITRATORS": "judge", "FEE_BPS": "lots"},
		"custody collector":  {"ARBITRATORS": "judge", "FEE_COLLECTOR": "custody:ab12"},
		"spaced collector":   {"ARBITRATORS": "judge", "FEE_COLLECTOR": "fee pool"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.ErrorContains(t, err, "config:")
		})
	}
}
