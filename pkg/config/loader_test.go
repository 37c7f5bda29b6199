package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/billing/pkg/config"
)

type testConfig struct {
	Host    string `env:"CFGTEST_HOST" envDefault:"localhost"`
	Port    int    `env:"CFGTEST_PORT" envDefault:"5432"`
	Secret  string `env:"CFGTEST_SECRET"`
	Enabled bool   `env:"CFGTEST_ENABLED" envDefault:"true"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, 5432, cfg.Port)
		assert.True(t, cfg.Enabled)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("CFGTEST_HOST", "db.internal")
		t.Setenv("CFGTEST_PORT", "6432")

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "db.internal", cfg.Host)
		assert.Equal(t, 6432, cfg.Port)
	})

	t.Run("nil pointer rejected", func(t *testing.T) {
		err := config.Load[testConfig](nil)
		assert.ErrorIs(t, err, config.ErrNilPointer)
	})

	t.Run("invalid value reported", func(t *testing.T) {
		t.Setenv("CFGTEST_PORT", "not-a-number")

		var cfg testConfig
		err := config.Load(&cfg)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})
}
