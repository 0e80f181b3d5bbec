package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Equal(t, 12, cfg.MinHoursBetweenRuns)
	assert.Equal(t, 2, cfg.MaxRunsPerDay)
	assert.Equal(t, 2, cfg.L1JobLimit)
	assert.Equal(t, 4, cfg.L2JobLimit)
	assert.Equal(t, 1, cfg.L3JobLimit)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_RUNS_PER_DAY", "5")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 5, cfg.MaxRunsPerDay)
}

func TestMain_NoPanicOnEmptyEnv(t *testing.T) {
	os.Clearenv()
	_, err := Load()
	require.NoError(t, err)
}
