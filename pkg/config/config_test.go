package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 4, cfg.IngestConcurrency)
	assert.Equal(t, 2, cfg.AnalyzeConcurrency)
	assert.InDelta(t, 2.0, cfg.RequestsPerSecond, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryAfterPadding)
	assert.Equal(t, 25000, cfg.ChunkMaxCost)
	assert.Equal(t, 3, cfg.MaxChunkAttempts)
	assert.Equal(t, 5, cfg.StabilityWindow)
	assert.Equal(t, 0, cfg.MaxIterations, "all chunks analyzed by default")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("REQUESTS_PER_SECOND", "0.5")
	t.Setenv("ANALYZER_TIMEOUT", "30s")
	t.Setenv("MAX_ITERATIONS", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.PageSize)
	assert.InDelta(t, 0.5, cfg.RequestsPerSecond, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.AnalyzerTimeout)
	assert.Equal(t, 10, cfg.MaxIterations)
}

func TestValidate_PageSizeCeiling(t *testing.T) {
	t.Setenv("PAGE_SIZE", "200")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAGE_SIZE")
}

func TestValidate_RejectsNonPositiveKnobs(t *testing.T) {
	t.Setenv("CHUNK_MAX_COST", "-1")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHUNK_MAX_COST")
}

func TestValidate_RejectsNonPositiveAnalyzeConcurrency(t *testing.T) {
	t.Setenv("ANALYZE_CONCURRENCY", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANALYZE_CONCURRENCY")
}
