package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 3001, cfg.APIPort)
	assert.Equal(t, "http://localhost:3001", cfg.BaseURL)
	assert.Equal(t, "loom", cfg.MongoDatabase)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("API_PORT", "8080")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("CORS_ORIGIN", "https://app.loom.dev")

	cfg := Load()
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "cache.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, "https://app.loom.dev", cfg.CORSOrigin)
}

func TestMalformedIntFallsBack(t *testing.T) {
	t.Setenv("API_PORT", "eighty")
	cfg := Load()
	assert.Equal(t, 3001, cfg.APIPort)
}
