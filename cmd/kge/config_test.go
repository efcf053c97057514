package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"64K", 64 << 10},
		{"64KB", 64 << 10},
		{"512MB", 512 << 20},
		{"512mb", 512 << 20},
		{"4GB", 4 << 30},
		{"4G", 4 << 30},
		{"12XB", 0},
		{"lots", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseBytes(tt.in))
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "cpu", cfg.Device)
	assert.Equal(t, "512MB", cfg.MaxMemory)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 200, cfg.EmbeddingDim)
	assert.Equal(t, 4096, cfg.MaxBatchRows)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("KGE_DEVICE", "cuda")
	t.Setenv("KGE_MAX_MEMORY", "2GB")
	t.Setenv("KGE_EMBEDDING_DIM", "64")
	t.Setenv("KGE_CACHE_TTL", "30s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "cuda", cfg.Device)
	assert.Equal(t, int64(2<<30), parseBytes(cfg.MaxMemory))
	assert.Equal(t, 64, cfg.EmbeddingDim)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
}

func TestLoadConfigEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kge.env")
	require.NoError(t, os.WriteFile(path, []byte("KGE_LISTEN_ADDR=:8088\nKGE_CONVE_KERNEL=5\n"), 0o644))
	t.Cleanup(func() {
		_ = os.Unsetenv("KGE_LISTEN_ADDR")
		_ = os.Unsetenv("KGE_CONVE_KERNEL")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.ConvE().KernelHeight)
	assert.Equal(t, 5, cfg.ConvE().KernelWidth)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config { return testConfig() }

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"device", func(c *Config) { c.Device = "tpu" }, ErrInvalidDevice},
		{"memory", func(c *Config) { c.MaxMemory = "none" }, ErrInvalidMaxMemory},
		{"dim", func(c *Config) { c.EmbeddingDim = 0 }, ErrInvalidEmbeddingDim},
		{"cache", func(c *Config) { c.CacheSize = -1 }, ErrInvalidCacheSize},
		{"rows", func(c *Config) { c.MaxBatchRows = -1 }, ErrInvalidMaxBatchRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Equal(t, tt.want, ValidateConfig(cfg))
		})
	}
}

func TestConfigConvE(t *testing.T) {
	cfg := testConfig()
	cfg.ConvEDropout = 0.1
	c := cfg.ConvE()
	assert.Equal(t, 8, c.EmbeddingDim)
	assert.Equal(t, 2, c.OutputChannels)
	assert.Equal(t, 0.1, c.InputDropout)
	assert.Equal(t, 0.1, c.FeatureMapDropout)
	assert.Equal(t, "relu", c.Activation)
}
