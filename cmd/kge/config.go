package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/longbow-kge/internal/interaction"
)

// Config validation errors
var (
	ErrInvalidDevice       = errors.New("device must be cpu or cuda")
	ErrInvalidMaxMemory    = errors.New("max_memory must be positive")
	ErrInvalidEmbeddingDim = errors.New("embedding_dim must be positive")
	ErrInvalidCacheSize    = errors.New("cache_size must not be negative")
	ErrInvalidMaxBatchRows = errors.New("max_batch_rows must not be negative")
)

// Config is the server configuration, read from KGE_* environment
// variables after an optional .env file.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR"`
	FlightAddr string `envconfig:"FLIGHT_ADDR"`
	Device     string `envconfig:"DEVICE" default:"cpu"`

	// MaxMemory bounds the score elements in flight across requests
	// (e.g. 512MB, 4GB).
	MaxMemory string `envconfig:"MAX_MEMORY" default:"512MB"`

	CacheSize int           `envconfig:"CACHE_SIZE" default:"1024"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	EmbeddingDim        int     `envconfig:"EMBEDDING_DIM" default:"200"`
	ConvEOutputChannels int     `envconfig:"CONVE_OUTPUT_CHANNELS" default:"32"`
	ConvEKernel         int     `envconfig:"CONVE_KERNEL" default:"3"`
	ConvEDropout        float64 `envconfig:"CONVE_DROPOUT" default:"0.2"`
	ConvEActivation     string  `envconfig:"CONVE_ACTIVATION" default:"relu"`
	Seed                uint64  `envconfig:"SEED" default:"42"`

	MaxBatchRows   int           `envconfig:"MAX_BATCH_ROWS" default:"4096"`
	RemoteTimeout  time.Duration `envconfig:"REMOTE_TIMEOUT" default:"30s"`
	BreakerFails   int           `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerTimeout time.Duration `envconfig:"BREAKER_TIMEOUT" default:"10s"`
}

// LoadConfig reads the configuration. A missing .env file is not an error.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("load env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("KGE", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	switch strings.ToLower(cfg.Device) {
	case "cpu", "cuda", "gpu":
	default:
		return ErrInvalidDevice
	}
	if parseBytes(cfg.MaxMemory) <= 0 {
		return ErrInvalidMaxMemory
	}
	if cfg.EmbeddingDim <= 0 {
		return ErrInvalidEmbeddingDim
	}
	if cfg.CacheSize < 0 {
		return ErrInvalidCacheSize
	}
	if cfg.MaxBatchRows < 0 {
		return ErrInvalidMaxBatchRows
	}
	return nil
}

// ConvE returns the ConvE hyper-parameters for the configured dimension.
func (cfg *Config) ConvE() interaction.ConvEConfig {
	c := interaction.DefaultConvEConfig(cfg.EmbeddingDim)
	c.OutputChannels = cfg.ConvEOutputChannels
	c.KernelHeight = cfg.ConvEKernel
	c.KernelWidth = cfg.ConvEKernel
	c.InputDropout = cfg.ConvEDropout
	c.FeatureMapDropout = cfg.ConvEDropout
	c.Activation = cfg.ConvEActivation
	return c
}

// parseBytes reads sizes such as 4GB, 512MB, 64K or 1024. Malformed input
// yields 0.
func parseBytes(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	if n, _ := fmt.Sscanf(s, "%d%s", &val, &unit); n == 0 {
		return 0
	}

	switch strings.TrimSuffix(unit, "B") {
	case "G":
		return val * 1024 * 1024 * 1024
	case "M":
		return val * 1024 * 1024
	case "K":
		return val * 1024
	case "":
		return val
	default:
		return 0
	}
}
