package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/producer"
	"github.com/thanhnp/pow-ledger/internal/storage"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pebble   PebbleConfig   `yaml:"pebble"`
	Mining   MiningConfig   `yaml:"mining"`
	Producer ProducerConfig `yaml:"producer"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// PebbleConfig represents the Pebble database configuration
type PebbleConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	CacheSize      int64  `yaml:"cache_size"`       // Pebble block cache in bytes
	BlockCacheSize int    `yaml:"block_cache_size"` // decoded blocks kept in the LRU
}

// MiningConfig represents the proof-of-work parameters
type MiningConfig struct {
	Difficulty     uint32 `yaml:"difficulty"` // leading zero bytes required in a digest
	Workers        int    `yaml:"workers"`
	MaxNonce       uint64 `yaml:"max_nonce"`
	MaxPayloadSize int    `yaml:"max_payload_size"`
}

// ProducerConfig represents the background block producer configuration
type ProducerConfig struct {
	QueueSize      int `yaml:"queue_size"`
	RetryExhausted int `yaml:"retry_exhausted"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Pebble: PebbleConfig{
			Enabled:        false,
			Path:           "./data/pebble",
			CacheSize:      64 << 20,
			BlockCacheSize: storage.DefaultCacheSize,
		},
		Mining: MiningConfig{
			Difficulty:     miner.DefaultDifficulty,
			Workers:        runtime.NumCPU(),
			MaxNonce:       math.MaxUint32,
			MaxPayloadSize: 1 << 20,
		},
		Producer: ProducerConfig{
			QueueSize:      64,
			RetryExhausted: 3,
		},
	}
}

// Load loads configuration from a YAML file and environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() {
	// Server config
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}

	// Pebble config
	if enabled := os.Getenv("PEBBLE_ENABLED"); enabled != "" {
		c.Pebble.Enabled = enabled == "true" || enabled == "1"
	}
	if path := os.Getenv("PEBBLE_PATH"); path != "" {
		c.Pebble.Path = path
	}

	// Mining config
	if difficulty := os.Getenv("MINING_DIFFICULTY"); difficulty != "" {
		if d, err := strconv.ParseUint(difficulty, 10, 32); err == nil {
			c.Mining.Difficulty = uint32(d)
		}
	}
	if workers := os.Getenv("MINING_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			c.Mining.Workers = w
		}
	}
	if maxNonce := os.Getenv("MINING_MAX_NONCE"); maxNonce != "" {
		if n, err := strconv.ParseUint(maxNonce, 10, 64); err == nil {
			c.Mining.MaxNonce = n
		}
	}

	// Producer config
	if queueSize := os.Getenv("PRODUCER_QUEUE_SIZE"); queueSize != "" {
		if q, err := strconv.Atoi(queueSize); err == nil {
			c.Producer.QueueSize = q
		}
	}
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Pebble.Enabled && c.Pebble.Path == "" {
		return errors.New("pebble.path must not be empty when pebble.enabled=true")
	}
	if c.Pebble.BlockCacheSize <= 0 {
		return fmt.Errorf("pebble.block_cache_size must be positive: %d", c.Pebble.BlockCacheSize)
	}
	if c.Mining.Difficulty > miner.MaxDifficulty {
		return fmt.Errorf("mining.difficulty out of range: %d", c.Mining.Difficulty)
	}
	if c.Mining.Workers < 1 {
		return fmt.Errorf("mining.workers must be at least 1: %d", c.Mining.Workers)
	}
	if c.Mining.MaxPayloadSize <= 0 {
		return fmt.Errorf("mining.max_payload_size must be positive: %d", c.Mining.MaxPayloadSize)
	}
	if c.Producer.QueueSize < 1 {
		return fmt.Errorf("producer.queue_size must be at least 1: %d", c.Producer.QueueSize)
	}
	if c.Producer.RetryExhausted < 0 {
		return fmt.Errorf("producer.retry_exhausted must not be negative: %d", c.Producer.RetryExhausted)
	}
	return nil
}

// MinerConfig converts the mining section for miner.New
func (c *Config) MinerConfig() miner.Config {
	return miner.Config{
		Difficulty:     c.Mining.Difficulty,
		Workers:        c.Mining.Workers,
		MaxNonce:       c.Mining.MaxNonce,
		MaxPayloadSize: c.Mining.MaxPayloadSize,
	}
}

// ProducerConfig converts the producer section for producer.New
func (c *Config) ProducerConfig() producer.Config {
	return producer.Config{
		QueueSize:      c.Producer.QueueSize,
		RetryExhausted: c.Producer.RetryExhausted,
	}
}
