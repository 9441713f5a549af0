package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidBlockSize  = errors.New("block_size must be a non-zero power of two and a multiple of the page size")
	ErrInvalidBlockCount = errors.New("block_count must be greater than zero")
	ErrInvalidOpenFiles  = errors.New("max_open_files must be greater than zero")
	ErrInvalidRetries    = errors.New("max_retries must not be negative")
	ErrInvalidLogLevel   = errors.New("log_level must be one of debug, info, warn, error")
)

type ArenaConfig struct {
	BlockSize      string `yaml:"block_size"`
	BlockCount     uint64 `yaml:"block_count"`
	AltBacking     bool   `yaml:"alt_backing"`
	Name           string `yaml:"name"`
	NumaInterleave bool   `yaml:"numa_interleave"`
}

type NamespaceConfig struct {
	MaxOpenFiles int `yaml:"max_open_files"`
}

type AllocationConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

type EvictionConfig struct {
	// BatchBytes is the reclaim target of a manual recycle request.
	BatchBytes string `yaml:"batch_bytes"`
}

type Config struct {
	NodeID     string           `yaml:"node_id"`
	ListenAddr string           `yaml:"listen_addr"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	Arena      ArenaConfig      `yaml:"arena"`
	Namespace  NamespaceConfig  `yaml:"namespace"`
	Allocation AllocationConfig `yaml:"allocation"`
	Eviction   EvictionConfig   `yaml:"eviction"`
}

func Default() *Config {
	return &Config{
		NodeID:     uuid.NewString(),
		ListenAddr: "localhost:8080",
		DataDir:    "./run",
		LogLevel:   "info",
		Arena: ArenaConfig{
			BlockSize:  "4KiB",
			BlockCount: 16384,
			Name:       "sandmem",
		},
		Namespace: NamespaceConfig{
			MaxOpenFiles: 1024,
		},
		Allocation: AllocationConfig{
			MaxRetries: 5,
			Backoff:    2 * time.Millisecond,
		},
		Eviction: EvictionConfig{
			BatchBytes: "4MiB",
		},
	}
}

// Load reads the YAML file at path. A missing file is created with the
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) BlockSizeBytes() (uint64, error) {
	return humanize.ParseBytes(c.Arena.BlockSize)
}

func (c *Config) BatchBytes() (uint64, error) {
	return humanize.ParseBytes(c.Eviction.BatchBytes)
}

// ArenaBytes is the size of the shared mapping, formatted for logs.
func (c *Config) ArenaBytes() string {
	size, err := c.BlockSizeBytes()
	if err != nil {
		return "invalid"
	}
	return humanize.IBytes(size * c.Arena.BlockCount)
}

func (c *Config) Validate() error {
	size, err := c.BlockSizeBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlockSize, err)
	}
	page := uint64(os.Getpagesize())
	if size == 0 || size&(size-1) != 0 || size%page != 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidBlockSize, c.Arena.BlockSize)
	}
	if c.Arena.BlockCount == 0 {
		return ErrInvalidBlockCount
	}
	if c.Namespace.MaxOpenFiles <= 0 {
		return ErrInvalidOpenFiles
	}
	if c.Allocation.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if _, err := c.BatchBytes(); err != nil {
		return fmt.Errorf("invalid batch_bytes %q: %w", c.Eviction.BatchBytes, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return nil
}

// MinLogLevel returns the level in the form the log service filters on.
func (c *Config) MinLogLevel() string {
	return strings.ToUpper(c.LogLevel)
}
