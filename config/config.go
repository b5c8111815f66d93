package config

import (
	"context"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/embedkv/hash"
	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/storage"
	"gopkg.in/yaml.v3"
)

// Config defines store settings.
type Config struct {
	// DirectoryPath is the root for the log and shard files.
	DirectoryPath string `yaml:"directoryPath"`
	// Name prefixes the log file and shard directory.
	Name string `yaml:"name"`

	LogGrowSize    int64 `yaml:"logGrowSize"`
	LogReaderCount int   `yaml:"logReaderCount"`

	IndexSlotSize int64 `yaml:"indexSlotSize"`
	IndexGrowSize int64 `yaml:"indexGrowSize"`
	ShardCount    int   `yaml:"shardCount"`

	WriteBehindDelayMs       int `yaml:"writeBehindDelayMs"`
	WriteBehindHighWaterMark int `yaml:"writeBehindHighWaterMark"`
	WriteBehindLowWaterMark  int `yaml:"writeBehindLowWaterMark"`

	// LockMode is one of inProcess, fileRange or both.
	LockMode      string `yaml:"lockMode"`
	LockTimeoutMs int    `yaml:"lockTimeoutMs"`
	// HashFunction is highway or murmur3.
	HashFunction string `yaml:"hashFunction"`
	// Compress s2 encodes values.
	Compress bool `yaml:"compress"`

	API API `yaml:"api"`
}

// API configures the HTTP endpoint started by the serve command.
type API struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	// Top caps the entries listed by /get without a key.
	Top int `yaml:"top"`
}

// Default returns a configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		DirectoryPath:            dir,
		Name:                     "store",
		LogGrowSize:              16 << 20,
		LogReaderCount:           4,
		IndexSlotSize:            64 << 10,
		IndexGrowSize:            64 << 10,
		ShardCount:               64,
		WriteBehindDelayMs:       50,
		WriteBehindHighWaterMark: 1024,
		WriteBehindLowWaterMark:  512,
		LockMode:                 "inProcess",
		HashFunction:             hash.Highway,
		API:                      API{Addr: "127.0.0.1:6070", Top: 100},
	}
}

// Load reads a YAML configuration from any afs supported URL; unset fields keep defaults.
func Load(ctx context.Context, URL string) (*Config, error) {
	location, err := expandUserPath(URL)
	if err != nil {
		return nil, err
	}
	data, err := afs.New().DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", URL, err)
	}
	cfg := Default("")
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", URL, err)
	}
	if cfg.DirectoryPath, err = expandUserPath(cfg.DirectoryPath); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects unusable settings before any file is created.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DirectoryPath) == "" {
		problems = append(problems, "directoryPath is required")
	} else if info, err := os.Stat(c.DirectoryPath); err == nil && !info.IsDir() {
		problems = append(problems, fmt.Sprintf("directoryPath %s is not a directory", c.DirectoryPath))
	} else if err != nil && !os.IsNotExist(err) {
		problems = append(problems, fmt.Sprintf("directoryPath %s: %v", c.DirectoryPath, err))
	}
	if c.Name == "" || strings.ContainsAny(c.Name, `/\`) {
		problems = append(problems, fmt.Sprintf("invalid name %q", c.Name))
	}
	if c.LogGrowSize <= 0 {
		problems = append(problems, "logGrowSize must be positive")
	}
	if c.LogReaderCount <= 0 {
		problems = append(problems, "logReaderCount must be positive")
	}
	if c.IndexSlotSize <= 0 || c.IndexGrowSize <= 0 {
		problems = append(problems, "indexSlotSize and indexGrowSize must be positive")
	}
	if c.ShardCount <= 0 || bits.OnesCount(uint(c.ShardCount)) != 1 {
		problems = append(problems, fmt.Sprintf("shardCount %d must be a power of two", c.ShardCount))
	}
	if c.WriteBehindDelayMs < 0 {
		problems = append(problems, "writeBehindDelayMs must not be negative")
	}
	if c.WriteBehindHighWaterMark <= 0 || c.WriteBehindLowWaterMark < 0 || c.WriteBehindLowWaterMark >= c.WriteBehindHighWaterMark {
		problems = append(problems, fmt.Sprintf("water marks low=%d high=%d must satisfy 0 <= low < high",
			c.WriteBehindLowWaterMark, c.WriteBehindHighWaterMark))
	}
	if _, err := lock.ParseMode(c.LockMode); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LockTimeoutMs < 0 {
		problems = append(problems, "lockTimeoutMs must not be negative")
	}
	if _, err := hash.New(c.HashFunction); err != nil {
		problems = append(problems, err.Error())
	}
	if c.API.Top < 0 {
		problems = append(problems, "api.top must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s: %w", strings.Join(problems, "; "), storage.ErrInvalidConfig)
	}
	return nil
}

// LogPath returns the log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.DirectoryPath, c.Name+".log")
}

// IndexPath returns the shard directory location.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DirectoryPath, c.Name+".idx")
}

// WriteBehindDelay returns the debounce interval.
func (c *Config) WriteBehindDelay() time.Duration {
	return time.Duration(c.WriteBehindDelayMs) * time.Millisecond
}

// LockTimeout returns the lock acquisition bound; zero waits indefinitely.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

func expandUserPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed != "~" && !strings.HasPrefix(trimmed, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(trimmed, "~")), nil
}
