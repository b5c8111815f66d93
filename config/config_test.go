package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/viant/embedkv/storage"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	content := `directoryPath: ` + dir + `
name: orders
shardCount: 16
writeBehindHighWaterMark: 8
writeBehindLowWaterMark: 4
lockMode: both
hashFunction: murmur3
compress: true
api:
  password: secret
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "orders" || cfg.ShardCount != 16 || !cfg.Compress || cfg.HashFunction != "murmur3" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.API.Password != "secret" || cfg.API.Addr != Default("").API.Addr {
		t.Fatalf("unexpected api config: %+v", cfg.API)
	}
	if cfg.LogGrowSize != Default("").LogGrowSize {
		t.Fatalf("default logGrowSize lost: %d", cfg.LogGrowSize)
	}
	if cfg.LogPath() != filepath.Join(dir, "orders.log") || cfg.IndexPath() != filepath.Join(dir, "orders.idx") {
		t.Fatalf("paths = %s, %s", cfg.LogPath(), cfg.IndexPath())
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	_ = os.WriteFile(notDir, []byte("x"), 0o644)
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "missing directory is created later", mutate: func(c *Config) { c.DirectoryPath = filepath.Join(dir, "new") }},
		{name: "empty directory", mutate: func(c *Config) { c.DirectoryPath = "" }, want: "directoryPath is required"},
		{name: "directory is a file", mutate: func(c *Config) { c.DirectoryPath = notDir }, want: "is not a directory"},
		{name: "shard count", mutate: func(c *Config) { c.ShardCount = 12 }, want: "power of two"},
		{name: "grow size", mutate: func(c *Config) { c.LogGrowSize = 0 }, want: "logGrowSize"},
		{name: "water marks", mutate: func(c *Config) { c.WriteBehindLowWaterMark = 9; c.WriteBehindHighWaterMark = 8 }, want: "water marks"},
		{name: "lock mode", mutate: func(c *Config) { c.LockMode = "global" }, want: "unsupported mode"},
		{name: "hash", mutate: func(c *Config) { c.HashFunction = "md5" }, want: "unsupported function"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(dir)
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if !errors.Is(err, storage.ErrInvalidConfig) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validate = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestExpandUserPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUserPath("~/data")
	if err != nil || got != filepath.Join(home, "data") {
		t.Fatalf("expand = %s, %v", got, err)
	}
	if got, _ := expandUserPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %s", got)
	}
}
