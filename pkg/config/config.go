package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
)

const (
	// FileName is the project-local config filename.
	FileName = "gencache.toml"
	// DefaultMaxCache matches the historical 25 GB budget.
	DefaultMaxCache = "25GB"
	// EnvPrefix prefixes environment overrides, e.g. GENCACHE_CACHE.
	EnvPrefix = "GENCACHE"
)

// Config holds everything an invocation needs. It is resolved once by Load
// and then passed explicitly to the store and hasher.
type Config struct {
	// Cache is the cache root directory.
	Cache string `toml:"cache" mapstructure:"cache"`
	// MaxCache is the size budget, e.g. "25GB" or "500MiB". "0" disables
	// eviction.
	MaxCache string `toml:"max_cache" mapstructure:"max_cache"`
	// Exclude lists name prefixes skipped when hashing sources.
	Exclude []string `toml:"exclude" mapstructure:"exclude"`
	// Salt is mixed into every key.
	Salt string `toml:"salt,omitempty" mapstructure:"salt"`
	// VerifyCollisions compares a build dir against an existing entry when
	// its key is already published.
	VerifyCollisions bool `toml:"verify_collisions" mapstructure:"verify_collisions"`
	Verbose          bool `toml:"verbose,omitempty" mapstructure:"verbose"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Cache:            DefaultCacheDir(),
		MaxCache:         DefaultMaxCache,
		Exclude:          []string{".", "__"},
		VerifyCollisions: true,
	}
}

// DefaultCacheDir returns <user cache dir>/gencache, or "" when the platform
// has no user cache directory.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gencache")
}

// MaxBytes parses MaxCache. A size must carry a unit ("25GB", "1024B");
// only "0" may omit it.
func (c *Config) MaxBytes() (int64, error) {
	s := strings.TrimSpace(c.MaxCache)
	if s == "" || s == "0" {
		return 0, nil
	}
	if strings.Trim(s, "0123456789.") == "" {
		return 0, fmt.Errorf("max cache size %q has no unit (did you mean %sGB?)", c.MaxCache, s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing max cache size %q: %w", c.MaxCache, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("max cache size %q is too large", c.MaxCache)
	}
	return int64(n), nil
}

// Validate reports configuration that no command can run with.
func (c *Config) Validate() error {
	if c.Cache == "" {
		return fmt.Errorf("no cache directory configured (set --cache, %s_CACHE, or cache in %s)", EnvPrefix, FileName)
	}
	if _, err := c.MaxBytes(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

func Unmarshal(data []byte) (*Config, error) {
	cfg := &Config{}
	err := toml.Unmarshal(data, cfg)
	return cfg, err
}

// WriteFile persists cfg as TOML. It refuses to overwrite an existing file.
func WriteFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
