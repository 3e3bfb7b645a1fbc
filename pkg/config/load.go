package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"cache":     "cache",
	"max-cache": "max_cache",
	"exclude":   "exclude",
	"salt":      "salt",
	"verbose":   "verbose",
	"verify":    "verify_collisions",
}

// Load resolves configuration with Viper precedence:
// flags > GENCACHE_* environment > project file > ~/.gencache/config.toml >
// defaults. configFile, when non-empty, replaces ./gencache.toml and must
// exist. flags may be nil.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	globalPath, err := GlobalConfigPath()
	if err != nil {
		return nil, err
	}

	localPath, required := FileName, false
	if configFile != "" {
		localPath, required = configFile, true
	}
	return load(flags, globalPath, localPath, required)
}

// GlobalConfigPath returns ~/.gencache/config.toml.
func GlobalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".gencache", "config.toml"), nil
}

// load accepts explicit paths so it can be tested without touching the real
// home directory.
func load(flags *pflag.FlagSet, globalPath, localPath string, localRequired bool) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	def := Default()
	v.SetDefault("cache", def.Cache)
	v.SetDefault("max_cache", def.MaxCache)
	v.SetDefault("exclude", def.Exclude)
	v.SetDefault("salt", def.Salt)
	v.SetDefault("verify_collisions", def.VerifyCollisions)
	v.SetDefault("verbose", def.Verbose)

	// Lowest file priority: global config; ignore if missing.
	if _, err := os.Stat(globalPath); err == nil {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", globalPath, err)
		}
	}

	// Higher priority: project config.
	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	} else if localRequired {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist", localPath)
		}
		return nil, fmt.Errorf("checking %s: %w", localPath, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Highest priority: flags the user actually set.
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding --%s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
