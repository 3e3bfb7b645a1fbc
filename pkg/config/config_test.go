package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/pflag"
)

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("cache", "", "")
	fs.String("max-cache", "", "")
	fs.StringSlice("exclude", nil, "")
	fs.String("salt", "", "")
	fs.Bool("verbose", false, "")
	fs.Bool("verify", true, "")
	return fs
}

func TestLoad(t *testing.T) {
	tests := map[string]struct {
		global string
		local  string
		env    map[string]string
		args   []string
		check  func(t *testing.T, cfg *Config)
	}{
		"defaults with no files": {
			check: func(t *testing.T, cfg *Config) {
				if cfg.MaxCache != DefaultMaxCache {
					t.Errorf("MaxCache = %q, want %q", cfg.MaxCache, DefaultMaxCache)
				}
				if !reflect.DeepEqual(cfg.Exclude, []string{".", "__"}) {
					t.Errorf("Exclude = %v", cfg.Exclude)
				}
				if !cfg.VerifyCollisions {
					t.Error("VerifyCollisions should default to true")
				}
			},
		},
		"local overrides global": {
			global: "cache = \"/global\"\nmax_cache = \"1GB\"\n",
			local:  "cache = \"/local\"\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Cache != "/local" {
					t.Errorf("Cache = %q, want /local", cfg.Cache)
				}
				if cfg.MaxCache != "1GB" {
					t.Errorf("MaxCache = %q, want 1GB", cfg.MaxCache)
				}
			},
		},
		"env overrides files": {
			local: "cache = \"/local\"\n",
			env:   map[string]string{"GENCACHE_CACHE": "/env", "GENCACHE_VERIFY_COLLISIONS": "false"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Cache != "/env" {
					t.Errorf("Cache = %q, want /env", cfg.Cache)
				}
				if cfg.VerifyCollisions {
					t.Error("VerifyCollisions should be false from env")
				}
			},
		},
		"flags override everything": {
			local: "cache = \"/local\"\nsalt = \"file\"\n",
			env:   map[string]string{"GENCACHE_CACHE": "/env"},
			args:  []string{"--cache", "/flag", "--exclude", ".", "--exclude", "build", "--verbose"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Cache != "/flag" {
					t.Errorf("Cache = %q, want /flag", cfg.Cache)
				}
				if cfg.Salt != "file" {
					t.Errorf("Salt = %q, want file", cfg.Salt)
				}
				if !reflect.DeepEqual(cfg.Exclude, []string{".", "build"}) {
					t.Errorf("Exclude = %v", cfg.Exclude)
				}
				if !cfg.Verbose {
					t.Error("Verbose should be set from flag")
				}
			},
		},
		"unset flags do not mask files": {
			local: "max_cache = \"3GB\"\nverify_collisions = false\n",
			args:  []string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.MaxCache != "3GB" {
					t.Errorf("MaxCache = %q, want 3GB", cfg.MaxCache)
				}
				if cfg.VerifyCollisions {
					t.Error("file setting should win over unset flag default")
				}
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global.toml")
			localPath := filepath.Join(dir, FileName)
			if tc.global != "" {
				os.WriteFile(globalPath, []byte(tc.global), 0o644)
			}
			if tc.local != "" {
				os.WriteFile(localPath, []byte(tc.local), 0o644)
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			var flags *pflag.FlagSet
			if tc.args != nil {
				flags = newFlags()
				if err := flags.Parse(tc.args); err != nil {
					t.Fatalf("parsing flags: %v", err)
				}
			}

			cfg, err := load(flags, globalPath, localPath, false)
			if err != nil {
				t.Fatalf("load() error = %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestLoadRequiredFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := load(nil, filepath.Join(dir, "g.toml"), filepath.Join(dir, "nope.toml"), true)
	if err == nil {
		t.Fatal("expected error for missing --config file, got nil")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, FileName)
	os.WriteFile(local, []byte("cache = [unterminated"), 0o644)

	if _, err := load(nil, filepath.Join(dir, "g.toml"), local, false); err == nil {
		t.Fatal("expected error for malformed config, got nil")
	}
}

func TestMaxBytes(t *testing.T) {
	tests := map[string]struct {
		in      string
		want    int64
		wantErr bool
	}{
		"default decimal gigabytes": {in: "25GB", want: 25_000_000_000},
		"binary units":              {in: "512MiB", want: 512 << 20},
		"explicit bytes":            {in: "1024B", want: 1024},
		"bare number needs a unit":  {in: "25", wantErr: true},
		"bare fraction needs unit":  {in: "2.5", wantErr: true},
		"zero disables":             {in: "0", want: 0},
		"empty disables":            {in: "", want: 0},
		"garbage":                   {in: "lots", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{MaxCache: tc.in}
			got, err := cfg.MaxBytes()
			if (err != nil) != tc.wantErr {
				t.Fatalf("MaxBytes() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("MaxBytes() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"valid":         {cfg: Config{Cache: "/c", MaxCache: "1GB"}},
		"no cache":      {cfg: Config{MaxCache: "1GB"}, wantErr: true},
		"bad max cache": {cfg: Config{Cache: "/c", MaxCache: "huge"}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := &Config{Cache: "/var/cache/gencache", MaxCache: "10GB", Exclude: []string{"."}, VerifyCollisions: true}

	if err := WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := WriteFile(path, cfg); err == nil {
		t.Error("second WriteFile() should refuse to overwrite")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("round trip = %+v, want %+v", got, cfg)
	}

	loaded, err := load(nil, filepath.Join(t.TempDir(), "g.toml"), path, true)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if loaded.Cache != cfg.Cache || loaded.MaxCache != cfg.MaxCache {
		t.Errorf("load() = %+v, want %+v", loaded, cfg)
	}
}
