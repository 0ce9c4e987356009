package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all process-wide configuration. It is loaded once at
// startup and handed out as a read-only reference thereafter.
type Config struct {
	Global GlobalConfig
	Run    RunConfig
}

// GlobalConfig holds settings that apply across sessions.
type GlobalConfig struct {
	StoreDir     string   `toml:"store_dir" json:"store_dir"`
	OocanaDir    string   `toml:"oocana_dir" json:"oocana_dir"`
	EnvFile      string   `toml:"env_file" json:"env_file"`
	BindPathFile string   `toml:"bind_path_file" json:"bind_path_file"`
	SearchPaths  []string `toml:"search_paths" json:"search_paths"`
}

// RunConfig holds settings for a single flow run.
type RunConfig struct {
	Broker          string        `toml:"broker" json:"broker"`
	ExcludePackages []string      `toml:"exclude_packages" json:"exclude_packages"`
	Reporter        bool          `toml:"reporter" json:"reporter"`
	Debug           bool          `toml:"debug" json:"debug"`
	Extra           RunExtraBlock `toml:"extra" json:"extra"`
}

// RunExtraBlock holds run-scoped additions layered on top of the global config.
type RunExtraBlock struct {
	SearchPaths []string `toml:"search_paths" json:"search_paths"`
}

// Load reads the config file (TOML/JSON/JSON5) at the first of:
//  1. explicitPath, if non-empty
//  2. ~/.oocana/config.toml, ~/.oocana/config.json, ~/.oocana/config.json5
//
// and layers environment variable overrides on top.
func Load(explicitPath string) (*Config, error) {
	cfg := defaultConfig()

	path := explicitPath
	if path == "" {
		var err error
		path, err = discoverConfigFile()
		if err != nil {
			return nil, fmt.Errorf("discover config file: %w", err)
		}
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, cfg.Validate()
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Global: GlobalConfig{
			StoreDir:  getEnv("OOCANA_STORE_DIR", filepath.Join(home, ".oomol-studio", "oocana")),
			OocanaDir: getEnv("OOCANA_DIR", filepath.Join(home, ".oocana")),
		},
		Run: RunConfig{
			Broker:          getEnv("OOCANA_BROKER", "127.0.0.1:47688"),
			ExcludePackages: []string{},
			Reporter:        getEnvBool("OOCANA_REPORTER", false),
			Debug:           getEnvBool("OOCANA_DEBUG", false),
		},
	}
}

func discoverConfigFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}

	for _, ext := range []string{"toml", "json", "json5"} {
		candidate := filepath.Join(home, ".oocana", fmt.Sprintf("config.%s", ext))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode toml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
	case ".json5":
		if err := json.Unmarshal(stripJSON5(data), cfg); err != nil {
			return fmt.Errorf("decode json5: %w", err)
		}
	default:
		return fmt.Errorf("unrecognized config extension: %s", path)
	}

	return nil
}

// stripJSON5 removes the JSON5 extensions (// and /* */ comments, trailing
// commas) that encoding/json cannot parse. No JSON5 library appears anywhere
// in the retrieval pack, so this one corner falls back to a small
// regexp-driven pre-pass ahead of the standard decoder (see DESIGN.md).
var (
	json5LineComment   = regexp.MustCompile(`//[^\n]*`)
	json5BlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	json5TrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

func stripJSON5(data []byte) []byte {
	out := json5BlockComment.ReplaceAll(data, nil)
	out = json5LineComment.ReplaceAll(out, nil)
	out = json5TrailingComma.ReplaceAll(out, []byte("$1"))
	return bytes.TrimSpace(out)
}

// applyEnvOverrides applies the environment variables documented in spec §6.
// Environment variables always win over the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OOCANA_ENV_FILE"); v != "" {
		cfg.Global.EnvFile = v
	}
	if v := os.Getenv("OOCANA_BIND_PATH_FILE"); v != "" {
		cfg.Global.BindPathFile = v
	}
	if v := os.Getenv("OOMOL_REGISTRY_STORE_FILE"); v != "" {
		cfg.Run.Extra.SearchPaths = append(cfg.Run.Extra.SearchPaths, v)
	}
	if v, ok := os.LookupEnv("OOCANA_REPORTER"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Run.Reporter = b
		}
	}
	if v, ok := os.LookupEnv("OOCANA_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Run.Debug = b
		}
	}
}

// Validate checks invariants the rest of the core depends on.
func (c *Config) Validate() error {
	if c.Global.StoreDir == "" {
		return fmt.Errorf("config: store_dir is required")
	}
	if c.Global.OocanaDir == "" {
		return fmt.Errorf("config: oocana_dir is required")
	}
	if c.Run.Broker == "" {
		return fmt.Errorf("config: run.broker is required")
	}
	return nil
}

// SearchPaths returns the fully ordered package search path list: configured
// global paths, then run-level extras, always last.
func (c *Config) SearchPaths() []string {
	paths := make([]string, 0, len(c.Global.SearchPaths)+len(c.Run.Extra.SearchPaths))
	paths = append(paths, c.Global.SearchPaths...)
	paths = append(paths, c.Run.Extra.SearchPaths...)
	return paths
}

// IsPackageExcluded reports whether a package name is in the run's exclusion list.
func (c *Config) IsPackageExcluded(pkg string) bool {
	for _, excluded := range c.Run.ExcludePackages {
		if excluded == pkg {
			return true
		}
	}
	return false
}

// Helper functions, kept in the shape the rest of the codebase expects.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
