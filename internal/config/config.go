// Package config holds the pinpoint configuration: model family, cache
// behavior, locate tuning, browser setup, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"pinpoint/internal/browser"
	"pinpoint/internal/locator"
	"pinpoint/internal/types"
)

// Config holds all pinpoint configuration.
type Config struct {
	Model   ModelConfig    `yaml:"model"`
	Cache   CacheConfig    `yaml:"cache"`
	Locate  LocateConfig   `yaml:"locate"`
	Browser browser.Config `yaml:"browser"`
	Logging LoggingConfig  `yaml:"logging"`
}

// ModelConfig selects the coordinate dialect of the vision model in use.
type ModelConfig struct {
	Family string `yaml:"family"`
}

// CacheConfig configures the persistent resolution cache.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	ID       string `yaml:"id"`
	Strategy string `yaml:"strategy"` // read-write, read-only, write-only
}

// LocateConfig tunes the resolution retry loop.
type LocateConfig struct {
	MaxScrollAttempts int     `yaml:"max_scroll_attempts"`
	ScrollStep        float64 `yaml:"scroll_step"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{Family: string(types.FamilyNormalized)},
		Cache: CacheConfig{
			Enabled:  true,
			Dir:      ".pinpoint/cache",
			Strategy: string(types.StrategyReadWrite),
		},
		Locate: LocateConfig{
			MaxScrollAttempts: locator.DefaultMaxScrollAttempts,
			ScrollStep:        locator.DefaultScrollStep,
		},
		Browser: browser.Config{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PINPOINT_MODEL_FAMILY"); v != "" {
		c.Model.Family = v
	}
	if v := os.Getenv("PINPOINT_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("PINPOINT_CACHE_ID"); v != "" {
		c.Cache.ID = v
	}
	if v := os.Getenv("PINPOINT_CACHE_STRATEGY"); v != "" {
		c.Cache.Strategy = v
	}
	if v := os.Getenv("PINPOINT_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cache.Enabled = b
		}
	}
	if v := os.Getenv("PINPOINT_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("PINPOINT_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if !types.KnownFamily(c.Model.Family) {
		return fmt.Errorf("unknown model family: %s", c.Model.Family)
	}
	if !types.CacheStrategy(c.Cache.Strategy).Valid() {
		return fmt.Errorf("invalid cache strategy: %s (valid: read-write, read-only, write-only)", c.Cache.Strategy)
	}
	if c.Locate.MaxScrollAttempts < 1 {
		return fmt.Errorf("max_scroll_attempts must be at least 1, got %d", c.Locate.MaxScrollAttempts)
	}
	if c.Locate.ScrollStep <= 0 {
		return fmt.Errorf("scroll_step must be positive, got %g", c.Locate.ScrollStep)
	}
	return nil
}

// LocatorConfig maps the file configuration onto the resolver's settings.
func (c *Config) LocatorConfig() locator.Config {
	return locator.Config{
		Family:            types.CanonicalFamily(c.Model.Family),
		MaxScrollAttempts: c.Locate.MaxScrollAttempts,
		ScrollStep:        c.Locate.ScrollStep,
	}
}
