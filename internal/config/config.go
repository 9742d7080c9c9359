// Package config loads lorekeeper configuration from YAML with defaults
// and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DetailLevel controls the prose length of drafted non-character entries.
type DetailLevel string

const (
	DetailBrief    DetailLevel = "brief"
	DetailStandard DetailLevel = "standard"
	DetailDetailed DetailLevel = "detailed"
)

// Config holds all lorekeeper configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Oracle providers
	Oracle OracleConfig `yaml:"oracle"`

	// Curation behavior (the settings contract)
	Curation CurationConfig `yaml:"curation"`

	// Store location
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// OracleConfig configures the primary and optional secondary providers.
type OracleConfig struct {
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`
}

// ProviderConfig configures one oracle backend.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // openai, anthropic
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// Enabled reports whether this provider slot is configured at all.
func (p ProviderConfig) Enabled() bool {
	return p.Provider != ""
}

// GetTimeout parses the provider timeout, defaulting to 120s.
func (p ProviderConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// CurationConfig is the settings contract consumed by the orchestrators.
type CurationConfig struct {
	AutoScan           bool        `yaml:"auto_scan"`
	AutoDetectUpdates  bool        `yaml:"auto_detect_updates"`
	HybridEnabled      bool        `yaml:"hybrid_enabled"`
	MinNewCharsForScan int         `yaml:"min_new_chars_for_scan"`
	Temperature        float64     `yaml:"temperature"`
	DetailLevel        DetailLevel `yaml:"detail_level"`

	// EnabledCategories gates which categories identification may return.
	EnabledCategories map[string]bool `yaml:"enabled_categories"`
}

// StoreConfig configures the SQLite lorebook store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig controls categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "lorekeeper",
		Version: "1.0.0",
		Oracle: OracleConfig{
			Primary: ProviderConfig{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				BaseURL:  "https://api.openai.com/v1",
				Timeout:  "120s",
			},
		},
		Curation: CurationConfig{
			AutoScan:           true,
			AutoDetectUpdates:  true,
			HybridEnabled:      false,
			MinNewCharsForScan: 2000,
			Temperature:        0.7,
			DetailLevel:        DetailStandard,
			EnabledCategories: map[string]bool{
				"character": true,
				"location":  true,
				"item":      true,
				"faction":   true,
				"concept":   true,
			},
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(".lorekeeper", "lorebook.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the standard config location under a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".lorekeeper", "config.yaml")
}

// Load loads configuration from a YAML file, applying defaults for missing
// values and environment overrides last. A missing file returns defaults.
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

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Oracle.Primary.Provider == "openai" && c.Oracle.Primary.APIKey == "" {
		c.Oracle.Primary.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.Oracle.Primary.Provider == "anthropic" && c.Oracle.Primary.APIKey == "" {
			c.Oracle.Primary.APIKey = key
		}
		if c.Oracle.Secondary.Provider == "anthropic" && c.Oracle.Secondary.APIKey == "" {
			c.Oracle.Secondary.APIKey = key
		}
	}
	if path := os.Getenv("LOREKEEPER_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if !c.Oracle.Primary.Enabled() {
		return fmt.Errorf("primary oracle provider is required")
	}
	switch c.Curation.DetailLevel {
	case DetailBrief, DetailStandard, DetailDetailed:
	default:
		return fmt.Errorf("invalid detail_level: %q", c.Curation.DetailLevel)
	}
	if c.Curation.Temperature < 0 || c.Curation.Temperature > 2 {
		return fmt.Errorf("temperature out of range: %v", c.Curation.Temperature)
	}
	if c.Curation.HybridEnabled && !c.Oracle.Secondary.Enabled() {
		return fmt.Errorf("hybrid_enabled requires a secondary provider")
	}
	return nil
}

// EnabledCategoryNames returns the enabled category names in a stable order.
func (c *CurationConfig) EnabledCategoryNames() []string {
	order := []string{"character", "location", "item", "faction", "concept"}
	var out []string
	for _, name := range order {
		if c.EnabledCategories[name] {
			out = append(out, name)
		}
	}
	return out
}
