// Package config loads and persists deepNERD configuration from
// .deepnerd/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all deepNERD configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace label; trees in the same workspace share prior knowledge
	Workspace string `yaml:"workspace"`

	// Tree expansion defaults
	Research ResearchConfig `yaml:"research"`

	// Knowledge oracle (search + extraction model)
	Oracle OracleConfig `yaml:"oracle"`

	// Embedding engine for prior-knowledge ranking
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Knowledge store
	Store StoreConfig `yaml:"store"`

	// Question inbox watcher
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // genai or ollama
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint,omitempty"` // ollama server address
}

// StoreConfig configures the SQLite knowledge store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// WatchConfig configures the question inbox watcher.
type WatchConfig struct {
	InboxDir   string `yaml:"inbox_dir"`
	DebounceMS int    `yaml:"debounce_ms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "deepNERD",
		Version:   "0.3.0",
		Workspace: "default",

		Research: ResearchConfig{
			DepthLimit:          3,
			MaxNodes:            25,
			ParallelNodes:       3,
			SaturationThreshold: 0.8,
			MaxFollowUpsPerNode: 3,
			MinPriorityScore:    0.5,
			AllowedFollowUpTypes: []string{
				"predecessor", "consequence", "detail",
				"verification", "financial", "temporal",
			},
		},

		Oracle: OracleConfig{
			Provider:        "gemini",
			Model:           "gemini-2.5-flash",
			SummaryModel:    "gemini-2.5-pro",
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Timeout:         "120s",
			EnableGrounding: true,
			MaxRetries:      3,
		},

		Embedding: EmbeddingConfig{
			Enabled:  false,
			Provider: "genai",
			Model:    "gemini-embedding-001",
			Endpoint: "http://localhost:11434",
		},

		Store: StoreConfig{
			DatabasePath: ".deepnerd/knowledge.db",
		},

		Watch: WatchConfig{
			InboxDir:   ".deepnerd/inbox",
			DebounceMS: 500,
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
// Returns defaults when the file does not exist.
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

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}
	if key := os.Getenv("DEEPNERD_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}
	if model := os.Getenv("DEEPNERD_MODEL"); model != "" {
		c.Oracle.Model = model
	}
	if path := os.Getenv("DEEPNERD_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if dir := os.Getenv("DEEPNERD_INBOX"); dir != "" {
		c.Watch.InboxDir = dir
	}
	if ws := os.Getenv("DEEPNERD_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle API key not configured (set GEMINI_API_KEY or oracle.api_key)")
	}
	if err := c.ValidateResearch(); err != nil {
		return err
	}
	return nil
}
