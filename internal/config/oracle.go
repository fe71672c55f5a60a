package config

import "time"

// OracleConfig configures the knowledge oracle client.
type OracleConfig struct {
	Provider        string `yaml:"provider"` // gemini
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`            // structured calls (extract, follow-ups, saturation)
	SummaryModel    string `yaml:"summary_model"`    // tree-level insight summarization
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
	EnableGrounding bool   `yaml:"enable_grounding"` // Google Search grounding for the search call
	MaxRetries      int    `yaml:"max_retries"`      // transport-level 429 retries
}

// GetOracleTimeout returns the oracle call timeout as a duration.
func (c *Config) GetOracleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Oracle.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSummaryModel returns the summarization model, falling back to the
// primary model when unset.
func (c *Config) GetSummaryModel() string {
	if c.Oracle.SummaryModel != "" {
		return c.Oracle.SummaryModel
	}
	return c.Oracle.Model
}
