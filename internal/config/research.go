package config

import "fmt"

// ResearchConfig holds the default tree expansion parameters. A run may
// override any of these per tree.
type ResearchConfig struct {
	DepthLimit           int      `yaml:"depth_limit"`             // Max recursion depth (root = 0)
	MaxNodes             int      `yaml:"max_nodes"`               // Global tree-size cap
	ParallelNodes        int      `yaml:"parallel_nodes"`          // Batch concurrency
	SaturationThreshold  float64  `yaml:"saturation_threshold"`    // Score at/above which a node stops expanding
	MaxFollowUpsPerNode  int      `yaml:"max_follow_ups_per_node"` // Fan-out cap per node
	MinPriorityScore     float64  `yaml:"min_priority_score"`      // Follow-up filter floor
	AllowedFollowUpTypes []string `yaml:"allowed_follow_up_types"` // Permitted question-type tags
}

// ValidateResearch checks that research parameters are within acceptable ranges.
func (c *Config) ValidateResearch() error {
	r := c.Research
	if r.DepthLimit < 0 {
		return fmt.Errorf("research.depth_limit must be >= 0")
	}
	if r.MaxNodes < 1 {
		return fmt.Errorf("research.max_nodes must be >= 1")
	}
	if r.ParallelNodes < 1 {
		return fmt.Errorf("research.parallel_nodes must be >= 1")
	}
	if r.SaturationThreshold < 0 || r.SaturationThreshold > 1 {
		return fmt.Errorf("research.saturation_threshold must be in [0,1]")
	}
	if r.MinPriorityScore < 0 || r.MinPriorityScore > 1 {
		return fmt.Errorf("research.min_priority_score must be in [0,1]")
	}
	if r.MaxFollowUpsPerNode < 0 {
		return fmt.Errorf("research.max_follow_ups_per_node must be >= 0")
	}
	return nil
}
