package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig configuration of the per-instance agent. Durations are in seconds.
type AgentConfig struct {
	CoordinatorURL string `yaml:"coordinator_url"`
	Token          string `yaml:"token"` // Client token

	InterruptionInterval int  `yaml:"interruption_interval"` // Must stay under 10s
	RebalanceInterval    int  `yaml:"rebalance_interval"`
	HeartbeatInterval    int  `yaml:"heartbeat_interval"`
	PricingInterval      int  `yaml:"pricing_interval"`
	CleanupInterval      int  `yaml:"cleanup_interval"`
	CleanupEnabled       bool `yaml:"cleanup_enabled"`

	TerminationGrace    int `yaml:"termination_grace"` // Fallback notice window
	SafetyMargin        int `yaml:"safety_margin"`     // Work stops this long before the deadline
	DrainPeriod         int `yaml:"drain_period"`
	RebalanceBudget     int `yaml:"rebalance_budget"`
	ReplicaPollInterval int `yaml:"replica_poll_interval"`
	PoolCacheTTL        int `yaml:"pool_cache_ttl"`
	RequestTimeout      int `yaml:"request_timeout"`

	RateLimit float64 `yaml:"rate_limit"` // Coordinator requests per second
	RateBurst int     `yaml:"rate_burst"`

	// On-demand price of the instance type, reported with spot prices
	OnDemandPrice float64 `yaml:"on_demand_price"`

	// IMDS endpoint override, empty uses the instance default
	MetadataEndpoint string `yaml:"metadata_endpoint"`

	SnapshotRetentionDays int `yaml:"snapshot_retention_days"`
	ImageRetentionDays    int `yaml:"image_retention_days"`

	Logger LoggerConfig `yaml:"logger"`
}

// DefaultAgentConfig returns the agent defaults
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		InterruptionInterval:  5,
		RebalanceInterval:     30,
		HeartbeatInterval:     60,
		PricingInterval:       300,
		CleanupInterval:       86400,
		TerminationGrace:      120,
		SafetyMargin:          15,
		DrainPeriod:           20,
		RebalanceBudget:       600,
		ReplicaPollInterval:   5,
		PoolCacheTTL:          300,
		RequestTimeout:        10,
		RateLimit:             5,
		RateBurst:             10,
		SnapshotRetentionDays: 7,
		ImageRetentionDays:    30,
		Logger: LoggerConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// LoadAgentConfig reads the agent config from AGENT_CONFIG_PATH
// (default config/agent.yaml), applies defaults and validates it.
func LoadAgentConfig() (*AgentConfig, error) {
	path := os.Getenv("AGENT_CONFIG_PATH")
	if path == "" {
		path = "config/agent.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults replaces unset or non-positive values with defaults
func (c *AgentConfig) ApplyDefaults() {
	d := DefaultAgentConfig()
	positive(&c.InterruptionInterval, d.InterruptionInterval)
	positive(&c.RebalanceInterval, d.RebalanceInterval)
	positive(&c.HeartbeatInterval, d.HeartbeatInterval)
	positive(&c.PricingInterval, d.PricingInterval)
	positive(&c.CleanupInterval, d.CleanupInterval)
	positive(&c.TerminationGrace, d.TerminationGrace)
	positive(&c.SafetyMargin, d.SafetyMargin)
	positive(&c.DrainPeriod, d.DrainPeriod)
	positive(&c.RebalanceBudget, d.RebalanceBudget)
	positive(&c.ReplicaPollInterval, d.ReplicaPollInterval)
	positive(&c.PoolCacheTTL, d.PoolCacheTTL)
	positive(&c.RequestTimeout, d.RequestTimeout)
	positive(&c.RateBurst, d.RateBurst)
	positive(&c.SnapshotRetentionDays, d.SnapshotRetentionDays)
	positive(&c.ImageRetentionDays, d.ImageRetentionDays)
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Logger.Level == "" {
		c.Logger.Level = d.Logger.Level
	}
	if c.Logger.Output == "" {
		c.Logger.Output = d.Logger.Output
	}
}

// Validate rejects timing combinations that cannot meet the termination deadline
func (c *AgentConfig) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url is required")
	}
	if c.OnDemandPrice < 0 {
		return fmt.Errorf("on_demand_price must not be negative")
	}
	if c.InterruptionInterval >= 10 {
		return fmt.Errorf("interruption_interval must be under 10s, got %ds", c.InterruptionInterval)
	}
	if c.SafetyMargin >= c.TerminationGrace {
		return fmt.Errorf("safety_margin %ds must be shorter than termination_grace %ds",
			c.SafetyMargin, c.TerminationGrace)
	}
	if c.DrainPeriod >= c.TerminationGrace {
		return fmt.Errorf("drain_period %ds must be shorter than termination_grace %ds",
			c.DrainPeriod, c.TerminationGrace)
	}
	return nil
}
