package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"spotfleet/pkg/risk"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Logger      LoggerConfig      `yaml:"logger"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	AWS         AWSConfig         `yaml:"aws"`
	Kafka       KafkaConfig       `yaml:"kafka"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // Operator API key (optional, if empty, auth is disabled)
}

// DatabaseConfig selects and configures the orchestration store
type DatabaseConfig struct {
	Driver string       `yaml:"driver"` // mysql, sqlite
	MySQL  MySQLConfig  `yaml:"mysql"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN builds the go-sql-driver DSN
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// SQLiteConfig SQLite configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig Redis configuration. Empty Addr disables Redis (single-instance mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CoordinatorConfig coordinator timing and policy. Durations are in seconds.
type CoordinatorConfig struct {
	HeartbeatTimeout         int        `yaml:"heartbeat_timeout"`          // Agent goes offline after this much silence
	ReplicaReadyTimeout      int        `yaml:"replica_ready_timeout"`      // Provisioning replicas fail after this
	SwitchLeaseTTL           int        `yaml:"switch_lease_ttl"`           // Per-agent commit lease lifetime
	TerminationGrace         int        `yaml:"termination_grace"`          // Notice-to-reclaim window
	SavingsCron              string     `yaml:"savings_cron"`               // Standard cron expression, UTC
	OfflineCheckInterval     int        `yaml:"offline_check_interval"`     // Offline detection job
	DeadlineCheckInterval    int        `yaml:"deadline_check_interval"`    // Deadline expiry job
	ReplicaReconcileInterval int        `yaml:"replica_reconcile_interval"` // Provisioning refresh job
	OrphanSweepInterval      int        `yaml:"orphan_sweep_interval"`      // Orphan sweep job
	PricePollInterval        int        `yaml:"price_poll_interval"`        // EC2 price poller job
	PoolCacheTTL             int        `yaml:"pool_cache_ttl"`             // Ranked pool cache in Redis
	PriceRetentionDays       int        `yaml:"price_retention_days"`       // Older price samples are pruned
	Risk                     RiskConfig `yaml:"risk"`
}

// RiskConfig pool risk thresholds
type RiskConfig struct {
	CautionCV            float64 `yaml:"caution_cv"`
	AvoidCV              float64 `yaml:"avoid_cv"`
	CautionInterruptions int     `yaml:"caution_interruptions"`
	AvoidInterruptions   int     `yaml:"avoid_interruptions"`
	MinSamples           int     `yaml:"min_samples"`
	WindowHours          int     `yaml:"window_hours"`
}

// Policy converts the thresholds for the analyzer
func (c RiskConfig) Policy() risk.Policy {
	return risk.Policy{
		CautionCV:            c.CautionCV,
		AvoidCV:              c.AvoidCV,
		CautionInterruptions: c.CautionInterruptions,
		AvoidInterruptions:   c.AvoidInterruptions,
		MinSamples:           c.MinSamples,
		Window:               time.Duration(c.WindowHours) * time.Hour,
	}
}

// AWSConfig AWS configuration
type AWSConfig struct {
	Enabled     bool   `yaml:"enabled"`      // Provision replicas on EC2
	Region      string `yaml:"region"`       // Default region
	PricePoller bool   `yaml:"price_poller"` // Poll EC2 spot price history for pools in use
}

// KafkaConfig switch event stream configuration
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// DefaultCoordinatorConfig returns the coordinator defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	p := risk.DefaultPolicy()
	return CoordinatorConfig{
		HeartbeatTimeout:         180,
		ReplicaReadyTimeout:      300,
		SwitchLeaseTTL:           30,
		TerminationGrace:         120,
		SavingsCron:              "5 0 * * *",
		OfflineCheckInterval:     60,
		DeadlineCheckInterval:    10,
		ReplicaReconcileInterval: 15,
		OrphanSweepInterval:      60,
		PricePollInterval:        300,
		PoolCacheTTL:             60,
		PriceRetentionDays:       7,
		Risk: RiskConfig{
			CautionCV:            p.CautionCV,
			AvoidCV:              p.AvoidCV,
			CautionInterruptions: p.CautionInterruptions,
			AvoidInterruptions:   p.AvoidInterruptions,
			MinSamples:           p.MinSamples,
			WindowHours:          int(p.Window / time.Hour),
		},
	}
}

// Seconds converts a seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads, defaults and validates a coordinator config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults replaces unset or non-positive values with defaults
func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = "data/spotfleet.db"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "spotfleet.switches"
	}

	d := DefaultCoordinatorConfig()
	c := &cfg.Coordinator
	positive(&c.HeartbeatTimeout, d.HeartbeatTimeout)
	positive(&c.ReplicaReadyTimeout, d.ReplicaReadyTimeout)
	positive(&c.SwitchLeaseTTL, d.SwitchLeaseTTL)
	positive(&c.TerminationGrace, d.TerminationGrace)
	positive(&c.OfflineCheckInterval, d.OfflineCheckInterval)
	positive(&c.DeadlineCheckInterval, d.DeadlineCheckInterval)
	positive(&c.ReplicaReconcileInterval, d.ReplicaReconcileInterval)
	positive(&c.OrphanSweepInterval, d.OrphanSweepInterval)
	positive(&c.PricePollInterval, d.PricePollInterval)
	positive(&c.PoolCacheTTL, d.PoolCacheTTL)
	positive(&c.PriceRetentionDays, d.PriceRetentionDays)
	if c.SavingsCron == "" {
		c.SavingsCron = d.SavingsCron
	}
	if c.Risk.CautionCV <= 0 {
		c.Risk.CautionCV = d.Risk.CautionCV
	}
	if c.Risk.AvoidCV <= 0 {
		c.Risk.AvoidCV = d.Risk.AvoidCV
	}
	positive(&c.Risk.CautionInterruptions, d.Risk.CautionInterruptions)
	positive(&c.Risk.AvoidInterruptions, d.Risk.AvoidInterruptions)
	positive(&c.Risk.MinSamples, d.Risk.MinSamples)
	positive(&c.Risk.WindowHours, d.Risk.WindowHours)
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate rejects configurations the coordinator cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Logger.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("unsupported logger output %q", c.Logger.Output)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled without brokers")
	}
	if c.Risk().AvoidCV < c.Risk().CautionCV {
		return fmt.Errorf("risk avoid_cv %.2f is below caution_cv %.2f", c.Risk().AvoidCV, c.Risk().CautionCV)
	}
	if c.Risk().AvoidInterruptions < c.Risk().CautionInterruptions {
		return fmt.Errorf("risk avoid_interruptions %d is below caution_interruptions %d",
			c.Risk().AvoidInterruptions, c.Risk().CautionInterruptions)
	}
	return nil
}

// Risk is shorthand for the coordinator risk thresholds
func (c *Config) Risk() RiskConfig {
	return c.Coordinator.Risk
}
