// Package config loads researcher configuration from YAML with env
// overrides, and hot-reloads the tool capability table.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/research"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/tracing"
)

// SeedTopic is one initial topic for the queue
type SeedTopic struct {
	Title    string `mapstructure:"title"`
	Overview string `mapstructure:"overview"`
}

// ResearchConfig holds loop and scheduler tuning
type ResearchConfig struct {
	Mode                 string        `mapstructure:"mode"`           // sequential or parallel
	IterationMode        string        `mapstructure:"iteration_mode"` // fixed or flexible
	MaxIterations        int           `mapstructure:"max_iterations"`
	MaxParallelTopics    int           `mapstructure:"max_parallel_topics"`
	NewTopicMinScore     float64       `mapstructure:"new_topic_min_score"`
	ToolFailureThreshold int           `mapstructure:"tool_failure_threshold"`
	MaxSummaryChars      int           `mapstructure:"max_summary_chars"`
	MaxQueueLength       int           `mapstructure:"max_queue_length"`
	ReasoningRetries     int           `mapstructure:"reasoning_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	SeedTopics           []SeedTopic   `mapstructure:"seed_topics"`
}

// RedisConfig holds Redis snapshot-store settings
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PostgresConfig holds Postgres snapshot-store settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// PersistenceConfig selects and configures the snapshot store
type PersistenceConfig struct {
	// Backend is "redis", "postgres" or "none".
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the full researcher configuration
type Config struct {
	Research    ResearchConfig                 `mapstructure:"research"`
	Tools       map[string]research.ToolConfig `mapstructure:"tools"`
	Persistence PersistenceConfig              `mapstructure:"persistence"`
	Metrics     MetricsConfig                  `mapstructure:"metrics"`
	Tracing     tracing.Config                 `mapstructure:"tracing"`
	Logging     LoggingConfig                  `mapstructure:"logging"`
}

// Load reads configuration from path, or from CONFIG_PATH when path is
// empty, falling back to ./researcher.yaml. Env vars prefixed KESTREL_
// override file values (KESTREL_RESEARCH_MAX_ITERATIONS etc).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./researcher.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("research.mode", "sequential")
	v.SetDefault("research.iteration_mode", "flexible")
	v.SetDefault("research.max_iterations", 5)
	v.SetDefault("research.max_parallel_topics", 3)
	v.SetDefault("research.new_topic_min_score", 0.8)
	v.SetDefault("research.tool_failure_threshold", 3)
	v.SetDefault("research.max_summary_chars", 2000)
	v.SetDefault("research.reasoning_retries", 3)
	v.SetDefault("research.retry_backoff", "500ms")
	v.SetDefault("persistence.backend", "none")
	v.SetDefault("persistence.redis.addr", "localhost:6379")
	v.SetDefault("persistence.postgres.port", 5432)
	v.SetDefault("persistence.postgres.sslmode", "disable")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("logging.level", "info")
}

func (c *Config) validate() error {
	switch c.Research.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("invalid research.mode %q", c.Research.Mode)
	}
	switch c.Research.IterationMode {
	case "fixed", "flexible":
	default:
		return fmt.Errorf("invalid research.iteration_mode %q", c.Research.IterationMode)
	}
	if c.Research.NewTopicMinScore < 0 || c.Research.NewTopicMinScore > 1 {
		return fmt.Errorf("research.new_topic_min_score must be in [0,1], got %v", c.Research.NewTopicMinScore)
	}
	switch c.Persistence.Backend {
	case "redis", "postgres", "none":
	default:
		return fmt.Errorf("invalid persistence.backend %q", c.Persistence.Backend)
	}
	return nil
}
