package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full researchd configuration tree.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Research   ResearchConfig   `mapstructure:"research"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig configures the optional completed-run writer. Persistence is
// disabled when DSN is empty; the controller runs fully in-memory without it.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	WriteWorkers int    `mapstructure:"write_workers"`
	QueueSize    int    `mapstructure:"queue_size"`
}

type ProvidersConfig struct {
	SearchURL     string `mapstructure:"search_url"`
	SearchAPIKey  string `mapstructure:"search_api_key"`
	CompletionURL string `mapstructure:"completion_url"`
	CompletionKey string `mapstructure:"completion_api_key"`
	Model         string `mapstructure:"model"`
}

type ResearchConfig struct {
	MaxIterations         int           `mapstructure:"max_iterations"`
	MaxSearchResults      int           `mapstructure:"max_search_results"`
	MaxConcurrentSearches int           `mapstructure:"max_concurrent_searches"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	TaskTimeout           time.Duration `mapstructure:"task_timeout"`
	SufficiencyThreshold  float64       `mapstructure:"sufficiency_threshold"`
	SufficiencyFloor      float64       `mapstructure:"sufficiency_floor"`
	ConfidenceFloor       float64       `mapstructure:"confidence_floor"`
}

type ResilienceConfig struct {
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay    time.Duration `mapstructure:"max_retry_delay"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.write_workers", 2)
	v.SetDefault("database.queue_size", 256)

	v.SetDefault("providers.model", "gpt-4o")

	v.SetDefault("research.max_iterations", 5)
	v.SetDefault("research.max_search_results", 10)
	v.SetDefault("research.max_concurrent_searches", 3)
	v.SetDefault("research.cache_ttl", time.Hour)
	v.SetDefault("research.task_timeout", 10*time.Minute)
	v.SetDefault("research.sufficiency_threshold", 0.75)
	v.SetDefault("research.sufficiency_floor", 0.4)
	v.SetDefault("research.confidence_floor", 0.3)

	v.SetDefault("resilience.max_retry_attempts", 3)
	v.SetDefault("resilience.retry_delay", 500*time.Millisecond)
	v.SetDefault("resilience.max_retry_delay", 10*time.Second)
	v.SetDefault("resilience.call_timeout", 30*time.Second)
	v.SetDefault("resilience.rate_limit_rps", 10)
	v.SetDefault("resilience.rate_limit_burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads researchd.yaml from CONFIG_PATH (or ./config/researchd.yaml),
// applies RESEARCHD_* env overrides and returns the merged configuration.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESEARCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/researchd.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.Research.MaxIterations < 1 {
		return fmt.Errorf("research.max_iterations must be >= 1, got %d", c.Research.MaxIterations)
	}
	if c.Research.MaxConcurrentSearches < 1 {
		return fmt.Errorf("research.max_concurrent_searches must be >= 1, got %d", c.Research.MaxConcurrentSearches)
	}
	if c.Resilience.MaxRetryAttempts < 0 {
		return fmt.Errorf("resilience.max_retry_attempts must be >= 0, got %d", c.Resilience.MaxRetryAttempts)
	}
	if c.Research.SufficiencyFloor > c.Research.SufficiencyThreshold {
		return fmt.Errorf("research.sufficiency_floor %.2f exceeds threshold %.2f",
			c.Research.SufficiencyFloor, c.Research.SufficiencyThreshold)
	}
	return nil
}
