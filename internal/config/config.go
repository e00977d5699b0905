package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orchestrator configuration.
type Config struct {
	Logging struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Database struct {
		Driver string `mapstructure:"driver"` // sqlite3 or postgres
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Queue struct {
		DedupWindow     time.Duration `mapstructure:"dedup_window"`
		LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
		MaxRetries      int           `mapstructure:"max_retries"`
		BackoffBase     time.Duration `mapstructure:"backoff_base"`
		BackoffCap      time.Duration `mapstructure:"backoff_cap"`
		AgingThreshold  time.Duration `mapstructure:"aging_threshold"`
	} `mapstructure:"queue"`

	Registry struct {
		ProbeInterval    time.Duration `mapstructure:"probe_interval"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
	} `mapstructure:"registry"`

	Parallel struct {
		MinWorkers     int           `mapstructure:"min_workers"`
		MaxWorkers     int           `mapstructure:"max_workers"`
		SampleInterval time.Duration `mapstructure:"sample_interval"`
		HighWater      float64       `mapstructure:"high_water"`
		LowWater       float64       `mapstructure:"low_water"`
		ScaleIncrement int           `mapstructure:"scale_increment"`
	} `mapstructure:"parallel"`

	Recall struct {
		SoftDeadline  time.Duration `mapstructure:"soft_deadline"`
		SemanticBlend float64       `mapstructure:"semantic_blend"`
		ScoreBlend    float64       `mapstructure:"score_blend"`
		RetentionTTL  time.Duration `mapstructure:"retention_ttl"`
	} `mapstructure:"recall"`

	Creative struct {
		MinCandidates     int     `mapstructure:"min_candidates"`
		MaxCandidates     int     `mapstructure:"max_candidates"`
		NoveltyWeight     float64 `mapstructure:"novelty_weight"`
		RelevanceWeight   float64 `mapstructure:"relevance_weight"`
		FeasibilityWeight float64 `mapstructure:"feasibility_weight"`
	} `mapstructure:"creative"`

	Inference struct {
		BaseURL      string        `mapstructure:"base_url"`
		Timeout      time.Duration `mapstructure:"timeout"`
		RatePerSec   float64       `mapstructure:"rate_per_sec"`
		RateBurst    int           `mapstructure:"rate_burst"`
	} `mapstructure:"inference"`

	Embeddings struct {
		BaseURL string        `mapstructure:"base_url"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
		MaxLRU  int           `mapstructure:"max_lru"`
	} `mapstructure:"embeddings"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:orchestrator.db?cache=shared")

	v.SetDefault("queue.dedup_window", 5*time.Minute)
	v.SetDefault("queue.lease_ttl", 2*time.Minute)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_cap", 60*time.Second)
	v.SetDefault("queue.aging_threshold", 5*time.Minute)

	v.SetDefault("registry.probe_interval", 30*time.Second)
	v.SetDefault("registry.failure_threshold", 3)

	v.SetDefault("parallel.min_workers", 4)
	v.SetDefault("parallel.max_workers", 16)
	v.SetDefault("parallel.sample_interval", 30*time.Second)
	v.SetDefault("parallel.high_water", 0.8)
	v.SetDefault("parallel.low_water", 0.5)
	v.SetDefault("parallel.scale_increment", 2)

	v.SetDefault("recall.soft_deadline", 100*time.Millisecond)
	v.SetDefault("recall.semantic_blend", 0.8)
	v.SetDefault("recall.score_blend", 0.2)
	v.SetDefault("recall.retention_ttl", 30*24*time.Hour)

	v.SetDefault("creative.min_candidates", 3)
	v.SetDefault("creative.max_candidates", 5)
	v.SetDefault("creative.novelty_weight", 0.3)
	v.SetDefault("creative.relevance_weight", 0.3)
	v.SetDefault("creative.feasibility_weight", 0.4)

	v.SetDefault("inference.base_url", "http://localhost:8000")
	v.SetDefault("inference.timeout", 30*time.Second)
	v.SetDefault("inference.rate_per_sec", 10.0)
	v.SetDefault("inference.rate_burst", 20)

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.max_lru", 2048)
}

// Load reads configuration from ORCHESTRATOR_CONFIG (or the given path), with
// environment variable overrides (ORCHESTRATOR_ prefix) and built-in defaults.
// A missing config file is not an error; defaults and env apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ORCHESTRATOR")
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("ORCHESTRATOR_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Parallel.MinWorkers < 1 {
		return fmt.Errorf("parallel.min_workers must be >= 1, got %d", c.Parallel.MinWorkers)
	}
	if c.Parallel.MaxWorkers < c.Parallel.MinWorkers {
		return fmt.Errorf("parallel.max_workers (%d) must be >= min_workers (%d)",
			c.Parallel.MaxWorkers, c.Parallel.MinWorkers)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries)
	}
	w := c.Creative.NoveltyWeight + c.Creative.RelevanceWeight + c.Creative.FeasibilityWeight
	if w <= 0 {
		return fmt.Errorf("creative scoring weights must sum to a positive value")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	return nil
}
