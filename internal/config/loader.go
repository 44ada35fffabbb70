package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"synthd/internal/common/fsutil"
)

// ServerConfig holds HTTP listener parameters. A non-empty CORSOrigins
// enables the CORS middleware for browser frontends.
type ServerConfig struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// RedisConfig holds the shared admission/progress store parameters.
// An empty Addr disables Redis: admission falls back to a process-local
// store and round progress is kept in memory only.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	// MaxWaitSeconds bounds how long a call waits for an admission slot.
	MaxWaitSeconds int `json:"max_wait_time" yaml:"max_wait_time" toml:"max_wait_time"`
	// DefaultMaxConcurrency applies when a job does not set max_concurrent.
	DefaultMaxConcurrency int `json:"default_max_concurrency" yaml:"default_max_concurrency" toml:"default_max_concurrency"`
}

// MaxWait returns the admission wait bound as a duration.
func (r RedisConfig) MaxWait() time.Duration {
	return time.Duration(r.MaxWaitSeconds) * time.Second
}

// DatabaseConfig holds the Postgres DSN for the storage collaborator.
// An empty URL disables persistence; accepted candidates are then only
// counted, which is useful for dry runs and tests.
type DatabaseConfig struct {
	URL string `json:"url" yaml:"url" toml:"url"`
}

// GenerationConfig carries job parameter defaults applied when a start
// request leaves them zero.
type GenerationConfig struct {
	BatchSize         int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	MaxConcurrent     int     `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	MinScore          int     `json:"min_score" yaml:"min_score" toml:"min_score"`
	TaskType          string  `json:"task_type" yaml:"task_type" toml:"task_type"`
	VariantsPerSample int     `json:"variants_per_sample" yaml:"variants_per_sample" toml:"variants_per_sample"`
	DataRounds        int     `json:"data_rounds" yaml:"data_rounds" toml:"data_rounds"`
	RetryTimes        int     `json:"retry_times" yaml:"retry_times" toml:"retry_times"`
	SampleRetryTimes  int     `json:"sample_retry_times" yaml:"sample_retry_times" toml:"sample_retry_times"`
	TopP              float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	TimeoutSeconds    int     `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Redis      RedisConfig      `json:"redis_service" yaml:"redis_service" toml:"redis_service"`
	Database   DatabaseConfig   `json:"database" yaml:"database" toml:"database"`
	Generation GenerationConfig `json:"generation" yaml:"generation" toml:"generation"`
	LogLevel   string           `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Redis: RedisConfig{
			Addr:                  "",
			MaxWaitSeconds:        300,
			DefaultMaxConcurrency: 16,
		},
		Generation: GenerationConfig{
			BatchSize:         16,
			MaxConcurrent:     16,
			MinScore:          10,
			TaskType:          "general",
			VariantsPerSample: 3,
			DataRounds:        10,
			RetryTimes:        3,
			SampleRetryTimes:  3,
			TopP:              1.0,
			MaxTokens:         8192,
			TimeoutSeconds:    600,
		},
		LogLevel: "info",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	cfg.applyMissing()
	return cfg, nil
}

// applyMissing backfills zero values with defaults after decoding.
func (c *Config) applyMissing() {
	d := Defaults()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Redis.MaxWaitSeconds == 0 {
		c.Redis.MaxWaitSeconds = d.Redis.MaxWaitSeconds
	}
	if c.Redis.DefaultMaxConcurrency == 0 {
		c.Redis.DefaultMaxConcurrency = d.Redis.DefaultMaxConcurrency
	}
	g, dg := &c.Generation, d.Generation
	if g.BatchSize == 0 {
		g.BatchSize = dg.BatchSize
	}
	if g.MaxConcurrent == 0 {
		g.MaxConcurrent = dg.MaxConcurrent
	}
	if g.MinScore == 0 {
		g.MinScore = dg.MinScore
	}
	if g.TaskType == "" {
		g.TaskType = dg.TaskType
	}
	if g.VariantsPerSample == 0 {
		g.VariantsPerSample = dg.VariantsPerSample
	}
	if g.DataRounds == 0 {
		g.DataRounds = dg.DataRounds
	}
	if g.RetryTimes == 0 {
		g.RetryTimes = dg.RetryTimes
	}
	if g.SampleRetryTimes == 0 {
		g.SampleRetryTimes = dg.SampleRetryTimes
	}
	if g.TopP == 0 {
		g.TopP = dg.TopP
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = dg.MaxTokens
	}
	if g.TimeoutSeconds == 0 {
		g.TimeoutSeconds = dg.TimeoutSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}
