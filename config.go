package flux

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals from YAML strings like "50ms" or "1m30s".
// Plain integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config is the file-based engine configuration. Zero values fall back
// to the engine defaults, so a partial file is fine.
//
//	max_queue_size: 5000
//	batch_size: 10
//	processing_interval: 50ms
//	max_retries: 5
//	retry_delays: [1s, 5s, 30s]
//	worker_count: 8
//	rate_limit: 200
//	rate_burst: 50
type Config struct {
	MaxQueueSize       int        `yaml:"max_queue_size"`
	BatchSize          int        `yaml:"batch_size"`
	ProcessingInterval Duration   `yaml:"processing_interval"`
	MaxRetries         *int       `yaml:"max_retries"`
	RetryDelays        []Duration `yaml:"retry_delays"`
	WorkerCount        int        `yaml:"worker_count"`
	RateLimit          float64    `yaml:"rate_limit"`
	RateBurst          int        `yaml:"rate_burst"`
	Metrics            *bool      `yaml:"metrics"`
	Tracing            *bool      `yaml:"tracing"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Options converts the config into engine options.
func (c *Config) Options() []Option {
	var opts []Option
	if c.MaxQueueSize > 0 {
		opts = append(opts, WithMaxQueueSize(c.MaxQueueSize))
	}
	if c.BatchSize > 0 {
		opts = append(opts, WithBatchSize(c.BatchSize))
	}
	if c.ProcessingInterval > 0 {
		opts = append(opts, WithProcessingInterval(time.Duration(c.ProcessingInterval)))
	}
	if c.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*c.MaxRetries))
	}
	if len(c.RetryDelays) > 0 {
		delays := make([]time.Duration, len(c.RetryDelays))
		for i, d := range c.RetryDelays {
			delays[i] = time.Duration(d)
		}
		opts = append(opts, WithRetryDelays(delays...))
	}
	if c.WorkerCount > 0 {
		opts = append(opts, WithWorkerCount(c.WorkerCount))
	}
	if c.RateLimit > 0 {
		burst := c.RateBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithRateLimit(c.RateLimit, burst))
	}
	if c.Metrics != nil {
		opts = append(opts, WithMetrics(*c.Metrics))
	}
	if c.Tracing != nil {
		opts = append(opts, WithTracing(*c.Tracing))
	}
	return opts
}
