package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Milad-Afdasta/FlowCoord/internal/health"
	"github.com/Milad-Afdasta/FlowCoord/internal/notify"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/ratelimit"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

// Config is the full coordinator configuration. Durations are plain
// millisecond integers in the file. Every tuning value the coordination core
// uses has a field here; the defaults are starting points, not contracts.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	IngestAddr  string `yaml:"ingest_addr"`
	AdminAddr   string `yaml:"admin_addr"`
	DeliveryURL string `yaml:"delivery_url"`

	Kafka struct {
		Enabled            bool `yaml:"enabled"`
		notify.KafkaConfig `yaml:",inline"`
	} `yaml:"kafka"`

	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Load      LoadConfig      `yaml:"load"`
	Health    HealthConfig    `yaml:"health"`

	RateLimits []RateLimitRule `yaml:"rate_limits"`

	ReportRegenIntervalMs int64 `yaml:"report_regen_interval_ms"`
	MetricsPollIntervalMs int64 `yaml:"metrics_poll_interval_ms"`
}

// QueueConfig mirrors queue.Config with millisecond durations.
type QueueConfig struct {
	MaxQueueSize        int     `yaml:"max_queue_size"`
	MaxConcurrent       int     `yaml:"max_concurrent"`
	BatchSize           int     `yaml:"batch_size"`
	TickMs              int64   `yaml:"tick_ms"`
	ProcessingTimeoutMs int64   `yaml:"processing_timeout_ms"`
	RetryDelayMs        int64   `yaml:"retry_delay_ms"`
	EvictionFraction    float64 `yaml:"eviction_fraction"`
}

// Build converts to queue.Config; zero fields fall back to queue defaults.
func (c QueueConfig) Build() queue.Config {
	return queue.Config{
		MaxQueueSize:      c.MaxQueueSize,
		MaxConcurrent:     c.MaxConcurrent,
		BatchSize:         c.BatchSize,
		Tick:              time.Duration(c.TickMs) * time.Millisecond,
		ProcessingTimeout: time.Duration(c.ProcessingTimeoutMs) * time.Millisecond,
		RetryDelay:        time.Duration(c.RetryDelayMs) * time.Millisecond,
		EvictionFraction:  c.EvictionFraction,
	}
}

// SchedulerConfig mirrors scheduler.Config with millisecond durations.
type SchedulerConfig struct {
	FailureThreshold    float64 `yaml:"failure_threshold"`
	RecoveryTimeoutMs   int64   `yaml:"recovery_timeout_ms"`
	AdaptIntervalMs     int64   `yaml:"adapt_interval_ms"`
	HealthIntervalMs    int64   `yaml:"health_interval_ms"`
	AdaptiveDelayBaseMs int64   `yaml:"adaptive_delay_base_ms"`
	BackpressureFactor  float64 `yaml:"backpressure_factor"`
	BackoffBaseMs       int64   `yaml:"backoff_base_ms"`
	MaxBackoffMs        int64   `yaml:"max_backoff_ms"`

	Bands struct {
		CriticalLoad   float64 `yaml:"critical_load"`
		CriticalFactor float64 `yaml:"critical_factor"`
		HighLoad       float64 `yaml:"high_load"`
		HighFactor     float64 `yaml:"high_factor"`
		ElevatedLoad   float64 `yaml:"elevated_load"`
		ElevatedFactor float64 `yaml:"elevated_factor"`
		IdleLoad       float64 `yaml:"idle_load"`
		IdleFactor     float64 `yaml:"idle_factor"`
		LightLoad      float64 `yaml:"light_load"`
		LightFactor    float64 `yaml:"light_factor"`
	} `yaml:"bands"`
}

// Build converts to scheduler.Config; zero fields fall back to scheduler
// defaults.
func (c SchedulerConfig) Build() scheduler.Config {
	cfg := scheduler.Config{
		FailureThreshold:   c.FailureThreshold,
		RecoveryTimeout:    time.Duration(c.RecoveryTimeoutMs) * time.Millisecond,
		AdaptInterval:      time.Duration(c.AdaptIntervalMs) * time.Millisecond,
		HealthInterval:     time.Duration(c.HealthIntervalMs) * time.Millisecond,
		AdaptiveDelayBase:  time.Duration(c.AdaptiveDelayBaseMs) * time.Millisecond,
		BackpressureFactor: c.BackpressureFactor,
		BackoffBase:        time.Duration(c.BackoffBaseMs) * time.Millisecond,
		MaxBackoff:         time.Duration(c.MaxBackoffMs) * time.Millisecond,
	}
	if c.Bands.CriticalLoad > 0 {
		cfg.Bands = scheduler.Bands{
			CriticalLoad:   c.Bands.CriticalLoad,
			CriticalFactor: c.Bands.CriticalFactor,
			HighLoad:       c.Bands.HighLoad,
			HighFactor:     c.Bands.HighFactor,
			ElevatedLoad:   c.Bands.ElevatedLoad,
			ElevatedFactor: c.Bands.ElevatedFactor,
			IdleLoad:       c.Bands.IdleLoad,
			IdleFactor:     c.Bands.IdleFactor,
			LightLoad:      c.Bands.LightLoad,
			LightFactor:    c.Bands.LightFactor,
		}
	}
	return cfg
}

// LoadConfig holds the load monitor normalization divisors. These are tuned
// to the queue's capacity and concurrency; change them together.
type LoadConfig struct {
	QueueNorm float64 `yaml:"queue_norm"`
	ProcNorm  float64 `yaml:"proc_norm"`
}

// HealthConfig mirrors health.Config with millisecond durations.
type HealthConfig struct {
	HealthIntervalMs     int64   `yaml:"health_interval_ms"`
	ReportTTLMs          int64   `yaml:"report_ttl_ms"`
	ErrorRate            float64 `yaml:"error_rate"`
	LatencyMs            float64 `yaml:"latency_ms"`
	Load                 float64 `yaml:"load"`
	Backlog              int     `yaml:"backlog"`
	PendingRegenerations int     `yaml:"pending_regenerations"`
}

// Build converts to health.Config; zero fields fall back to health defaults.
func (c HealthConfig) Build() health.Config {
	cfg := health.Config{
		HealthInterval: time.Duration(c.HealthIntervalMs) * time.Millisecond,
		ReportTTL:      time.Duration(c.ReportTTLMs) * time.Millisecond,
	}
	if c.ErrorRate > 0 {
		cfg.Thresholds = health.Thresholds{
			ErrorRate:            c.ErrorRate,
			LatencyMs:            c.LatencyMs,
			Load:                 c.Load,
			Backlog:              c.Backlog,
			PendingRegenerations: c.PendingRegenerations,
		}
	}
	return cfg
}

// RateLimitRule mirrors ratelimit.Rule.
type RateLimitRule struct {
	Name        string `yaml:"name"`
	MaxRequests int    `yaml:"max_requests"`
	WindowMs    int64  `yaml:"window_ms"`
	Priority    string `yaml:"priority"`
	Resource    string `yaml:"resource"`
}

// Rules converts configured rules to ratelimit rules.
func (c *Config) Rules() []ratelimit.Rule {
	rules := make([]ratelimit.Rule, 0, len(c.RateLimits))
	for _, r := range c.RateLimits {
		rules = append(rules, ratelimit.Rule{
			Name:        r.Name,
			MaxRequests: r.MaxRequests,
			WindowMs:    r.WindowMs,
			Priority:    r.Priority,
			Resource:    r.Resource,
		})
	}
	return rules
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		LogLevel:              "info",
		IngestAddr:            ":8080",
		AdminAddr:             ":9090",
		ReportRegenIntervalMs: 30_000,
		MetricsPollIntervalMs: 10_000,
	}
	cfg.RateLimits = []RateLimitRule{
		{Name: "delivery", MaxRequests: 500, WindowMs: 60_000, Resource: "delivery"},
		{Name: "reporting", MaxRequests: 60, WindowMs: 60_000, Resource: "reporting"},
	}
	return cfg
}

// Load reads the yaml file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
