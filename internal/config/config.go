package config

import (
	"fmt"
	"time"
)

// JobKind enumerates the supported long-running job kinds.
type JobKind string

const (
	JobKindEDA        JobKind = "eda"
	JobKindTraining   JobKind = "training"
	JobKindPrediction JobKind = "prediction"
)

// PollConfig controls the HTTP status polling channel.
type PollConfig struct {
	// BaseURL is the API root the status endpoints hang off of,
	// e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"base_url"`

	// Intervals maps a job kind to its polling cadence. Kinds without an
	// entry fall back to DefaultInterval.
	Intervals map[JobKind]time.Duration `yaml:"intervals,omitempty"`

	// DefaultInterval is the cadence used when a kind has no explicit entry.
	DefaultInterval time.Duration `yaml:"default_interval,omitempty"`

	// RateLimit caps status requests per second across all pollers in the
	// process. Zero (or omitted) means no shared limit.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// Burst is the shared limiter's burst size. Ignored when RateLimit is zero.
	Burst int `yaml:"burst,omitempty"`

	// RequestTimeout bounds a single status request.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// PushConfig controls the WebSocket event stream channel.
type PushConfig struct {
	// Endpoint is the stream URL template. The literal "{job_id}" is
	// replaced with the tracked job's identifier,
	// e.g. "wss://api.example.com/v1/runs/{job_id}/events".
	Endpoint string `yaml:"endpoint"`

	// ReconnectInterval is the fixed delay between reconnection attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval,omitempty"`

	// MaxReconnectAttempts bounds reconnection attempts per outage. Zero
	// means unset and takes the default; a negative value disables
	// reconnection entirely, leaving coverage to the polling channel after
	// the first disconnect.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts,omitempty"`

	// HandshakeTimeout bounds the WebSocket dial handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
}

// RegistryConfig controls tracker lifecycle in the process-wide registry.
type RegistryConfig struct {
	// EvictionGracePeriod is how long a terminal tracker stays resolvable
	// before the registry drops it.
	EvictionGracePeriod time.Duration `yaml:"eviction_grace_period,omitempty"`
}

// Config is the top-level tracking engine configuration.
type Config struct {
	Poll     PollConfig     `yaml:"poll"`
	Push     PushConfig     `yaml:"push"`
	Registry RegistryConfig `yaml:"registry"`
}

const (
	defaultPollInterval        = 3 * time.Second
	defaultRequestTimeout      = 15 * time.Second
	defaultReconnectInterval   = 3 * time.Second
	defaultMaxReconnects       = 10
	defaultHandshakeTimeout    = 10 * time.Second
	defaultEvictionGracePeriod = 30 * time.Second
)

// DefaultConfig returns a configuration with every tunable set to its
// default. BaseURL and Endpoint are intentionally left empty; callers must
// supply them.
func DefaultConfig() Config {
	var cfg Config
	cfg.Normalize()
	return cfg
}

// Normalize fills in defaults for any zero-valued tunable. It is safe to
// call on a partially populated config, such as one decoded from YAML.
func (c *Config) Normalize() {
	if c.Poll.Intervals == nil {
		c.Poll.Intervals = map[JobKind]time.Duration{
			JobKindEDA:        2 * time.Second,
			JobKindTraining:   3 * time.Second,
			JobKindPrediction: 5 * time.Second,
		}
	}
	if c.Poll.DefaultInterval <= 0 {
		c.Poll.DefaultInterval = defaultPollInterval
	}
	if c.Poll.RequestTimeout <= 0 {
		c.Poll.RequestTimeout = defaultRequestTimeout
	}
	if c.Poll.RateLimit > 0 && c.Poll.Burst <= 0 {
		c.Poll.Burst = 1
	}

	if c.Push.ReconnectInterval <= 0 {
		c.Push.ReconnectInterval = defaultReconnectInterval
	}
	if c.Push.MaxReconnectAttempts == 0 {
		c.Push.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.Push.HandshakeTimeout <= 0 {
		c.Push.HandshakeTimeout = defaultHandshakeTimeout
	}

	if c.Registry.EvictionGracePeriod <= 0 {
		c.Registry.EvictionGracePeriod = defaultEvictionGracePeriod
	}
}

// PollInterval returns the polling cadence for a job kind, falling back to
// the default interval for unknown kinds.
func (c *Config) PollInterval(kind JobKind) time.Duration {
	if d, ok := c.Poll.Intervals[kind]; ok && d > 0 {
		return d
	}
	return c.Poll.DefaultInterval
}

// ReconnectBudget returns the per-outage reconnection attempt count the
// push listener should use. A negative MaxReconnectAttempts collapses to
// zero attempts.
func (p *PushConfig) ReconnectBudget() uint64 {
	if p.MaxReconnectAttempts < 0 {
		return 0
	}
	return uint64(p.MaxReconnectAttempts)
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.Poll.BaseURL == "" {
		return fmt.Errorf("poll.base_url is required")
	}
	return nil
}
