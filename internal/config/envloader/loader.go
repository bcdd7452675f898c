package envloader

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/datalens/opwatch/internal/config"
)

// envPrefix namespaces every variable, e.g. OPWATCH_POLL_BASE_URL.
const envPrefix = "OPWATCH"

// EnvLoader loads configuration from environment variables. Nested keys map
// to underscore-separated variable names under the OPWATCH prefix:
// poll.base_url becomes OPWATCH_POLL_BASE_URL.
type EnvLoader struct{ v *viper.Viper }

// NewEnvLoader creates a loader bound to the process environment.
func NewEnvLoader() *EnvLoader {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &EnvLoader{v: v}
}

// Load builds a configuration from the environment. Unset tunables take
// their defaults; unset required fields surface later through Validate.
func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	var cfg config.Config

	cfg.Poll.BaseURL = l.v.GetString("poll.base_url")
	cfg.Poll.DefaultInterval = l.v.GetDuration("poll.default_interval")
	cfg.Poll.RateLimit = l.v.GetFloat64("poll.rate_limit")
	cfg.Poll.Burst = l.v.GetInt("poll.burst")
	cfg.Poll.RequestTimeout = l.v.GetDuration("poll.request_timeout")

	for kind, key := range map[config.JobKind]string{
		config.JobKindEDA:        "poll.interval_eda",
		config.JobKindTraining:   "poll.interval_training",
		config.JobKindPrediction: "poll.interval_prediction",
	} {
		if d := l.v.GetDuration(key); d > 0 {
			if cfg.Poll.Intervals == nil {
				cfg.Poll.Intervals = map[config.JobKind]time.Duration{}
			}
			cfg.Poll.Intervals[kind] = d
		}
	}

	cfg.Push.Endpoint = l.v.GetString("push.endpoint")
	cfg.Push.ReconnectInterval = l.v.GetDuration("push.reconnect_interval")
	cfg.Push.MaxReconnectAttempts = l.v.GetInt("push.max_reconnect_attempts")
	cfg.Push.HandshakeTimeout = l.v.GetDuration("push.handshake_timeout")

	cfg.Registry.EvictionGracePeriod = l.v.GetDuration("registry.eviction_grace_period")

	cfg.Normalize()
	return &cfg, nil
}
