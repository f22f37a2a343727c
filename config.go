package watchtower

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for the watchtower core. Every field can be
// set from the environment; see the env tags for variable names.
type Config struct {
	// ListenAddr is the HTTP listen address for the API and the
	// live update channel.
	ListenAddr string `env:"WATCHTOWER_LISTEN_ADDR" envDefault:":8080"`

	// DatabaseDSN is the SQLite DSN for the durable run/checkpoint store.
	DatabaseDSN string `env:"WATCHTOWER_DB_DSN" envDefault:"file:watchtower.db?_pragma=journal_mode(WAL)"`

	// RedisURL enables the Redis event relay when non-empty.
	RedisURL string `env:"WATCHTOWER_REDIS_URL"`

	// SlackWebhookURL enables the built-in Slack notification
	// capability when non-empty.
	SlackWebhookURL string `env:"WATCHTOWER_SLACK_WEBHOOK_URL"`

	// AlertThreshold is the decide step's branch cutoff: runs scoring
	// below it raise an alert.
	AlertThreshold float64 `env:"WATCHTOWER_ALERT_THRESHOLD" envDefault:"80"`

	// CapabilityTimeout bounds each capability call that does not
	// declare its own maximum latency.
	CapabilityTimeout time.Duration `env:"WATCHTOWER_CAPABILITY_TIMEOUT" envDefault:"30s"`

	// CapabilityTimeouts overrides the timeout per capability name,
	// e.g. "embed_text:90s,search_policies:10s".
	CapabilityTimeouts map[string]time.Duration `env:"WATCHTOWER_CAPABILITY_TIMEOUTS"`

	// CapabilityEndpoints maps capability names to collaborator HTTP
	// endpoints, e.g. "extract_text:http://extractor:9000/extract".
	CapabilityEndpoints map[string]string `env:"WATCHTOWER_CAPABILITY_ENDPOINTS"`

	// CapabilityRetries is the maximum number of retries for a
	// transient capability failure before the run fails.
	CapabilityRetries int `env:"WATCHTOWER_CAPABILITY_RETRIES" envDefault:"3"`

	// HeartbeatInterval is how often the live channel probes session
	// liveness. A session that does not answer within one interval is
	// evicted.
	HeartbeatInterval time.Duration `env:"WATCHTOWER_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// ReconnectBaseDelay, ReconnectMaxDelay and ReconnectMaxAttempts
	// shape the client-side backoff: min(base * 1.5^n, max), abandoned
	// after the attempt limit.
	ReconnectBaseDelay   time.Duration `env:"WATCHTOWER_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"WATCHTOWER_RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"WATCHTOWER_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	// SubmitRatePerMinute caps circular submissions through the HTTP API.
	SubmitRatePerMinute int `env:"WATCHTOWER_SUBMIT_RATE_PER_MINUTE" envDefault:"60"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":8080",
		DatabaseDSN:          "file:watchtower.db?_pragma=journal_mode(WAL)",
		AlertThreshold:       80,
		CapabilityTimeout:    30 * time.Second,
		CapabilityRetries:    3,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 5,
		SubmitRatePerMinute:  60,
	}
}

// ConfigFromEnv loads a Config from the environment, starting from the
// defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("watchtower: parse config from env: %w", err)
	}
	return cfg, nil
}

// TimeoutFor returns the invocation deadline for the named capability.
func (c Config) TimeoutFor(name string) time.Duration {
	if d, ok := c.CapabilityTimeouts[name]; ok && d > 0 {
		return d
	}
	return c.CapabilityTimeout
}
