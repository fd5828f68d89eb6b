// Package config loads and validates the process configuration and the
// versioned pack documents (domain packs, tenant policy packs, playbook
// catalogs) that the pipeline consumes.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" decode
// directly. Plain integers are taken as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the fully loaded, validated configuration.
type Config struct {
	Worker    *WorkerConfig
	Broker    *BrokerConfig
	Retention *RetentionConfig
	Retry     map[string]RetryPolicy
	Registry  *Registry
}

// RetryPolicyFor returns the retry policy for a worker role, falling
// back to the "default" entry and then to the built-in defaults.
func (c *Config) RetryPolicyFor(role string) RetryPolicy {
	if p, ok := c.Retry[role]; ok {
		return p
	}
	if p, ok := c.Retry["default"]; ok {
		return p
	}
	return DefaultRetryPolicy()
}

// WorkerConfig controls the worker runtime for this process.
type WorkerConfig struct {
	// Concurrency is the number of in-flight handler invocations.
	Concurrency int `yaml:"concurrency"`

	// HandlerDeadline bounds one handler invocation; on expiry the event
	// is treated as a transient failure.
	HandlerDeadline Duration `yaml:"handler_deadline"`

	// CASRetries is how many times a handler re-reads and re-evaluates
	// after losing a version compare-and-set.
	CASRetries int `yaml:"cas_retries"`

	// GracefulShutdownTimeout caps the drain phase on SIGTERM.
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`

	// ReadinessWindow is how recent a successful store/broker probe must
	// be for /readyz to pass.
	ReadinessWindow Duration `yaml:"readiness_window"`

	// OutboxPollInterval paces the outbox relay between empty polls.
	OutboxPollInterval Duration `yaml:"outbox_poll_interval"`

	// SLATick paces the SLA monitor. Must not exceed any pack's
	// sla_resolution.
	SLATick Duration `yaml:"sla_tick"`
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Concurrency:             4,
		HandlerDeadline:         Duration(30 * time.Second),
		CASRetries:              3,
		GracefulShutdownTimeout: Duration(60 * time.Second),
		ReadinessWindow:         Duration(15 * time.Second),
		OutboxPollInterval:      Duration(500 * time.Millisecond),
		SLATick:                 Duration(60 * time.Second),
	}
}

// BrokerConfig selects and tunes the event log implementation.
type BrokerConfig struct {
	// Kind is "kafka" or "postgres".
	Kind string `yaml:"kind"`

	// Bootstrap lists Kafka bootstrap brokers (BROKER_BOOTSTRAP wins).
	Bootstrap []string `yaml:"bootstrap"`

	// Partitions is the partition count for the postgres log.
	Partitions int32 `yaml:"partitions"`

	// Lease is the postgres log's partition claim lease.
	Lease Duration `yaml:"lease"`
}

// DefaultBrokerConfig returns the built-in broker defaults: the embedded
// postgres log, sized for a single-node deployment.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Kind:       "postgres",
		Partitions: 16,
		Lease:      Duration(30 * time.Second),
	}
}

// RetentionConfig controls the cleanup job.
type RetentionConfig struct {
	// Enabled turns the job on.
	Enabled bool `yaml:"enabled"`

	// TerminalAge is how long terminal exceptions are kept.
	TerminalAge Duration `yaml:"terminal_age"`

	// OutboxAge is how long published outbox rows are kept.
	OutboxAge Duration `yaml:"outbox_age"`

	// Interval is the scan cadence.
	Interval Duration `yaml:"interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Enabled:     true,
		TerminalAge: Duration(90 * 24 * time.Hour),
		OutboxAge:   Duration(7 * 24 * time.Hour),
		Interval:    Duration(time.Hour),
	}
}

// RetryPolicy is the declarative per-role retry policy.
type RetryPolicy struct {
	// MaxAttempts counts the first delivery: 5 means 4 retries.
	MaxAttempts int `yaml:"max_attempts"`

	BaseBackoff Duration `yaml:"base_backoff"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxBackoff  Duration `yaml:"max_backoff"`

	// JitterFraction spreads each delay by ±fraction (0.2 = ±20%).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultRetryPolicy returns the platform defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseBackoff:    Duration(time.Second),
		Multiplier:     2,
		MaxBackoff:     Duration(5 * time.Minute),
		JitterFraction: 0.2,
	}
}

// remexYAML is the on-disk shape of remex.yaml.
type remexYAML struct {
	Worker    *WorkerConfig          `yaml:"worker"`
	Broker    *BrokerConfig          `yaml:"broker"`
	Retention *RetentionConfig       `yaml:"retention"`
	Retry     map[string]RetryPolicy `yaml:"retry"`
}
