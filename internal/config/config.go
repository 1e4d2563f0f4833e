// Package config loads the environment-driven configuration shared by the
// gateway and worker binaries. Each binary only reads the keys relevant to
// it; unused fields are simply left at their zero value.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config groups every setting recognized by the gateway and worker.
type Config struct {
	// Kafka.
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string

	// PostgreSQL.
	PostgresURL string

	// HTTP (gateway).
	HTTPAddr string

	// Broadcast sink (worker fan-out).
	BroadcastSinkURL string

	// Observability collector endpoint (OTel OTLP exporter target).
	CollectorEndpoint string

	// Metrics.
	MetricsAddr string

	// ShutdownGrace bounds how long the gateway waits for in-flight
	// requests to drain before it closes the producer.
	ShutdownGrace time.Duration

	// PollTimeout must be positive. The worker uses it as the timeout of
	// each broadcast fan-out request; it is not passed to the Kafka
	// subscriber.
	PollTimeout time.Duration
}

const (
	// DefaultKafkaTopic is the log topic carrying accepted envelopes.
	DefaultKafkaTopic = "events.raw.v1"
	// DefaultConsumerGroup is the stable per-deployment worker group id.
	DefaultConsumerGroup = "event-gateway-worker"
)

// Load reads configuration from the environment. Required: KAFKA_BROKERS,
// POSTGRES_URL.
func Load() (Config, error) {
	cfg := Config{
		KafkaTopic:         envOr("KAFKA_TOPIC", DefaultKafkaTopic),
		KafkaConsumerGroup: envOr("KAFKA_CONSUMER_GROUP", DefaultConsumerGroup),
		PostgresURL:        strings.TrimSpace(os.Getenv("POSTGRES_URL")),
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		BroadcastSinkURL:   strings.TrimSpace(os.Getenv("BROADCAST_SINK_URL")),
		CollectorEndpoint:  strings.TrimSpace(os.Getenv("OTEL_COLLECTOR_ENDPOINT")),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		ShutdownGrace:      envDurationOr("SHUTDOWN_GRACE", 10*time.Second),
		PollTimeout:        envDurationOr("KAFKA_POLL_TIMEOUT", time.Second),
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration has every field required for the
// gateway and worker to start. Returns a joined error describing every
// problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("config: KAFKA_BROKERS is required"))
	}
	if c.PostgresURL == "" {
		errs = append(errs, errors.New("config: POSTGRES_URL is required"))
	}
	if c.KafkaTopic == "" {
		errs = append(errs, errors.New("config: kafka topic cannot be empty"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errors.New("config: poll timeout must be positive"))
	}
	if p := metricsPort(c.MetricsAddr); p != "" {
		if _, err := strconv.Atoi(p); err != nil {
			errs = append(errs, fmt.Errorf("config: invalid metrics port %q", p))
		}
	}

	return errors.Join(errs...)
}

func metricsPort(addr string) string {
	idx := strings.LastIndex(addr, ":")
	if idx == -1 {
		return ""
	}
	return addr[idx+1:]
}

// String renders the configuration with credentials embedded in connection
// URLs redacted, so it is always safe to log.
func (c Config) String() string {
	redacted := c
	redacted.PostgresURL = redactURLCredentials(c.PostgresURL)
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(redacted))
}

func redactURLCredentials(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "***REDACTED***")
		}
	}
	return parsed.String()
}
