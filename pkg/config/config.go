// Package config loads runner configuration from BRICKRUNNER_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SinkKind selects the metrics sink transport.
type SinkKind string

const (
	SinkKafka SinkKind = "kafka"
	SinkNATS  SinkKind = "nats"
)

// Config holds runner configuration
type Config struct {
	// Grid manager
	GridManagerURL      string
	RegistrationBackoff time.Duration

	// Network
	BindIP string

	// Runtime defaults, overridable per brick definition
	MaxIdleSeconds        float64
	AutoscaleQueueLevel   int
	AutoscaleMaxInstances int
	InputLowQueueLevel    int
	PacketBatchSize       int
	ScalingSampleInterval time.Duration
	ScalingHistoryLength  int
	Workers               int

	// Metrics
	MetricsDisabled  bool
	MetricsSink      SinkKind
	MetricsEndpoints []string
	MetricsTopic     string
	MetricsInterval  time.Duration
	MetricsAddr      string

	// Brick state and secrets
	NATSURL        string
	StateBucket    string
	BlobConnection string
	BlobContainer  string
	SecretKey      string

	// Observability
	TracingEndpoint string
	SentryDSN       string
	Environment     string
	LogLevel        string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		GridManagerURL:        "http://localhost:8000",
		RegistrationBackoff:   2 * time.Second,
		BindIP:                "127.0.0.1",
		AutoscaleMaxInstances: 1,
		InputLowQueueLevel:    10,
		PacketBatchSize:       25,
		ScalingSampleInterval: 200 * time.Millisecond,
		ScalingHistoryLength:  5,
		MetricsSink:           SinkKafka,
		MetricsTopic:          "brickrunner.metrics",
		MetricsInterval:       5 * time.Second,
		StateBucket:           "brick-state",
		BlobContainer:         "brick-state",
		Environment:           "development",
		LogLevel:              "info",
	}
}

// Load reads the configuration with priority: env vars > defaults.
func Load() (*Config, error) {
	c := Default()

	c.GridManagerURL = strings.TrimRight(getEnv("BRICKRUNNER_GRID_MANAGER_URL", c.GridManagerURL), "/")
	c.RegistrationBackoff = getEnvDuration("BRICKRUNNER_REGISTRATION_BACKOFF", c.RegistrationBackoff)
	c.BindIP = getEnv("BRICKRUNNER_BIND_IP", c.BindIP)

	c.MaxIdleSeconds = getEnvFloat("BRICKRUNNER_MAX_IDLE_SECONDS", c.MaxIdleSeconds)
	c.AutoscaleQueueLevel = getEnvInt("BRICKRUNNER_AUTOSCALE_QUEUE_LEVEL", c.AutoscaleQueueLevel)
	c.AutoscaleMaxInstances = getEnvInt("BRICKRUNNER_AUTOSCALE_MAX_INSTANCES", c.AutoscaleMaxInstances)
	c.InputLowQueueLevel = getEnvInt("BRICKRUNNER_INPUT_LOW_QUEUE_LEVEL", c.InputLowQueueLevel)
	c.PacketBatchSize = getEnvInt("BRICKRUNNER_PACKET_BATCH_SIZE", c.PacketBatchSize)
	c.ScalingSampleInterval = getEnvDuration("BRICKRUNNER_SCALING_SAMPLE_INTERVAL", c.ScalingSampleInterval)
	c.ScalingHistoryLength = getEnvInt("BRICKRUNNER_SCALING_HISTORY_LENGTH", c.ScalingHistoryLength)
	c.Workers = getEnvInt("BRICKRUNNER_WORKERS", c.Workers)

	c.MetricsDisabled = getEnvBool("BRICKRUNNER_METRICS_DISABLED", c.MetricsDisabled)
	c.MetricsSink = SinkKind(strings.ToLower(getEnv("BRICKRUNNER_METRICS_SINK", string(c.MetricsSink))))
	c.MetricsEndpoints = getEnvList("BRICKRUNNER_METRICS_ENDPOINTS")
	c.MetricsTopic = getEnv("BRICKRUNNER_METRICS_TOPIC", c.MetricsTopic)
	c.MetricsInterval = getEnvDuration("BRICKRUNNER_METRICS_INTERVAL", c.MetricsInterval)
	c.MetricsAddr = getEnv("BRICKRUNNER_METRICS_ADDR", c.MetricsAddr)

	c.NATSURL = getEnv("BRICKRUNNER_NATS_URL", c.NATSURL)
	c.StateBucket = getEnv("BRICKRUNNER_STATE_BUCKET", c.StateBucket)
	c.BlobConnection = getEnv("BRICKRUNNER_BLOB_CONNECTION_STRING", c.BlobConnection)
	c.BlobContainer = getEnv("BRICKRUNNER_BLOB_CONTAINER", c.BlobContainer)
	c.SecretKey = getEnv("BRICKRUNNER_SECRET_KEY", c.SecretKey)
	c.TracingEndpoint = getEnv("BRICKRUNNER_OTLP_ENDPOINT", c.TracingEndpoint)
	c.SentryDSN = getEnv("BRICKRUNNER_SENTRY_DSN", c.SentryDSN)
	c.Environment = getEnv("BRICKRUNNER_ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("BRICKRUNNER_LOG_LEVEL", c.LogLevel)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for unusable values
func (c *Config) Validate() error {
	if c.GridManagerURL == "" {
		return fmt.Errorf("grid manager URL cannot be empty")
	}
	if c.MaxIdleSeconds < 0 {
		return fmt.Errorf("max idle seconds cannot be negative")
	}
	if c.AutoscaleQueueLevel < 0 {
		return fmt.Errorf("autoscale queue level cannot be negative")
	}
	if c.InputLowQueueLevel < 0 {
		return fmt.Errorf("input low queue level cannot be negative")
	}
	if c.PacketBatchSize <= 0 {
		return fmt.Errorf("packet batch size must be greater than 0")
	}
	if c.ScalingSampleInterval <= 0 {
		return fmt.Errorf("scaling sample interval must be greater than 0")
	}
	if c.ScalingHistoryLength < 2 {
		return fmt.Errorf("scaling history length must be at least 2")
	}
	if c.MetricsSink != SinkKafka && c.MetricsSink != SinkNATS {
		return fmt.Errorf("unknown metrics sink %q", c.MetricsSink)
	}
	return nil
}

// MetricsEnabled reports whether telemetry events leave the process.
func (c *Config) MetricsEnabled() bool {
	return !c.MetricsDisabled && len(c.MetricsEndpoints) > 0
}

// String returns a formatted representation for logging, without secrets.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{GridManager: %s, BindIP: %s, MaxIdle: %gs, AutoscaleLevel: %d, LowQueue: %d, Batch: %d, Metrics: %t/%s, State: %s}",
		c.GridManagerURL,
		c.BindIP,
		c.MaxIdleSeconds,
		c.AutoscaleQueueLevel,
		c.InputLowQueueLevel,
		c.PacketBatchSize,
		c.MetricsEnabled(),
		c.MetricsSink,
		c.stateBackend(),
	)
}

func (c *Config) stateBackend() string {
	switch {
	case c.NATSURL != "":
		return "nats"
	case c.BlobConnection != "":
		return "blob"
	default:
		return "memory"
	}
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("200ms") or plain seconds ("0.2").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
