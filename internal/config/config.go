// Package config handles configuration loading for arc-sentinel.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/consumer"
	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/features"
	"arc-sentinel/internal/forensics"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/kafka"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/pipeline"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/response"
	"arc-sentinel/internal/secrets"
	"arc-sentinel/internal/storage"
	"arc-sentinel/internal/storage/s3"
	"arc-sentinel/internal/summarize"
)

// DefaultPath is read when ARC_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendClickHouse = "clickhouse"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Auth       AuthConfig               `yaml:"auth"`
	RateLimit  RateLimitConfig          `yaml:"rate_limit"`
	Ingest     IngestConfig             `yaml:"ingest"`
	Queue      queue.Config             `yaml:"queue"`
	Consumer   consumer.Config          `yaml:"consumer"`
	Storage    StorageConfig            `yaml:"storage"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig           `yaml:"postgres"`
	Redis      RedisConfig              `yaml:"redis"`
	Kafka      KafkaConfig              `yaml:"kafka"`
	NATS       NATSConfig               `yaml:"nats"`
	S3         S3Config                 `yaml:"s3"`
	Model      ModelConfig              `yaml:"model"`
	Features   features.Config          `yaml:"features"`
	Routing    pipeline.Config          `yaml:"routing"`
	Detection  detection.Config         `yaml:"detection"`
	Incidents  incident.ManagerConfig   `yaml:"incidents"`
	Response   ResponseConfig           `yaml:"response"`
	Forensics  ForensicsConfig          `yaml:"forensics"`
	Summarizer summarize.Config         `yaml:"summarizer"`
	Notify     NotifyConfig             `yaml:"notify"`
	Secrets    secrets.Config           `yaml:"secrets"`
	Logging    LoggingConfig            `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Production sanitizes error messages returned to clients.
	Production bool `yaml:"production"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// IngestConfig holds ingestion limits, validation bounds and the optional
// newline-delimited JSON TCP listener.
type IngestConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	MaxEventAge    time.Duration `yaml:"max_event_age"`
	MaxFuture      time.Duration `yaml:"max_future"`
	TCP            TCPConfig     `yaml:"tcp"`
}

// TCPConfig holds the TCP listener settings.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// StorageConfig selects the event store.
type StorageConfig struct {
	Backend      string                    `yaml:"backend"`
	QueryTimeout time.Duration             `yaml:"query_timeout"`
	BatchWriter  storage.BatchWriterConfig `yaml:"batch_writer"`
}

// PostgresConfig enables the Postgres incident store.
type PostgresConfig struct {
	Enabled                 bool `yaml:"enabled"`
	incident.PostgresConfig `yaml:",inline"`
}

// RedisConfig enables the Redis response state store.
type RedisConfig struct {
	Enabled              bool `yaml:"enabled"`
	response.RedisConfig `yaml:",inline"`
}

// KafkaConfig enables Kafka ingestion and notification publishing.
type KafkaConfig struct {
	Enabled bool `yaml:"enabled"`
	// Consume reads events from the events topic into the queue.
	Consume bool `yaml:"consume"`
	// Publish sends notifications to the notifications topic.
	Publish      bool `yaml:"publish"`
	kafka.Config `yaml:",inline"`
}

// NATSConfig enables the NATS notification sink.
type NATSConfig struct {
	Enabled           bool `yaml:"enabled"`
	notify.NATSConfig `yaml:",inline"`
}

// S3Config enables S3 model persistence.
type S3Config struct {
	Enabled   bool `yaml:"enabled"`
	s3.Config `yaml:",inline"`
}

// ModelConfig holds training hyperparameters and local persistence.
type ModelConfig struct {
	anomaly.TrainConfig `yaml:",inline"`
	// Path is the file the model is persisted to when S3 is disabled. Empty
	// keeps the model in memory only.
	Path     string                 `yaml:"path"`
	Training pipeline.TrainerConfig `yaml:"training"`
}

// ResponseConfig holds directive planning and the action log size.
type ResponseConfig struct {
	response.PlannerConfig `yaml:",inline"`
	ActionLogSize          int `yaml:"action_log_size"`
}

// ForensicsConfig enables host forensics on new incidents.
type ForensicsConfig struct {
	Enabled          bool `yaml:"enabled"`
	forensics.Config `yaml:",inline"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	Delivery notify.DeliveryConfig `yaml:"delivery"`
	// Log writes every notification to the structured log.
	Log          bool            `yaml:"log"`
	StreamBuffer int             `yaml:"stream_buffer"`
	Webhooks     []WebhookConfig `yaml:"webhooks"`
	Slack        SlackConfig     `yaml:"slack"`
}

// WebhookConfig is one generic JSON webhook.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig is the Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
			MaxEventAge:    7 * 24 * time.Hour,
			MaxFuture:      5 * time.Minute,
			TCP: TCPConfig{
				Address:        ":5515",
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
		},
		Queue:    queue.DefaultConfig(),
		Consumer: consumer.DefaultConfig(),
		Storage: StorageConfig{
			Backend:      BackendMemory,
			QueryTimeout: 30 * time.Second,
			BatchWriter:  storage.DefaultBatchWriterConfig(),
		},
		ClickHouse: storage.DefaultClickHouseConfig(),
		Postgres:   PostgresConfig{PostgresConfig: incident.DefaultPostgresConfig()},
		Redis:      RedisConfig{RedisConfig: response.DefaultRedisConfig()},
		Kafka:      KafkaConfig{Consume: true, Publish: true, Config: kafka.DefaultConfig()},
		NATS: NATSConfig{NATSConfig: notify.NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "arc",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		}},
		S3: S3Config{Config: *s3.DefaultConfig()},
		Model: ModelConfig{
			TrainConfig: anomaly.DefaultTrainConfig(),
			Training:    pipeline.DefaultTrainerConfig(),
		},
		Features:   features.DefaultConfig(),
		Routing:    pipeline.DefaultConfig(),
		Detection:  detection.DefaultConfig(),
		Incidents:  incident.DefaultManagerConfig(),
		Response:   ResponseConfig{PlannerConfig: response.DefaultPlannerConfig(), ActionLogSize: 1000},
		Forensics:  ForensicsConfig{Enabled: true, Config: forensics.DefaultConfig()},
		Summarizer: summarize.DefaultConfig(),
		Notify: NotifyConfig{
			Delivery:     notify.DefaultDeliveryConfig(),
			Log:          true,
			StreamBuffer: 256,
			Slack:        SlackConfig{Username: "arc-sentinel"},
		},
		Secrets: secrets.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file named by ARC_CONFIG_PATH, or DefaultPath, then applies
// environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	path := os.Getenv("ARC_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies ARC_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("ARC_HTTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid ARC_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = n
	}
	if v := os.Getenv("ARC_PRODUCTION"); v != "" {
		c.Server.Production = v == "true"
	}
	if level := os.Getenv("ARC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if apiKey := os.Getenv("ARC_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if backend := os.Getenv("ARC_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if host := os.Getenv("ARC_CLICKHOUSE_HOST"); host != "" {
		c.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("ARC_CLICKHOUSE_DATABASE"); db != "" {
		c.ClickHouse.Database = db
	}
	if user := os.Getenv("ARC_CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}
	if pass := os.Getenv("ARC_CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}

	if dsn := os.Getenv("ARC_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
		c.Postgres.Enabled = true
	}
	if addr := os.Getenv("ARC_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pass := os.Getenv("ARC_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if brokers := os.Getenv("ARC_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if url := os.Getenv("ARC_NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}
	if bucket := os.Getenv("ARC_S3_BUCKET"); bucket != "" {
		c.S3.Bucket = bucket
		c.S3.Enabled = true
	}
	if path := os.Getenv("ARC_MODEL_PATH"); path != "" {
		c.Model.Path = path
	}

	if key := os.Getenv("ARC_GEMINI_API_KEY"); key != "" {
		c.Summarizer.APIKey = key
	}
	if url := os.Getenv("ARC_SLACK_WEBHOOK_URL"); url != "" {
		c.Notify.Slack.WebhookURL = url
	}

	if v := os.Getenv("ARC_ANOMALY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ARC_ANOMALY_THRESHOLD: %w", err)
		}
		c.Routing.Thresholds.Anomaly = f
	}
	if v := os.Getenv("ARC_CRITICAL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ARC_CRITICAL_THRESHOLD: %w", err)
		}
		c.Routing.Thresholds.Critical = f
	}

	if enabled := os.Getenv("ARC_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return errors.New("auth enabled without api_keys")
	}
	if c.Queue.Size <= 0 {
		return errors.New("queue size must be positive")
	}
	if c.Queue.Partitions <= 0 {
		return errors.New("queue partitions must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return errors.New("max_batch_size must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendClickHouse:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendClickHouse {
		if err := c.ClickHouse.Validate(); err != nil {
			return err
		}
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return errors.New("postgres enabled without dsn")
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.S3.Enabled {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}

	if err := c.Model.TrainConfig.Validate(); err != nil {
		return err
	}
	if err := c.Features.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Detection.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}
