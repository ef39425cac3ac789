// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Ingestion, Soap, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Soap      SoapConfig      `yaml:"soap"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
	if p.Schema != "" {
		dsn += " search_path=" + p.Schema
	}
	return dsn
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables event publishing and the command consumer.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	FileProcessed string `yaml:"fileProcessed"`
	Commands      string `yaml:"commands"`
}

// RedisConfig holds Redis connection parameters. An empty Addr makes the
// registries fall back to process-local state.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// IngestionConfig drives the fetch/orchestrate/persist core.
type IngestionConfig struct {
	Profile     string            `yaml:"profile"`
	Fetcher     string            `yaml:"fetcher"`
	Queue       QueueConfig       `yaml:"queue"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Poll        PollConfig        `yaml:"poll"`
	LocalFS     LocalFSConfig     `yaml:"localfs"`
	Staging     StagingConfig     `yaml:"staging"`
	Ack         AckConfig         `yaml:"ack"`
	Events      EventsConfig      `yaml:"events"`
}

// QueueConfig bounds the orchestrator's in-memory work queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// ConcurrencyConfig bounds the parse/persist worker pool. BurstSize defaults
// to Workers when zero.
type ConcurrencyConfig struct {
	Workers   int `yaml:"workers"`
	BurstSize int `yaml:"burstSize"`
}

// PollConfig is the orchestrator's fixed-delay schedule.
type PollConfig struct {
	FixedDelay time.Duration `yaml:"fixedDelay"`
}

// LocalFSConfig describes the ready directory and the optional archive dirs.
type LocalFSConfig struct {
	ReadyDir   string `yaml:"readyDir"`
	ArchiveOK  string `yaml:"archiveOk"`
	ArchiveErr string `yaml:"archiveFail"`
	Archive    bool   `yaml:"archive"`
	Watch      bool   `yaml:"watch"`
}

// StagingConfig controls how downloaded files are handed to the pipeline.
type StagingConfig struct {
	Dir              string        `yaml:"dir"`
	ForceDisk        bool          `yaml:"forceDisk"`
	SizeThreshold    int64         `yaml:"sizeThreshold"`
	LatencyThreshold time.Duration `yaml:"latencyThreshold"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
}

// AckConfig toggles source acknowledgement after a verified file.
type AckConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EventsConfig controls batching of file-processed events to Kafka.
type EventsConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// SoapConfig holds the DHPO endpoint, polling and resilience settings.
type SoapConfig struct {
	Enabled             bool             `yaml:"enabled"`
	Endpoint            string           `yaml:"endpoint"`
	Soap12              bool             `yaml:"soap12"`
	Mode                string           `yaml:"mode"`
	PollInterval        time.Duration    `yaml:"pollInterval"`
	DownloadConcurrency int              `yaml:"downloadConcurrency"`
	InflightTTL         time.Duration    `yaml:"inflightTtl"`
	RequestTimeout      time.Duration    `yaml:"requestTimeout"`
	RatePerSecond       float64          `yaml:"ratePerSecond"`
	RateBurst           int              `yaml:"rateBurst"`
	Search              SearchConfig     `yaml:"search"`
	Retry               RetryConfig      `yaml:"retry"`
	Breaker             BreakerConfig    `yaml:"breaker"`
	Credentials         CredentialConfig `yaml:"credentials"`
}

// SearchConfig parameterises the SearchTransactions polling mode.
type SearchConfig struct {
	DaysBack       int `yaml:"daysBack"`
	MinRecordCount int `yaml:"minRecordCount"`
	MaxRecordCount int `yaml:"maxRecordCount"`
}

// RetryConfig controls transport-level retries of a single SOAP call.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// BreakerConfig is the per-facility cool-down policy.
type BreakerConfig struct {
	Threshold   int           `yaml:"threshold"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
}

// CredentialConfig carries the base64 AES key used to decrypt facility
// credentials. An empty key means credentials are stored in plaintext.
type CredentialConfig struct {
	Key        string `yaml:"key"`
	KeyVersion string `yaml:"keyVersion"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the ingestion core cannot run with.
func (c *Config) Validate() error {
	switch c.Ingestion.Fetcher {
	case "localfs", "soap":
	default:
		return fmt.Errorf("ingestion.fetcher must be localfs or soap, got %q", c.Ingestion.Fetcher)
	}
	if c.Ingestion.Queue.Capacity <= 0 {
		return fmt.Errorf("ingestion.queue.capacity must be positive")
	}
	if c.Ingestion.Concurrency.Workers <= 0 {
		return fmt.Errorf("ingestion.concurrency.workers must be positive")
	}
	if c.Ingestion.Concurrency.BurstSize <= 0 {
		c.Ingestion.Concurrency.BurstSize = c.Ingestion.Concurrency.Workers
	}
	if c.Soap.DownloadConcurrency <= 0 {
		return fmt.Errorf("soap.downloadConcurrency must be positive")
	}
	switch c.Soap.Mode {
	case "new", "search":
	default:
		return fmt.Errorf("soap.mode must be new or search, got %q", c.Soap.Mode)
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "claims",
			User:            "claims",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "claims-ingestion",
			Topics: KafkaTopics{
				FileProcessed: "ingestion.file.processed",
				Commands:      "ingestion.commands",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "claims:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Ingestion: IngestionConfig{
			Profile: "localfs",
			Fetcher: "localfs",
			Queue:   QueueConfig{Capacity: 256},
			Concurrency: ConcurrencyConfig{
				Workers:   8,
				BurstSize: 8,
			},
			Poll: PollConfig{FixedDelay: 2 * time.Second},
			LocalFS: LocalFSConfig{
				ReadyDir:   "./data/ready",
				ArchiveOK:  "./data/archive/ok",
				ArchiveErr: "./data/archive/fail",
				Watch:      true,
			},
			Staging: StagingConfig{
				Dir:              "./data/ready",
				SizeThreshold:    25 * 1024 * 1024,
				LatencyThreshold: 8 * time.Second,
				Retention:        72 * time.Hour,
				SweepInterval:    time.Hour,
			},
			Events: EventsConfig{
				BatchSize:     100,
				FlushInterval: 5 * time.Second,
			},
		},
		Soap: SoapConfig{
			Endpoint:            "https://dhpo.eclaimlink.ae/ValidateTransactions.asmx",
			Mode:                "new",
			PollInterval:        30 * time.Minute,
			DownloadConcurrency: 4,
			InflightTTL:         10 * time.Minute,
			RequestTimeout:      60 * time.Second,
			RatePerSecond:       5,
			RateBurst:           5,
			Search: SearchConfig{
				DaysBack:       100,
				MinRecordCount: 1,
				MaxRecordCount: 500,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			},
			Breaker: BreakerConfig{
				Threshold:   3,
				BaseBackoff: time.Minute,
				MaxBackoff:  30 * time.Minute,
			},
			Credentials: CredentialConfig{
				KeyVersion: "v1",
			},
		},
	}
}

// applyEnvOverrides reads CI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CI_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v, ok := os.LookupEnv("CI_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitNonEmpty(v)
	}
	if v, ok := os.LookupEnv("CI_REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CI_INGESTION_FETCHER"); v != "" {
		cfg.Ingestion.Fetcher = v
	}
	if v := os.Getenv("CI_INGESTION_READY_DIR"); v != "" {
		cfg.Ingestion.LocalFS.ReadyDir = v
	}
	if v := os.Getenv("CI_INGESTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.Concurrency.Workers = n
		}
	}
	if v := os.Getenv("CI_INGESTION_ACK_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingestion.Ack.Enabled = b
		}
	}
	if v := os.Getenv("CI_SOAP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Soap.Enabled = b
		}
	}
	if v := os.Getenv("CI_SOAP_ENDPOINT"); v != "" {
		cfg.Soap.Endpoint = v
	}
	if v := os.Getenv("CI_SOAP_CREDENTIALS_KEY"); v != "" {
		cfg.Soap.Credentials.Key = v
	}
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
