package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName    string
	ServicePort    int
	LogLevel       string
	RequestTimeout time.Duration
	Storage        StorageConfig
	RabbitMQ       RabbitMQConfig
	Redis          RedisConfig
	DeviceManager  DeviceManagerConfig
	Usage          UsageConfig
	Validation     ValidationConfig
	Anomaly        AnomalyConfig
}

// StorageConfig holds database connection settings
type StorageConfig struct {
	Driver      string
	URL         string
	MaxConns    int
	AutoMigrate bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL                       string
	IngestExchange            string
	IngestQueue               string
	DLQQueue                  string
	DiagnosticsRoutingKey     string
	FactoryResetRoutingKey    string
	UploadResponseRoutingKey  string
	EventsExchange            string
	CountersUpdatedRoutingKey string
	QuotaReachedRoutingKey    string
	PrefetchCount             int
}

// RedisConfig holds Redis settings. An empty URL disables the profile cache
// and the retryable process lookup.
type RedisConfig struct {
	URL              string
	ProfileKeyPrefix string
	ProcessKeyPrefix string
	ProfileCacheTTL  time.Duration
}

// DeviceManagerConfig holds the device manager API settings
type DeviceManagerConfig struct {
	Protocol    string
	Host        string
	Timeout     time.Duration
	InsecureTLS bool
}

// UsageConfig holds counter service settings
type UsageConfig struct {
	StrictAppend        bool
	AppendRetries       int
	UniquenessThreshold float64
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:    getEnv("SERVICE_NAME", "device-usage-worker"),
		ServicePort:    getEnvAsInt("SERVICE_PORT", 8081),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		RequestTimeout: time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		Storage: StorageConfig{
			Driver:      strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    getEnvAsInt("DATABASE_MAX_CONNS", 0),
			AutoMigrate: getEnvAsBool("DATABASE_AUTO_MIGRATE", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                       getEnv("RABBITMQ_URL", ""),
			IngestExchange:            getEnv("RABBITMQ_INGEST_EXCHANGE", "device.events.exchange"),
			IngestQueue:               getEnv("RABBITMQ_INGEST_QUEUE", "device-usage.ingest.queue"),
			DLQQueue:                  getEnv("RABBITMQ_DLQ_QUEUE", "device-usage.ingest.dlq"),
			DiagnosticsRoutingKey:     getEnv("RABBITMQ_DIAGNOSTICS_ROUTING_KEY", "device.data.diagnostics"),
			FactoryResetRoutingKey:    getEnv("RABBITMQ_FACTORY_RESET_ROUTING_KEY", "cloud.factory-reset.received"),
			UploadResponseRoutingKey:  getEnv("RABBITMQ_UPLOAD_RESPONSE_ROUTING_KEY", "command.upload-data.response"),
			EventsExchange:            getEnv("RABBITMQ_EVENTS_EXCHANGE", "device-usage.events.exchange"),
			CountersUpdatedRoutingKey: getEnv("RABBITMQ_COUNTERS_UPDATED_ROUTING_KEY", "device.usage.counters-updated"),
			QuotaReachedRoutingKey:    getEnv("RABBITMQ_QUOTA_REACHED_ROUTING_KEY", "device.usage.quota-reached"),
			PrefetchCount:             getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			URL:              getEnv("REDIS_URL", ""),
			ProfileKeyPrefix: getEnv("REDIS_PROFILE_KEY_PREFIX", "device-usage:profile:"),
			ProcessKeyPrefix: getEnv("REDIS_PROCESS_KEY_PREFIX", "retryable-process:"),
			ProfileCacheTTL:  time.Duration(getEnvAsInt("REDIS_PROFILE_CACHE_TTL_SECONDS", 300)) * time.Second,
		},
		DeviceManager: DeviceManagerConfig{
			Protocol:    getEnv("DEVICE_MANAGER_API_PROTOCOL", "https"),
			Host:        getEnv("DEVICE_MANAGER_API_HOST", ""),
			Timeout:     time.Duration(getEnvAsInt("DEVICE_MANAGER_TIMEOUT_SECONDS", 10)) * time.Second,
			InsecureTLS: getEnvAsBool("DEVICE_MANAGER_INSECURE_TLS", false),
		},
		Usage: UsageConfig{
			StrictAppend:        getEnvAsBool("USAGE_STRICT_APPEND", false),
			AppendRetries:       getEnvAsInt("USAGE_APPEND_RETRIES", 3),
			UniquenessThreshold: getEnvAsFloat("USAGE_UNIQUENESS_THRESHOLD", 0.95),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if c.Storage.URL == "" {
			return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, c.Storage.Driver)
	}

	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if c.DeviceManager.Host == "" {
		return fmt.Errorf("DEVICE_MANAGER_API_HOST is required but not set in environment variables")
	}
	if c.Usage.AppendRetries < 0 {
		return fmt.Errorf("USAGE_APPEND_RETRIES must not be negative, got %d", c.Usage.AppendRetries)
	}
	if c.Usage.UniquenessThreshold <= 0 || c.Usage.UniquenessThreshold > 1 {
		return fmt.Errorf("USAGE_UNIQUENESS_THRESHOLD must be in (0, 1], got %v", c.Usage.UniquenessThreshold)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
