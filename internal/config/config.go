// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config holds configuration for the task runner services.
type Config struct {
	APIHost     string
	APIPort     int
	MetricsPort int
	LogLevel    string

	Database DatabaseConfig

	// BrokerURL is the task queue broker (e.g. redis://localhost:6379/0).
	// When empty, provisioning runs on an in-process worker pool instead.
	BrokerURL         string
	WorkerConcurrency int

	Kubernetes KubernetesConfig
	Google     GoogleCloudConfig

	// JobSynchronizationInterval is the reconciler tick interval.
	JobSynchronizationInterval time.Duration
	// JobBackoffLimit is applied to every cluster Job manifest.
	JobBackoffLimit int32
	// GCSFuseImage runs the input initializer and the cleanup container.
	GCSFuseImage string

	ShutdownDrainWait time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// KubernetesConfig holds cluster API connection settings.
type KubernetesConfig struct {
	// APIURL is the cluster API server. When empty, the client falls back to
	// kubeconfig and then in-cluster configuration.
	APIURL string
	APIKey string
	// Namespace must pre-exist; all managed objects are created in it.
	Namespace string
}

// GoogleCloudConfig holds object-store settings.
type GoogleCloudConfig struct {
	BucketName          string
	CredentialsFilePath string
}

// Load reads the full configuration from the environment.
func Load() *Config {
	return &Config{
		APIHost:     GetEnv("API_HOST", "0.0.0.0"),
		APIPort:     GetIntEnv("API_PORT", 4898),
		MetricsPort: GetIntEnv("METRICS_PORT", 9090),
		LogLevel:    GetEnv("LOG_LEVEL", "WARNING"),
		Database: DatabaseConfig{
			Host:     GetEnv("DATABASE_HOST", "localhost"),
			Port:     GetIntEnv("DATABASE_PORT", 5432),
			Name:     GetEnv("DATABASE_NAME", "taskrunner"),
			User:     GetEnv("DATABASE_USER", "taskrunner"),
			Password: GetEnv("DATABASE_PASSWORD", ""),
		},
		BrokerURL:         GetEnv("BROKER_URL", ""),
		WorkerConcurrency: GetIntEnv("WORKER_CONCURRENCY", 4),
		Kubernetes: KubernetesConfig{
			APIURL:    GetEnv("KUBERNETES_API_URL", ""),
			APIKey:    GetEnv("KUBERNETES_API_KEY", ""),
			Namespace: GetEnv("KUBERNETES_NAMESPACE", "default"),
		},
		Google: GoogleCloudConfig{
			BucketName:          GetEnv("GC_BUCKET_NAME", ""),
			CredentialsFilePath: GetEnv("GC_CREDENTIALS_FILE_PATH", ""),
		},
		JobSynchronizationInterval: GetDurationEnv("JOB_SYNCHRONIZATION_INTERVAL", 30*time.Second),
		JobBackoffLimit:            int32(GetIntEnv("JOB_BACKOFF_LIMIT", 0)),
		GCSFuseImage:               GetEnv("GCSFUSE_IMAGE", "gcsfuse/gcsfuse:latest"),
		ShutdownDrainWait:          GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// SlogLevel maps a LOG_LEVEL value onto a slog level.
// Unknown values fall back to warning, the service default.
func SlogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
