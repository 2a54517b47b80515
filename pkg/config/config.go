package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
)

// Config holds the configuration for the upload service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sessions SessionConfig  `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig selects the session store backend
type SessionConfig struct {
	Backend string `yaml:"backend"` // memory, redis, postgres
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Type        string `yaml:"type"` // local, s3
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	KeyPrefix   string `yaml:"key_prefix"`
	LocalPath   string `yaml:"local_path"`
	StagingPath string `yaml:"staging_path"`
}

// UploadConfig holds upload protocol settings
type UploadConfig struct {
	// MaxSize is the largest declared length accepted at creation.
	MaxSize int64 `yaml:"max_size"`
	// SessionTimeout is the inactivity window after which a session expires.
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// TombstoneRetention is how long an expired session record is kept so a
	// late client query gets a clear "expired" rather than "not found".
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	// FinalizeTimeout bounds the storage finalize call on completion.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

// NotifyConfig holds the metadata collaborator endpoint settings
type NotifyConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "uploadd"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "uploadd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Sessions: SessionConfig{
			Backend: getEnv("SESSION_BACKEND", "memory"),
		},
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "local"),
			Bucket:      getEnv("STORAGE_BUCKET", "uploadd-objects"),
			Region:      getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:    getEnv("STORAGE_ENDPOINT", ""),
			AccessKey:   getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:   getEnv("STORAGE_SECRET_KEY", ""),
			KeyPrefix:   getEnv("STORAGE_KEY_PREFIX", "uploads/"),
			LocalPath:   getEnv("STORAGE_LOCAL_PATH", "./objects"),
			StagingPath: getEnv("STORAGE_STAGING_PATH", "./staging"),
		},
		Upload: UploadConfig{
			MaxSize:            getEnvSize("UPLOAD_MAX_SIZE", 5*units.GiB),
			SessionTimeout:     getEnvDuration("UPLOAD_SESSION_TIMEOUT", 24*time.Hour),
			SweepInterval:      getEnvDuration("UPLOAD_SWEEP_INTERVAL", 5*time.Minute),
			TombstoneRetention: getEnvDuration("UPLOAD_TOMBSTONE_RETENTION", 24*time.Hour),
			FinalizeTimeout:    getEnvDuration("UPLOAD_FINALIZE_TIMEOUT", 2*time.Minute),
		},
		Notify: NotifyConfig{
			Endpoint: getEnv("NOTIFY_ENDPOINT", ""),
			Timeout:  getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
			RetryMax: getEnvInt("NOTIFY_RETRY_MAX", 4),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSize parses human-readable sizes such as "5GB" or "512MiB".
func getEnvSize(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if size, err := units.RAMInBytes(value); err == nil {
			return size
		}
	}
	return defaultValue
}
