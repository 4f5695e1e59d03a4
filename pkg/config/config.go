package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Pool    PoolConfig    `json:"pool"`
	Breaker BreakerConfig `json:"breaker"`
	Health  HealthConfig  `json:"health"`
	Convert ConvertConfig `json:"convert"`
	Redis   RedisConfig   `json:"redis"`
	Tracing TracingConfig `json:"tracing"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	MaxUploadMB  int64         `json:"max_upload_mb"`
}

// PoolConfig contains worker pool configuration
type PoolConfig struct {
	MaxWorkers       int           `json:"max_workers"`
	AcquireTimeout   time.Duration `json:"acquire_timeout"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	MaxRestarts      int           `json:"max_restarts"`
	RestartBackoff   time.Duration `json:"restart_backoff"`
	MaxWorkerErrors  int           `json:"max_worker_errors"`
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// HealthConfig contains health evaluation configuration
type HealthConfig struct {
	CheckInterval        time.Duration `json:"check_interval"`
	DegradeAfterRestarts int           `json:"degrade_after_restarts"`
	MaxCheckFailures     int           `json:"max_check_failures"`
}

// ConvertConfig contains image conversion configuration
type ConvertConfig struct {
	AvifencPath     string `json:"avifenc_path"`
	HeifConvertPath string `json:"heif_convert_path"`
	Quality         int    `json:"quality"`
	Speed           int    `json:"speed"`
	DegradedQuality int    `json:"degraded_quality"`
	DegradedSpeed   int    `json:"degraded_speed"`
	TempDir         string `json:"temp_dir"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 150*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			MaxUploadMB:  getEnvInt64("SERVER_MAX_UPLOAD_MB", 50),
		},
		Pool: PoolConfig{
			MaxWorkers:       getEnvInt("POOL_MAX_WORKERS", 4),
			AcquireTimeout:   getEnvDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
			ExecutionTimeout: getEnvDuration("POOL_EXECUTION_TIMEOUT", 120*time.Second),
			MaxRestarts:      getEnvInt("POOL_MAX_RESTARTS", 10),
			RestartBackoff:   getEnvDuration("POOL_RESTART_BACKOFF", 1*time.Second),
			MaxWorkerErrors:  getEnvInt("POOL_MAX_WORKER_ERRORS", 3),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		},
		Health: HealthConfig{
			CheckInterval:        getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
			DegradeAfterRestarts: getEnvInt("HEALTH_DEGRADE_AFTER_RESTARTS", 5),
			MaxCheckFailures:     getEnvInt("HEALTH_MAX_CHECK_FAILURES", 3),
		},
		Convert: ConvertConfig{
			AvifencPath:     getEnvString("CONVERT_AVIFENC_PATH", "avifenc"),
			HeifConvertPath: getEnvString("CONVERT_HEIF_CONVERT_PATH", "heif-convert"),
			Quality:         getEnvInt("CONVERT_QUALITY", 60),
			Speed:           getEnvInt("CONVERT_SPEED", 6),
			DegradedQuality: getEnvInt("CONVERT_DEGRADED_QUALITY", 40),
			DegradedSpeed:   getEnvInt("CONVERT_DEGRADED_SPEED", 9),
			TempDir:         getEnvString("CONVERT_TEMP_DIR", os.TempDir()),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool max workers must be positive")
	}

	if c.Pool.AcquireTimeout <= 0 || c.Pool.ExecutionTimeout <= 0 {
		return fmt.Errorf("pool timeouts must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}

	if c.Convert.Quality < 0 || c.Convert.Quality > 100 ||
		c.Convert.DegradedQuality < 0 || c.Convert.DegradedQuality > 100 {
		return fmt.Errorf("convert quality must be between 0 and 100")
	}

	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
