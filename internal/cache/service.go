package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avifpress/avifpress/pkg/logging"
	"github.com/avifpress/avifpress/pkg/metrics"
)

// Config holds cache configuration
type Config struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	PoolSize int           `json:"pool_size"`
	TTL      time.Duration `json:"ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
		TTL:      24 * time.Hour,
	}
}

// Service provides Redis-backed caching of conversion results
type Service struct {
	client  *redis.Client
	config  *Config
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewService creates a new cache service and verifies connectivity
func NewService(config *Config, m *metrics.Metrics) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return &Service{
		client:  client,
		config:  config,
		logger:  logging.GetLogger(),
		metrics: m,
	}, nil
}

// HealthCheck verifies the Redis connection
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Service) Close() error {
	return s.client.Close()
}

func (s *Service) recordOperation(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(operation, outcome)
	}
}
