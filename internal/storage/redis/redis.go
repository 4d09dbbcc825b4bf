package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tabwatch/tabwatch/internal/config"
	"github.com/tabwatch/tabwatch/internal/storage"
)

// Store implements the storage.Store interface using Redis.
type Store struct {
	client *redis.Client
}

// Open creates a new Redis-backed storage instance.
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// OpenWithClient wraps an existing client. Used by tests with miniredis.
func OpenWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ticks returns the TickStore implementation.
func (s *Store) Ticks() storage.TickStore { return &tickStore{client: s.client} }

// Records returns the RecordStore implementation.
func (s *Store) Records() storage.RecordStore { return &recordStore{client: s.client} }

// Rules returns the RuleStore implementation.
func (s *Store) Rules() storage.RuleStore { return &ruleStore{client: s.client} }

// Whitelist returns the WhitelistStore implementation.
func (s *Store) Whitelist() storage.WhitelistStore { return &whitelistStore{client: s.client} }

// Meta returns the MetaStore implementation.
func (s *Store) Meta() storage.MetaStore { return &metaStore{client: s.client} }

// Legacy returns the LegacyStore implementation.
func (s *Store) Legacy() storage.LegacyStore { return &legacyStore{client: s.client} }
