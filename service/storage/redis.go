package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config for the shared TTL key-value store.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store wraps the shared store used for presence, the service registry
// and the presence_updates pub/sub channel. One Store is constructed at
// process start and injected everywhere; the underlying client pools
// connections and is safe for concurrent use.
type Store struct {
	rdb        *redis.Client
	instanceID string
}

func New(cfg Config, instanceID string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{rdb: rdb, instanceID: instanceID}, nil
}

func (s *Store) InstanceID() string { return s.instanceID }

func (s *Store) Close() error { return s.rdb.Close() }
