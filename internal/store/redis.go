package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "faceswap:doc:"

// RedisStore keeps each collection in a single redis string key, for
// deployments that want the shared state in an external key-value store
// instead of flock'd files. The whole-document contract is identical to
// FileStore; mutual exclusion of individual reads and writes comes from
// redis executing commands serially.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisStore(addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Read(ctx context.Context, collection string, defaultDoc, out any) error {
	data, err := s.client.Get(ctx, keyPrefix+collection).Bytes()
	if err == redis.Nil {
		return s.seed(ctx, collection, defaultDoc, out)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", collection, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("unparsable document, overwriting with default",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return s.seed(ctx, collection, defaultDoc, out)
	}

	return nil
}

func (s *RedisStore) seed(ctx context.Context, collection string, defaultDoc, out any) error {
	data, err := json.Marshal(defaultDoc)
	if err != nil {
		return fmt.Errorf("marshal default %s: %w", collection, err)
	}
	if err := s.client.Set(ctx, keyPrefix+collection, data, 0).Err(); err != nil {
		return fmt.Errorf("seed %s: %w", collection, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal default %s: %w", collection, err)
	}
	return nil
}

func (s *RedisStore) Write(ctx context.Context, collection string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", collection, err)
	}
	if err := s.client.Set(ctx, keyPrefix+collection, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", collection, err)
	}
	return nil
}
