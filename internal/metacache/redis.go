// Package metacache stores runtime metadata in Redis so repeated runs can
// skip probing deployed runtimes.
package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tomwhite/lithops/internal/protocol"
)

const keyPrefix = "lithops:runtime:"

// Store caches protocol.Metadata under runtime storage keys.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and verifies the connection. A zero ttl keeps
// entries until the runtime is deleted.
func New(addr, password string, db int, ttl time.Duration, log *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect metadata cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{client: client, ttl: ttl, logger: log}, nil
}

// Get returns the metadata for key. ok is false on a miss.
func (s *Store) Get(ctx context.Context, key string) (meta protocol.Metadata, ok bool, err error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return protocol.Metadata{}, false, nil
	}
	if err != nil {
		return protocol.Metadata{}, false, fmt.Errorf("read runtime metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("discarding corrupt runtime metadata", "runtime_key", key, "error", err)
		return protocol.Metadata{}, false, nil
	}
	return meta, true, nil
}

// Put stores meta under key.
func (s *Store) Put(ctx context.Context, key string, meta protocol.Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode runtime metadata: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write runtime metadata: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete runtime metadata: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
