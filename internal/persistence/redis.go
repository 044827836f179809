package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists snapshots as JSON documents in Redis, one key per
// research run.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore creates a store backed by the given Redis address. A zero
// ttl keeps snapshots until explicitly deleted.
func NewRedisStore(addr, password string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, logger: logger, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, ttl: ttl}
}

func (s *RedisStore) key(researchID string) string {
	return fmt.Sprintf("research:snapshot:%s", researchID)
}

// SaveSnapshot writes the snapshot document for its research id
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snap.ResearchID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("Saved snapshot",
		zap.String("research_id", snap.ResearchID),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// LoadSnapshot reads the snapshot document for a research id
func (s *RedisStore) LoadSnapshot(ctx context.Context, researchID string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(researchID)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, ErrSnapshotNotFound
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
