package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StableIDMap maps connection id to stable id to remote item id.
type StableIDMap map[string]map[string]string

// Lookup returns the remote item id published for a stable id.
func (m StableIDMap) Lookup(connectionID, mediaID string) (string, bool) {
	remoteID, ok := m[connectionID][mediaID]
	return remoteID, ok
}

// Store keeps the published map under one fixed record.
type Store interface {
	Load(ctx context.Context) (StableIDMap, error)
	Save(ctx context.Context, m StableIDMap) error
	Ping(ctx context.Context) error
}

// RecordKey is the single key the map is stored under.
const RecordKey = "tumblhook:stable-ids"

type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server at redisURL
// (redis://[user:password@]host:port/db).
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)

	return &RedisStore{client: client, key: RecordKey}, nil
}

// Load returns an empty map when nothing was published yet
func (s *RedisStore) Load(ctx context.Context) (StableIDMap, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return StableIDMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", s.key, err)
	}

	var m StableIDMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode stored map: %w", err)
	}
	return m, nil
}

// Save replaces the stored map
func (s *RedisStore) Save(ctx context.Context, m StableIDMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode map: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
