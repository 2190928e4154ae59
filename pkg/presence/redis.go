package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string        // key prefix, e.g. "pixelpeep:"
	TTL      time.Duration // expiry of every key, refreshed while the process runs
}

// Redis keys:
// {prefix}streamers                      SET<streamer_id>   - streamers registered somewhere
// {prefix}streamer:{id}                  STRING<unix time>  - heartbeat, expires with TTL
// {prefix}streamer:{id}:connections      HASH conn -> state - live connections of a streamer

// RedisStore implements Store on a redis server
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redis and checks the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, ttl: ttl}, nil
}

func (s *RedisStore) streamersKey() string {
	return s.prefix + "streamers"
}

func (s *RedisStore) streamerKey(id string) string {
	return fmt.Sprintf("%sstreamer:%s", s.prefix, id)
}

func (s *RedisStore) connectionsKey(id string) string {
	return fmt.Sprintf("%sstreamer:%s:connections", s.prefix, id)
}

func (s *RedisStore) StreamerUp(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.streamersKey(), id)
	pipe.Set(ctx, s.streamerKey(id), time.Now().Unix(), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) StreamerDown(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.streamersKey(), id)
	pipe.Del(ctx, s.streamerKey(id), s.connectionsKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetConnection(ctx context.Context, id, conn, state string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.connectionsKey(id), conn, state)
	pipe.Expire(ctx, s.connectionsKey(id), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemoveConnection(ctx context.Context, id, conn string) error {
	return s.client.HDel(ctx, s.connectionsKey(id), conn).Err()
}

// Refresh extends the expiry of every key of ids
func (s *RedisStore) Refresh(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, s.streamerKey(id), time.Now().Unix(), s.ttl)
		pipe.Expire(ctx, s.connectionsKey(id), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
