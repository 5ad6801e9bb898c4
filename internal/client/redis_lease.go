package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ConnectRedis initializes a Redis client from a URL or host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisLease is a single-holder lease with a TTL so only one replica sweeps
// per tick.
type RedisLease struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

// NewRedisLease creates a lease stored under key.
func NewRedisLease(client *redis.Client, key string, log *logger.Logger) *RedisLease {
	return &RedisLease{client: client, key: key, log: logger.OrNop(log)}
}

// TryAcquire sets the lease when nobody holds it. The returned release
// function removes it if it is still ours.
func (l *RedisLease) TryAcquire(ctx context.Context, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.log.Warn().Err(err).Str("lease", l.key).Msg("Failed to release lease")
		}
	}
	return release, true, nil
}
