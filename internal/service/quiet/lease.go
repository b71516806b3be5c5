package quiet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease makes sure only one replica waits on a conversation at a time.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// NopLease always grants; used when the service runs as a single replica.
type NopLease struct{}

func (NopLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "local", true, nil
}

func (NopLease) Release(context.Context, string, string) error { return nil }

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease 基于 SET NX PX 的跨实例租约
type RedisLease struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLease 创建 Redis 租约
func NewRedisLease(client redis.UniversalClient, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "replydesk:quiet:"
	}
	return &RedisLease{client: client, prefix: prefix}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return token, ok, nil
}

func (l *RedisLease) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
