package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaz8081/blexfer/internal/ble"
)

// SessionStore mirrors which gateway holds which endpoint.
type SessionStore interface {
	Register(ctx context.Context, id ble.EndpointID, value string, ttl time.Duration) error
	Unregister(ctx context.Context, id ble.EndpointID) error
	// Touch extends the expiry of a registered endpoint.
	Touch(ctx context.Context, id ble.EndpointID, ttl time.Duration) error
}

// RedisStore keeps one expiring key per endpoint.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// EndpointKey returns the Redis key for id.
func EndpointKey(id ble.EndpointID) string {
	return "ble:endpoint:" + string(id)
}

func (s *RedisStore) Register(ctx context.Context, id ble.EndpointID, value string, ttl time.Duration) error {
	return s.client.Set(ctx, EndpointKey(id), value, ttl).Err()
}

func (s *RedisStore) Unregister(ctx context.Context, id ble.EndpointID) error {
	return s.client.Del(ctx, EndpointKey(id)).Err()
}

func (s *RedisStore) Touch(ctx context.Context, id ble.EndpointID, ttl time.Duration) error {
	return s.client.Expire(ctx, EndpointKey(id), ttl).Err()
}
