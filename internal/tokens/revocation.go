package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations tracks device tokens withdrawn before expiry.
type Revocations interface {
	IsRevoked(ctx context.Context, deviceID, jti string) (bool, error)
	Revoke(ctx context.Context, deviceID, jti string, ttl time.Duration) error
}

type RedisRevocations struct {
	client *redis.Client
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func revokedKey(deviceID, jti string) string {
	return fmt.Sprintf("inv:revoked:%s:%s", deviceID, jti)
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, deviceID, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, revokedKey(deviceID, jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Revoke blocks a token until ttl passes; ttl should cover the token's
// remaining lifetime.
func (r *RedisRevocations) Revoke(ctx context.Context, deviceID, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, revokedKey(deviceID, jti), "revoked", ttl).Err()
}
