package tokens_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-inventory/internal/tokens"
)

func TestRedisRevocations(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rev := tokens.NewRedisRevocations(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	revoked, err := rev.IsRevoked(ctx, "cam-1", "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, rev.Revoke(ctx, "cam-1", "jti-1", time.Minute))
	revoked, _ = rev.IsRevoked(ctx, "cam-1", "jti-1")
	assert.True(t, revoked)

	revoked, _ = rev.IsRevoked(ctx, "cam-2", "jti-1")
	assert.False(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, _ = rev.IsRevoked(ctx, "cam-1", "jti-1")
	assert.False(t, revoked)
}
