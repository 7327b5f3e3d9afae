package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBlacklist(t *testing.T) (*TokenBlacklist, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return NewTokenBlacklist(c), mr
}

func TestTokenBlacklist(t *testing.T) {
	bl, mr := setupBlacklist(t)
	ctx := context.Background()

	revoked, err := bl.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, bl.BlacklistToken(ctx, "tok", time.Minute))

	revoked, err = bl.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)

	revoked, err = bl.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestTokenBlacklist_ExpiredTokenIsNoop(t *testing.T) {
	bl, mr := setupBlacklist(t)

	require.NoError(t, bl.BlacklistToken(context.Background(), "old", 0))
	assert.False(t, mr.Exists("blacklist:old"))
}
