package leader_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aphrodite-engine/asyncserve/leader"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAcquireThenSecondAttemptFailsUntilReleased(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	l1, err := leader.Acquire(ctx, client, "leader-key", time.Second)
	require.NoError(t, err)

	_, err = leader.Acquire(ctx, client, "leader-key", time.Second)
	require.ErrorIs(t, err, leader.ErrNotAcquired)

	require.NoError(t, l1.Release(ctx))

	l2, err := leader.Acquire(ctx, client, "leader-key", time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestRenewLoopExtendsLeaseBeforeExpiry(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	l, err := leader.Acquire(ctx, client, "leader-key", 90*time.Millisecond)
	require.NoError(t, err)
	defer l.Release(ctx)

	time.Sleep(150 * time.Millisecond)

	ttl, err := client.PTTL(ctx, "leader-key").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
