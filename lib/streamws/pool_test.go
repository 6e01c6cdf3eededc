package streamws

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, opts PoolOptions) *Pool {
	url := startServer(t, consume)
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context) (*Session, error) {
			sess := NewSession(Config{URL: url})
			err := sess.Open(ctx, OpenOptions{MaxRetries: 1})
			if err != nil {
				return nil, err
			}
			return sess, nil
		}
	}
	pool := NewPool(Config{URL: url}, opts)
	t.Cleanup(pool.CloseAll)
	return pool
}

func TestPoolLeaseReuse(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 2})
	ctx := context.Background()

	first, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, 1, pool.Size())

	pool.Release(first)
	again, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, 1, pool.Size())
}

func TestPoolExhaustion(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 2})
	ctx := context.Background()

	first, err := pool.Lease(ctx)
	require.NoError(t, err)
	second, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	// both sessions are leased and the pool is at capacity
	third, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.Nil(t, third)

	pool.Release(second)
	fourth, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.Same(t, second, fourth)
}

func TestPoolEvictsDeadSessions(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 1})
	ctx := context.Background()

	first, err := pool.Lease(ctx)
	require.NoError(t, err)
	pool.Release(first)
	first.Close()

	// the dead idle session is evicted and replaced within capacity
	second, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.True(t, second.IsAlive())
	require.Equal(t, 1, pool.Size())
}

func TestPoolIdleTTL(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 1, IdleTTL: time.Millisecond * 50})
	ctx := context.Background()

	first, err := pool.Lease(ctx)
	require.NoError(t, err)
	pool.Release(first)

	time.Sleep(time.Millisecond * 100)

	second, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.False(t, first.IsAlive())
}

func TestPoolSweepExpired(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 2, IdleTTL: time.Millisecond * 50})
	ctx := context.Background()

	idle, err := pool.Lease(ctx)
	require.NoError(t, err)
	leased, err := pool.Lease(ctx)
	require.NoError(t, err)
	pool.Release(idle)

	time.Sleep(time.Millisecond * 100)
	pool.SweepExpired()

	// only the idle session is swept, the leased one stays managed
	require.Equal(t, 1, pool.Size())
	require.False(t, idle.IsAlive())
	require.True(t, leased.IsAlive())
}

func TestPoolReleaseUnknownSession(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 1})
	pool.Release(NewSession(Config{URL: "ws://unused"}))
	require.Equal(t, 0, pool.Size())
}

func TestPoolDialFailure(t *testing.T) {
	pool := testPool(t, PoolOptions{
		Capacity: 1,
		Dial: func(ctx context.Context) (*Session, error) {
			return nil, fmt.Errorf("no route")
		},
	})
	sess, err := pool.Lease(context.Background())
	require.Error(t, err)
	require.Nil(t, sess)
	require.Equal(t, 0, pool.Size())
}

func TestPoolCloseAll(t *testing.T) {
	pool := testPool(t, PoolOptions{Capacity: 2})
	ctx := context.Background()

	first, err := pool.Lease(ctx)
	require.NoError(t, err)
	second, err := pool.Lease(ctx)
	require.NoError(t, err)

	pool.CloseAll()
	require.Equal(t, 0, pool.Size())
	require.False(t, first.IsAlive())
	require.False(t, second.IsAlive())
}
