package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryTryAcquire(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	lease, err := r.TryAcquire(ctx, "a")
	require.NoError(t, err)

	_, err = r.TryAcquire(ctx, "a")
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	// 不同证书互不影响
	other, err := r.TryAcquire(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := r.TryAcquire(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
	assert.Zero(t, r.held(), "释放后回收槽位")
}

func TestMemoryRegistryAcquireQueues(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	first, err := r.TryAcquire(ctx, "a")
	require.NoError(t, err)

	acquired := make(chan Lease)
	go func() {
		l, err := r.Acquire(ctx, "a")
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("锁被占用时不应获得")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, first.Release(ctx))
	select {
	case l := <-acquired:
		require.NoError(t, l.Release(ctx))
	case <-time.After(time.Second):
		t.Fatal("释放后应获得锁")
	}
}

func TestMemoryRegistryAcquireCancelled(t *testing.T) {
	r := NewMemoryRegistry()
	held, err := r.TryAcquire(context.Background(), "a")
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, r.held(), "取消的等待者不占用槽位")
}

func TestMemoryRegistryReclaimsSlots(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	for i := 0; i < 100; i++ {
		lease, err := r.TryAcquire(ctx, fmt.Sprintf("cert-%d", i))
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))
	}
	assert.Zero(t, r.held())
}
