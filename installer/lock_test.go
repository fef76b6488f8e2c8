package installer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstallLock_MutualExclusion(t *testing.T) {
	lock := NewInstallLock()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, lock.Acquire(context.Background()))
			defer lock.Release()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 16, counter)
}

func TestInstallLock_FIFOOrder(t *testing.T) {
	lock := NewInstallLock()
	require.NoError(t, lock.Acquire(context.Background()))

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, lock.Acquire(context.Background()))
			order <- n
			lock.Release()
		}(i)
		// Give each waiter time to enqueue before the next one starts.
		time.Sleep(25 * time.Millisecond)
	}

	lock.Release()
	wg.Wait()
	close(order)

	var got []int
	for n := range order {
		got = append(got, n)
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestInstallLock_CancelWhileWaiting(t *testing.T) {
	lock := NewInstallLock()
	require.NoError(t, lock.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- lock.Acquire(ctx)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The cancelled waiter must not consume the grant.
	lock.Release()
	require.NoError(t, lock.Acquire(context.Background()))
	lock.Release()
}

func TestInstallLock_AcquireWithExpiredContext(t *testing.T) {
	lock := NewInstallLock()
	require.NoError(t, lock.Acquire(context.Background()))
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, lock.Acquire(ctx), context.DeadlineExceeded)
}
