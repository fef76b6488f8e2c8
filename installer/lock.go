package installer

import (
	"context"
	"sync"
)

// InstallLock serializes every registry-mutating operation in the plugin
// subsystem. Waiters are granted the lock strictly in acquisition order.
// Install operations are infrequent administrative actions, so a single
// process-wide queue trades parallelism for correctness.
type InstallLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// NewInstallLock creates an unheld lock.
func NewInstallLock() *InstallLock {
	return &InstallLock{}
}

// Acquire blocks until the lock is granted or ctx is done. Waiters are
// served FIFO.
func (l *InstallLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}

	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		// The grant may have raced with cancellation; if ownership was
		// already handed to us, pass it on instead of leaking it.
		select {
		case <-grant:
			l.releaseLocked()
			l.mu.Unlock()
			return ctx.Err()
		default:
		}
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release hands the lock to the oldest waiter, or marks it free.
// Callers must pair every successful Acquire with exactly one Release,
// typically via defer.
func (l *InstallLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *InstallLock) releaseLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}
