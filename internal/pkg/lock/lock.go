// Package lock provides keyed mutual exclusion for balance operations.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the timeout period.
var ErrLockTimeout = errors.New("lock acquisition timeout")

// keyMutex wraps a mutex with reference counting so idle entries can be dropped.
type keyMutex struct {
	mu       sync.Mutex
	refCount int
}

// KeyLock serialises work per string key (a user id, or a user+cycle pair).
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyMutex)}
}

// acquire returns the mutex for key and registers interest in it.
func (kl *KeyLock) acquire(key string) *keyMutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m, ok := kl.locks[key]
	if !ok {
		m = &keyMutex{}
		kl.locks[key] = m
	}
	m.refCount++
	return m
}

// release drops interest in key and forgets the mutex once nobody holds or waits on it.
func (kl *KeyLock) release(key string, m *keyMutex) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m.refCount--
	if m.refCount == 0 {
		delete(kl.locks, key)
	}
}

// lockWithin waits for the mutex of key until timeout or ctx cancellation.
func (kl *KeyLock) lockWithin(ctx context.Context, key string, timeout time.Duration) (*keyMutex, bool) {
	m := kl.acquire(key)

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return m, true
	case <-timeoutCtx.Done():
		// The waiting goroutine still gets the mutex eventually; hand it straight back
		go func() {
			<-done
			m.mu.Unlock()
			kl.release(key, m)
		}()
		return nil, false
	}
}

// WithLockContext runs fn while holding the lock for key. It gives up with
// ErrLockTimeout after timeout, or with ctx's error once ctx is done.
func (kl *KeyLock) WithLockContext(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	m, ok := kl.lockWithin(ctx, key, timeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer func() {
		m.mu.Unlock()
		kl.release(key, m)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
