package orchestrator

import (
	"context"
	"sync"
	"time"
)

// keyLocks serializes replies per conversation key. Entries are created on
// demand and dropped by evictIdle once nobody holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	now   func() time.Time
}

type keyLock struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

func newKeyLocks(now func() time.Time) *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock), now: now}
}

// acquire blocks until key is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		kl.refs--
		kl.lastUsed = l.now()
		l.mu.Unlock()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.mu.Lock()
			kl.refs--
			kl.lastUsed = l.now()
			l.mu.Unlock()
		})
	}, nil
}

// evictIdle removes unreferenced locks unused for longer than idle.
func (l *keyLocks) evictIdle(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	evicted := 0
	for key, kl := range l.locks {
		if kl.refs > 0 || kl.lastUsed.After(cutoff) {
			continue
		}
		delete(l.locks, key)
		evicted++
	}
	return evicted
}

func (l *keyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
