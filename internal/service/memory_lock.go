package service

import (
	"context"
	"sync"

	"adventure-server/internal/interfaces"
)

// MemoryLocker is the in-process SessionLocker used when no Redis is configured.
// It only serialises work inside one instance.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem     chan struct{}
	waiters int
}

var _ interfaces.SessionLocker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.waiters++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.sem
	}
	l.mu.Lock()
	kl.waiters--
	if kl.waiters == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
