package lock

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/syncman/internal/model"
)

// MemoryLocker は単一プロセス内で完結するロック。
// ワーカーを1プロセスで動かす場合とテストで使用する。
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker はMemoryLockerを生成する。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire はキーのロックを取得する。
func (l *MemoryLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	ch := l.slot(key)
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &model.LockContentionError{LockKey: key, Waited: time.Since(start)}
	}
}

type memoryLease struct {
	once sync.Once
	ch   chan struct{}
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}

// compile-time interface check
var _ Locker = (*MemoryLocker)(nil)
