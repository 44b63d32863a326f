// Package lock は(接続, リソース種別)単位の排他ロックを提供する。
// 同じ接続・リソースの同期タスクが同時に書き込まないようにする。
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/syncman/internal/model"
)

// DefaultPollInterval はロック取得を再試行する間隔。
const DefaultPollInterval = 200 * time.Millisecond

// Locker はキー単位の排他ロックを取得する。
type Locker interface {
	// Acquire はキーのロックを取得する。timeout以内に取得できない場合は*model.LockContentionErrorを返す。
	Acquire(ctx context.Context, key string, timeout time.Duration) (Lease, error)
}

// Lease は取得済みのロック。Releaseは1回だけ呼び出す。
type Lease interface {
	Release(ctx context.Context) error
}

// SyncKey は同期タスクのロックキーを返す。
func SyncKey(connectionID string, key model.ResourceKey) string {
	return fmt.Sprintf("sync:%s:%s", connectionID, key)
}

// poll はtryが成功するまでinterval間隔で再試行する。
// timeoutを過ぎた場合は*model.LockContentionErrorを返す。
func poll(ctx context.Context, key string, timeout, interval time.Duration, try func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &model.LockContentionError{LockKey: key, Waited: time.Since(start)}
		case <-ticker.C:
		}
	}
}
