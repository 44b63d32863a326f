package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// PostgresLocker はPostgreSQLのセッションレベルのアドバイザリロックを使用する。
// ロック保持中は専用のコネクションを占有し、Releaseでアンロックしてプールに返す。
type PostgresLocker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresLocker はPostgresLockerを生成する。
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db, pollInterval: DefaultPollInterval}
}

// advisoryKey は文字列キーをpg_advisory_lock用のint64に変換する。
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire はpg_try_advisory_lockをtimeoutまで繰り返してロックを取得する。
func (l *PostgresLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("ロック用コネクションの取得に失敗しました: %w", err)
	}

	id := advisoryKey(key)
	err = poll(ctx, key, timeout, l.pollInterval, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
			return false, fmt.Errorf("アドバイザリロックの取得に失敗しました: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &postgresLease{conn: conn, id: id}, nil
}

type postgresLease struct {
	conn *sql.Conn
	id   int64
}

// Release はアドバイザリロックを解放してコネクションをプールに返す。
// 呼び出し元のcontextがキャンセル済みでもアンロックできるよう、独立したcontextを使う。
func (l *postgresLease) Release(ctx context.Context) error {
	defer l.conn.Close()

	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := l.conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, l.id); err != nil {
		return fmt.Errorf("アドバイザリロックの解放に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Locker = (*PostgresLocker)(nil)
