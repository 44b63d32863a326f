package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript はトークンが一致する場合のみキーを削除する。
// 期限切れ後に別のワーカーが取得したロックを誤って解放しない。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker はRedisのSET NX PXを使用した分散ロック。
// 複数のワーカープロセスでPostgreSQLとは別にロックを管理する場合に使う。
type RedisLocker struct {
	client       *redis.Client
	keyPrefix    string
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker はRedisLockerを生成する。
// ttlはロックの最大保持時間で、タスクのタイムアウトより長くする。
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:       client,
		keyPrefix:    "syncman:lock:",
		ttl:          ttl,
		pollInterval: DefaultPollInterval,
	}
}

// Acquire はSET NXをtimeoutまで繰り返してロックを取得する。
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	redisKey := l.keyPrefix + key
	token := uuid.New().String()

	err := poll(ctx, key, timeout, l.pollInterval, func(ctx context.Context) (bool, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("Redisロックの取得に失敗しました: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return &redisLease{client: l.client, key: redisKey, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

// Release は自分のトークンが残っている場合のみロックを解放する。
func (l *redisLease) Release(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("Redisロックの解放に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Locker = (*RedisLocker)(nil)
