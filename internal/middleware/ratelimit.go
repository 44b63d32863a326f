package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 管理API全般のレート（req/sec）
	GeneralBurst    int           // 管理API全般のバーストサイズ
	ResyncRate      rate.Limit    // 手動同期のレート（req/sec）
	ResyncBurst     int           // 手動同期のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 管理API全般 120 req/min、手動同期 10 req/min（呼び出し元ごと）
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		ResyncRate:      rate.Limit(10.0 / 60.0),
		ResyncBurst:     10,
		CleanupInterval: 5 * time.Minute,
	}
}

// callerLimiter は呼び出し元ごとのレートリミッターとアクセス時刻を保持する。
type callerLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限の呼び出し元ごとのリミッター群。
type limiterSet struct {
	name     string
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*callerLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{name: name, limit: limit, burst: burst, limiters: make(map[string]*callerLimiter)}
}

func (s *limiterSet) get(caller string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cl, ok := s.limiters[caller]; ok {
		cl.lastAccess = now
		return cl.limiter
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters[caller] = &callerLimiter{limiter: l, lastAccess: now}
	return l
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *limiterSet) cleanup(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for caller, cl := range s.limiters {
		if cl.lastAccess.Before(cutoff) {
			delete(s.limiters, caller)
		}
	}
}

// middleware はコンテキストの呼び出し元ごとにレート制限するミドルウェアを返す。
// AdminAuthMiddlewareの後に配置する。
func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := CallerFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w)
				return
			}

			if !s.get(caller, time.Now()).Allow() {
				writeRateLimitResponse(w, s.limit)
				slog.Warn("rate limit exceeded",
					slog.String("caller", caller),
					slog.String("limit_type", s.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter は呼び出し元ごとのレート制限を管理する。
// 管理API全般と手動同期の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	resync  *limiterSet
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		resync:  newLimiterSet("resync", config.ResyncRate, config.ResyncBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は管理API全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// ResyncMiddleware は手動同期専用のレート制限ミドルウェアを返す。
// 管理API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) ResyncMiddleware() func(next http.Handler) http.Handler {
	return rl.resync.middleware()
}

// GeneralLimiterCount は現在管理されている管理API全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// ResyncLimiterCount は現在管理されている手動同期リミッターのエントリ数を返す。
func (rl *RateLimiter) ResyncLimiterCount() int {
	return rl.resync.len()
}

// cleanupLoop は定期的に期限切れのリミッターエントリを削除する。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(time.Now().Add(-rl.config.CleanupInterval))
		case <-rl.stopCh:
			return
		}
	}
}

// Cleanup はcutoffより前に最終アクセスしたエントリを削除する。
func (rl *RateLimiter) Cleanup(cutoff time.Time) {
	rl.general.cleanup(cutoff)
	rl.resync.cleanup(cutoff)
}

// rateLimitErrorBody はレート制限超過時のJSONレスポンスボディ。
type rateLimitErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeRateLimitResponse はレート制限超過時の429レスポンスを書き込む。
// Retry-Afterヘッダーにはトークン1つ分の回復時間（秒、切り上げ）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, limit rate.Limit) {
	retryAfter := 1
	if limit > 0 {
		retryAfter = int(math.Ceil(1.0 / float64(limit)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(rateLimitErrorBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエスト数が上限を超えました。",
		Category: "rate_limit",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
