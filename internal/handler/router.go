// Package handler は運用向け管理APIのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/syncman/internal/middleware"
)

// Pinger はヘルスチェックでデータベースの疎通を確認するインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	AdminTokens []middleware.AdminToken
	RateLimiter *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	DB      Pinger
	Metrics http.Handler

	// 同期
	Trigger SyncTrigger
	Runs    RunLister

	// カスタムフィールド
	FieldMappings FieldMappingDefiner
	Catalog       ProviderCatalog

	// Webhook
	WebhookEndpoints WebhookEndpointCreator
	URLValidator     URLValidator
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → AdminAuth → RateLimit(General)
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	mountProbes(r, deps.DB, deps.Metrics)

	admin := NewAdminHandler(deps)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminTokens))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// POST /admin/sync/{category}/{resource} - 手動同期（専用レート制限を追加）
		r.With(deps.RateLimiter.ResyncMiddleware()).Post("/sync/{category}/{resource}", admin.Resync)
		r.Get("/runs", admin.ListRuns)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/field-mappings", admin.DefineFieldMapping)
			r.Post("/webhooks", admin.CreateWebhookEndpoint)
		})
	})

	return r
}

// NewProbeRouter は /health と /metrics のみを提供するルーターを返す。
// 管理APIを持たないワーカープロセスで使用する。
func NewProbeRouter(logger *slog.Logger, db Pinger, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	mountProbes(r, db, metrics)
	return r
}

func mountProbes(r chi.Router, db Pinger, metrics http.Handler) {
	r.Get("/health", healthHandler(db))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
}

// healthHandler はデータベースへの疎通を確認し、結果を返す。
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
