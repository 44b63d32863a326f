package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/syncman/internal/config"
	"github.com/hitoshi/syncman/internal/database"
	"github.com/hitoshi/syncman/internal/handler"
	"github.com/hitoshi/syncman/internal/logger"
	"github.com/hitoshi/syncman/internal/metrics"
	"github.com/hitoshi/syncman/internal/middleware"
	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/webhook"
	"github.com/hitoshi/syncman/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("lock_backend", cfg.LockBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe は管理APIサーバーモードで起動する。
// 手動同期はこのプロセスのワーカープールで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptionsForWorkers(cfg.SyncMaxConcurrent))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. 同期処理の組み立て
	stack, err := buildSyncStack(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer stack.close()

	// 3. ルーターの構築
	tokens := adminTokens(cfg.AdminTokens)
	if len(tokens) == 0 {
		slog.Warn("ADMIN_TOKENS が未設定のため管理APIは全てのリクエストを拒否します")
	}
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:           slog.Default(),
		AdminTokens:      tokens,
		RateLimiter:      rateLimiter,
		DB:               db,
		Metrics:          metrics.Handler(stack.promReg),
		Trigger:          stack.scheduler,
		Runs:             stack.runs,
		FieldMappings:    stack.mappings,
		Catalog:          cfg.Catalog,
		WebhookEndpoints: stack.endpoints,
		URLValidator:     stack.guard,
	})

	// 4. 手動同期用のワーカープールとHTTPサーバーの起動
	// プールはサーバーのシャットダウン完了まで受け付けたタスクを処理する
	return runUntilServed(context.WithoutCancel(ctx),
		func(context.Context) error { return serveHTTP(ctx, ":"+cfg.ServerPort, router) },
		stack.pool.Run,
	)
}

// runWorker はワーカーモードで起動する。
// 定期同期のスケジューラ、Webhook配信、コンパクションを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptionsForWorkers(cfg.SyncMaxConcurrent))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established (worker)")

	// 2. 同期処理の組み立てとスケジュール登録
	stack, err := buildSyncStack(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer stack.close()

	if err := stack.scheduler.EnsureAll(ctx); err != nil {
		return err
	}

	// 3. Webhook配信
	dispatcher := webhook.NewDispatcher(
		stack.deliveries,
		stack.guard.Client(cfg.WebhookTimeout),
		stack.guard,
		stack.collector,
		slog.Default(),
		webhook.DispatcherOptions{
			MaxAttempts: cfg.WebhookMaxAttempts,
			BatchSize:   cfg.WebhookBatchSize,
		},
	)

	// 4. コンパクションジョブ
	compaction := cleanup.NewCompactionJob(db, model.AllResourceKeys(), slog.Default())
	compaction.RunRetentionDays = cfg.RunRetentionDays

	slog.Info("worker starting",
		slog.Duration("scheduler_interval", cfg.SchedulerCheckInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
		slog.Duration("webhook_interval", cfg.WebhookInterval),
	)

	// ヘルスチェックとメトリクスのみを提供する
	probes := handler.NewProbeRouter(slog.Default(), db, metrics.Handler(stack.promReg))
	err = runUntilServed(ctx,
		func(ctx context.Context) error { return serveHTTP(ctx, ":"+cfg.ServerPort, probes) },
		stack.pool.Run,
		func(ctx context.Context) { dispatcher.Start(ctx, cfg.WebhookInterval) },
		// 起動直後に1回、以降は設定間隔で実行
		func(ctx context.Context) { compaction.Start(ctx, cfg.CompactionInterval) },
		func(ctx context.Context) { stack.scheduler.Start(ctx, cfg.SchedulerCheckInterval) },
	)
	slog.Info("worker stopped gracefully")
	return err
}

// runUntilServed はバックグラウンド処理を起動してからserveを実行する。
// serveが終了した時点で、成功・失敗にかかわらずバックグラウンド処理を停止して終了を待つ。
func runUntilServed(ctx context.Context, serve func(ctx context.Context) error, background ...func(ctx context.Context)) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, fn := range background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
		}()
	}

	err := serve(ctx)
	cancel()
	wg.Wait()
	return err
}

// serveHTTP はコンテキストがキャンセルされるまでHTTPサーバーを実行し、グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	v, err := database.Migrate(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(v.Version)),
		slog.Uint64("latest", uint64(v.Latest)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
