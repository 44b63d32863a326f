package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/syncman/internal/config"
	"github.com/hitoshi/syncman/internal/fieldmapping"
	"github.com/hitoshi/syncman/internal/ingest"
	"github.com/hitoshi/syncman/internal/lock"
	"github.com/hitoshi/syncman/internal/metrics"
	"github.com/hitoshi/syncman/internal/middleware"
	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/provider"
	"github.com/hitoshi/syncman/internal/registry"
	"github.com/hitoshi/syncman/internal/repository"
	"github.com/hitoshi/syncman/internal/resources"
	"github.com/hitoshi/syncman/internal/security"
	"github.com/hitoshi/syncman/internal/webhook"
	"github.com/hitoshi/syncman/internal/worker/schedule"
)

// syncStack はserveとworkerで共有する同期処理の依存関係。
type syncStack struct {
	registry   *registry.Registry
	scheduler  *schedule.Scheduler
	pool       *schedule.Pool
	collector  *metrics.Collector
	promReg    *prometheus.Registry
	guard      security.EgressGuard
	runs       repository.SyncRunRepository
	endpoints  repository.WebhookEndpointRepository
	deliveries repository.WebhookDeliveryRepository
	mappings   *fieldmapping.Store
	close      func() error
}

// buildSyncStack はリポジトリ・ロック・アダプタ・レジストリ・スケジューラを組み立てる。
// レジストリは登録完了後に凍結する。
func buildSyncStack(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*syncStack, error) {
	// 1. メトリクス
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg)

	// 2. ロック
	locker, closeLocker, err := newLocker(ctx, cfg, db)
	if err != nil {
		return nil, err
	}

	// 3. リポジトリ
	runs := repository.NewPostgresSyncRunRepo(db)
	endpoints := repository.NewPostgresWebhookEndpointRepo(db)
	deliveries := repository.NewPostgresWebhookDeliveryRepo(db)

	// 4. 同期サービスとアダプタ
	guard := security.NewEgressGuard()
	deps := ingest.Deps{
		Connections: repository.NewPostgresConnectionRepo(db),
		Locker:      locker,
		LockTimeout: cfg.SyncLockTimeout,
		Notifier:    webhook.NewNotifier(endpoints, deliveries),
		Recorder:    ingest.NewHistoryRecorder(runs, collector, logger),
		Logger:      logger,
	}
	services, err := resources.Build(resources.PostgresUnits(db), deps, newClientFactory(cfg, guard), security.NewFieldSanitizer())
	if err != nil {
		closeLocker()
		return nil, err
	}

	reg := registry.New()
	if err := services.Register(reg); err != nil {
		closeLocker()
		return nil, err
	}
	reg.Freeze()
	logAdapterCoverage(logger, cfg.Catalog, services.Adapters())

	// 5. スケジューラ
	pool := schedule.NewPool(cfg.SyncMaxConcurrent, cfg.SyncQueueSize, cfg.SyncTaskTimeout, collector, logger)
	scheduler := schedule.NewScheduler(
		repository.NewPostgresSyncJobRepo(db),
		repository.NewPostgresScopeRepo(db),
		reg, cfg.Catalog, pool, schedule.SystemClock, logger,
	)

	return &syncStack{
		registry:   reg,
		scheduler:  scheduler,
		pool:       pool,
		collector:  collector,
		promReg:    promReg,
		guard:      guard,
		runs:       runs,
		endpoints:  endpoints,
		deliveries: deliveries,
		mappings:   fieldmapping.New(repository.NewPostgresFieldMappingRepo(db)),
		close:      closeLocker,
	}, nil
}

// newLocker は設定に応じたロックバックエンドを生成する。
func newLocker(ctx context.Context, cfg *config.Config, db *sql.DB) (lock.Locker, func() error, error) {
	noop := func() error { return nil }
	switch cfg.LockBackend {
	case config.LockBackendMemory:
		slog.Warn("インメモリロックは単一プロセスでのみ有効です")
		return lock.NewMemoryLocker(), noop, nil
	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		// ロックはタスクの時間制限より長く保持できるようにする
		return lock.NewRedisLocker(client, cfg.SyncTaskTimeout+cfg.SyncLockTimeout), client.Close, nil
	default:
		return lock.NewPostgresLocker(db), noop, nil
	}
}

// newClientFactory はプロバイダーごとに独立したレート制限を持つClientを生成する関数を返す。
func newClientFactory(cfg *config.Config, guard security.EgressGuard) resources.ClientFactory {
	opts := provider.Options{
		Timeout:     cfg.ProviderTimeout,
		MaxBodySize: cfg.ProviderMaxSize,
		RateLimit:   cfg.ProviderRateLimit,
		Burst:       cfg.ProviderBurst,
	}
	return func(string) *provider.Client {
		return provider.NewClient(guard, opts)
	}
}

// adminTokens は設定の管理トークンを呼び出し元名の順に並べて返す。
func adminTokens(tokens map[string]string) []middleware.AdminToken {
	out := make([]middleware.AdminToken, 0, len(tokens))
	for caller, token := range tokens {
		out = append(out, middleware.AdminToken{Caller: caller, Token: token})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Caller < out[j].Caller })
	return out
}

// logAdapterCoverage はカタログに載っているがアダプタが未実装のプロバイダーを記録する。
// これらのプロバイダーの同期タスクは何もせずに完了する。
func logAdapterCoverage(logger *slog.Logger, catalog *config.Catalog, adapters map[model.ResourceKey][]string) {
	for key, implemented := range adapters {
		var missing []string
		for _, p := range catalog.ProvidersFor(key.Category) {
			found := false
			for _, a := range implemented {
				if a == p {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, p)
			}
		}
		logger.Info("同期サービスを登録しました",
			slog.String("resource", key.String()),
			slog.Any("adapters", implemented),
			slog.Any("catalog_only", missing),
		)
	}
}
