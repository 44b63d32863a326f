// Package schedule は定期同期のスケジューリングとタスクの並列実行を提供する。
// スケジュールはsync_jobsに永続化し、複数のワーカープロセスで同じ時刻を二重に処理しない。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/registry"
	"github.com/hitoshi/syncman/internal/repository"
)

// Clock は現在時刻の取得元。テストでは固定時刻に差し替える。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock は実時刻を返すClock。
var SystemClock Clock = systemClock{}

// Resolver はリソースキーから同期サービスを解決する。
type Resolver interface {
	Resolve(key model.ResourceKey) (registry.SyncService, error)
	Keys() []model.ResourceKey
}

// Catalog はカテゴリごとのプロバイダーとリソースごとのcron式を返す。
type Catalog interface {
	ProvidersFor(category model.Category) []string
	CronFor(key model.ResourceKey) string
}

// ErrQueueFull は一部のタスクをキューに積めなかったことを示す。積めなかったタスクは次回のトリガーで実行される。
var ErrQueueFull = errors.New("同期キューが満杯です")

// Scheduler はsync_jobsに従って同期をトリガーし、対象のLinkedUser × プロバイダーに展開する。
// トリガー処理はタスクを実行せず、Poolに積むだけにする。
type Scheduler struct {
	jobs     repository.SyncJobRepository
	scope    repository.ScopeRepository
	resolver Resolver
	catalog  Catalog
	pool     *Pool
	clock    Clock
	parser   cron.Parser
	logger   *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(
	jobs repository.SyncJobRepository,
	scope repository.ScopeRepository,
	resolver Resolver,
	catalog Catalog,
	pool *Pool,
	clock Clock,
	logger *slog.Logger,
) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{
		jobs:     jobs,
		scope:    scope,
		resolver: resolver,
		catalog:  catalog,
		pool:     pool,
		clock:    clock,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
	}
}

// NextRun はcron式から現在時刻より後の次回実行時刻を返す。
func (s *Scheduler) NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron式 %q が不正です: %w", expr, err)
	}
	return sched.Next(after), nil
}

// EnsureSchedule はリソースの定期同期を登録する。
// 同じキーの再登録は重複を作らず、cron式が変わった場合のみ次回実行時刻を更新する。
func (s *Scheduler) EnsureSchedule(ctx context.Context, key model.ResourceKey, expr string) error {
	now := s.clock.Now().UTC()
	next, err := s.NextRun(expr, now)
	if err != nil {
		return err
	}
	if err := s.jobs.Ensure(ctx, &model.SyncJob{
		Key:            key,
		CronExpression: expr,
		NextRunAt:      next,
		UpdatedAt:      now,
	}); err != nil {
		return err
	}
	s.logger.Info("定期同期を登録しました",
		slog.String("resource", key.String()),
		slog.String("cron", expr),
	)
	return nil
}

// EnsureAll は登録済みの全リソースの定期同期を登録する。
func (s *Scheduler) EnsureAll(ctx context.Context) error {
	for _, key := range s.resolver.Keys() {
		if err := s.EnsureSchedule(ctx, key, s.catalog.CronFor(key)); err != nil {
			return fmt.Errorf("%s の定期同期の登録に失敗しました: %w", key, err)
		}
	}
	return nil
}

// Start はinterval間隔で実行時刻を過ぎたスケジュールを確認する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.pool.maxConcurrency),
	)

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("同期トリガーの実行に失敗しました", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// Tick は実行時刻を過ぎたスケジュールを取得して次回実行時刻を進め、各リソースの同期を展開する。
// 戻り値は積んだタスク数。
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.jobs.ClaimDue(ctx, now, func(job *model.SyncJob) (time.Time, error) {
		return s.NextRun(job.CronExpression, now)
	})
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, job := range due {
		n, err := s.FanOut(ctx, job.Key, "")
		total += n
		if err != nil {
			s.logger.Error("同期の展開に失敗しました",
				slog.String("resource", job.Key.String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// FanOut はリソースの同期を全LinkedUser × カテゴリの全プロバイダーに展開してキューに積む。
// userIDを指定した場合はそのユーザー配下のLinkedUserに限定する。
func (s *Scheduler) FanOut(ctx context.Context, key model.ResourceKey, userID string) (int, error) {
	svc, err := s.resolver.Resolve(key)
	if err != nil {
		return 0, err
	}

	linkedUsers, err := s.scope.ListLinkedUsers(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("同期対象のLinkedUserの取得に失敗しました: %w", err)
	}
	providers := s.catalog.ProvidersFor(key.Category)

	enqueued, dropped := 0, 0
	for _, lu := range linkedUsers {
		for _, p := range providers {
			if s.pool.Submit(Task{Key: key, Provider: p, LinkedUserID: lu.ID, Service: svc}) {
				enqueued++
			} else {
				dropped++
			}
		}
	}

	s.logger.Info("同期を展開しました",
		slog.String("resource", key.String()),
		slog.Int("linked_users", len(linkedUsers)),
		slog.Int("providers", len(providers)),
		slog.Int("enqueued", enqueued),
		slog.Int("dropped", dropped),
	)
	if dropped > 0 {
		return enqueued, fmt.Errorf("%d 件: %w", dropped, ErrQueueFull)
	}
	return enqueued, nil
}

// TriggerNow はスケジュールを待たずにリソースの同期を展開する。
func (s *Scheduler) TriggerNow(ctx context.Context, key model.ResourceKey, userID string) (int, error) {
	s.logger.Info("手動同期を受け付けました",
		slog.String("resource", key.String()),
		slog.String("user_id", userID),
	)
	return s.FanOut(ctx, key, userID)
}
