package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/registry"
)

// Task は1つの同期タスク。LinkedUser × プロバイダー × リソース種別の組。
type Task struct {
	Key          model.ResourceKey
	Provider     string
	LinkedUserID string
	Service      registry.SyncService
}

// QueueMetrics はキューの状態をメトリクスに反映する。
type QueueMetrics interface {
	SetSyncQueueDepth(n int)
	IncSyncTasksDropped()
}

// Pool は同期タスクの有界キューとワーカー群。
// semaphoreパターンで同時実行数を制限し、タスクごとに時間制限をかける。
type Pool struct {
	queue          chan Task
	maxConcurrency int
	timeout        time.Duration
	metrics        QueueMetrics
	logger         *slog.Logger
}

// NewPool はPoolを生成する。maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewPool(maxConcurrency, queueSize int, timeout time.Duration, metrics QueueMetrics, logger *slog.Logger) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		queue:          make(chan Task, queueSize),
		maxConcurrency: maxConcurrency,
		timeout:        timeout,
		metrics:        metrics,
		logger:         logger,
	}
}

// Submit はタスクをキューに積む。キューが満杯の場合はfalseを返し、タスクは次回のトリガーに回る。
func (p *Pool) Submit(t Task) bool {
	select {
	case p.queue <- t:
		p.reportDepth()
		return true
	default:
		if p.metrics != nil {
			p.metrics.IncSyncTasksDropped()
		}
		return false
	}
}

// Len はキューに積まれているタスク数を返す。
func (p *Pool) Len() int {
	return len(p.queue)
}

// Run はコンテキストがキャンセルされるまでキューのタスクを実行する。
// 終了時は実行中のタスクの完了を待つ。
func (p *Pool) Run(ctx context.Context) {
	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.reportDepth()
			select {
			case sem <- struct{}{}: // semaphore取得（ブロック）
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				defer func() { <-sem }() // semaphore解放
				p.execute(ctx, t)
			}(t)
		}
	}
}

// execute は1タスクを時間制限付きで実行する。
// タスクのパニックやエラーは記録のみ行い、他のタスクには影響させない。
func (p *Pool) execute(ctx context.Context, t Task) {
	log := p.logger.With(
		slog.String("resource", t.Key.String()),
		slog.String("provider", t.Provider),
		slog.String("linked_user_id", t.LinkedUserID),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("同期タスクでパニックが発生しました", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	tctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if _, err := t.Service.SyncForLinkedUser(tctx, t.Provider, t.LinkedUserID); err != nil {
		log.Warn("同期タスクが完了しませんでした", slog.String("error", err.Error()))
	}
}

func (p *Pool) reportDepth() {
	if p.metrics != nil {
		p.metrics.SetSyncQueueDepth(len(p.queue))
	}
}
