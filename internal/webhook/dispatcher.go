package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/repository"
)

// URLValidator は送信先URLを検証する。
type URLValidator interface {
	Validate(rawURL string) error
}

// MetricsRecorder は配信結果をメトリクスに反映する。
type MetricsRecorder interface {
	ObserveWebhookDelivery(status string)
}

// DispatcherOptions はDispatcherの設定。
type DispatcherOptions struct {
	MaxAttempts    int
	BatchSize      int
	MaxConcurrency int
	// Lease は取得した配信を他のワーカーから隠す時間。送信タイムアウトより長くする。
	Lease time.Duration
}

// Dispatcher はアウトボックスの配信を送信する。
// 送信に失敗した配信は指数バックオフで再送し、上限回数に達したら失敗で確定する。
type Dispatcher struct {
	repo      repository.WebhookDeliveryRepository
	client    *http.Client
	validator URLValidator
	metrics   MetricsRecorder
	logger    *slog.Logger
	opts      DispatcherOptions
	now       func() time.Time
}

// NewDispatcher はDispatcherを生成する。metricsはnilでもよい。
func NewDispatcher(
	repo repository.WebhookDeliveryRepository,
	client *http.Client,
	validator URLValidator,
	metrics MetricsRecorder,
	logger *slog.Logger,
	opts DispatcherOptions,
) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	return &Dispatcher{
		repo:      repo,
		client:    client,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Start はinterval間隔で配信を実行する。コンテキストがキャンセルされるまで継続する。
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("Webhook配信ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", d.opts.BatchSize),
	)

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Webhook配信サイクルの実行に失敗しました", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("Webhook配信ワーカーを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce は送信時刻を過ぎた配信を1バッチ分送信し、処理件数を返す。
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	deliveries, err := d.repo.ClaimDue(ctx, d.now().UTC(), d.opts.BatchSize, d.opts.Lease)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, d.opts.MaxConcurrency)
	var wg sync.WaitGroup
	for _, dl := range deliveries {
		wg.Add(1)
		sem <- struct{}{}
		go func(dl *model.WebhookDelivery) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, dl)
		}(dl)
	}
	wg.Wait()
	return len(deliveries), nil
}

// deliver は1件を送信し、結果に応じて状態を更新する。
func (d *Dispatcher) deliver(ctx context.Context, dl *model.WebhookDelivery) {
	attempts := dl.Attempts + 1
	log := d.logger.With(
		slog.String("delivery_id", dl.ID),
		slog.String("endpoint_id", dl.EndpointID),
		slog.String("event", dl.Event),
		slog.Int("attempts", attempts),
	)

	if err := d.validator.Validate(dl.URL); err != nil {
		// 送信先が不正な場合は再送しても成功しない
		log.Warn("Webhook送信先が不正なため配信を中止しました", slog.String("error", err.Error()))
		d.markFailed(ctx, log, dl.ID, attempts, err.Error())
		return
	}

	status, err := d.post(ctx, dl)
	switch {
	case err == nil:
		if err := d.repo.MarkDelivered(ctx, dl.ID, attempts); err != nil {
			log.Error("Webhook配信状態の更新に失敗しました", slog.String("error", err.Error()))
		}
		d.observe("delivered")
		log.Info("Webhookを配信しました", slog.Int("http_status", status))
	case status == http.StatusGone:
		log.Warn("購読先が存在しないため配信を中止しました", slog.Int("http_status", status))
		d.markFailed(ctx, log, dl.ID, attempts, err.Error())
	case attempts >= d.opts.MaxAttempts:
		log.Warn("再送上限に達したため配信を中止しました", slog.String("error", err.Error()))
		d.markFailed(ctx, log, dl.ID, attempts, err.Error())
	default:
		next := d.now().UTC().Add(CalculateBackoff(attempts))
		if err := d.repo.MarkRetry(ctx, dl.ID, attempts, next, err.Error()); err != nil {
			log.Error("Webhook配信状態の更新に失敗しました", slog.String("error", err.Error()))
		}
		d.observe("retry")
		log.Warn("Webhook配信に失敗したため再送します",
			slog.String("error", err.Error()),
			slog.Time("next_retry_at", next),
		)
	}
}

func (d *Dispatcher) post(ctx context.Context, dl *model.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		return 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Syncman-Webhook/1.0")
	req.Header.Set("X-Syncman-Event", dl.Event)
	req.Header.Set("X-Syncman-Delivery", dl.ID)
	req.Header.Set(SignatureHeader, Sign(dl.Secret, d.now(), dl.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()
	// コネクション再利用のため本文を読み捨てる
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, log *slog.Logger, id string, attempts int, reason string) {
	if err := d.repo.MarkFailed(ctx, id, attempts, reason); err != nil {
		log.Error("Webhook配信状態の更新に失敗しました", slog.String("error", err.Error()))
	}
	d.observe("failed")
}

func (d *Dispatcher) observe(status string) {
	if d.metrics != nil {
		d.metrics.ObserveWebhookDelivery(status)
	}
}
