package ingest

import (
	"context"
	"log/slog"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/repository"
)

// MetricsRecorder は実行レポートをメトリクスに反映する。
type MetricsRecorder interface {
	ObserveSyncRun(report *model.RunReport)
}

// HistoryRecorder は実行レポートをsync_runsに保存し、メトリクスに反映する。
// スキップしたタスクはメトリクスのみに反映し、履歴には残さない。
type HistoryRecorder struct {
	runs    repository.SyncRunRepository
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewHistoryRecorder はHistoryRecorderを生成する。metricsはnilでもよい。
func NewHistoryRecorder(runs repository.SyncRunRepository, metrics MetricsRecorder, logger *slog.Logger) *HistoryRecorder {
	return &HistoryRecorder{runs: runs, metrics: metrics, logger: logger}
}

// RecordRun は実行レポートを記録する。
func (r *HistoryRecorder) RecordRun(ctx context.Context, report *model.RunReport) {
	if r.metrics != nil {
		r.metrics.ObserveSyncRun(report)
	}
	if report.Status == model.RunStatusSkipped {
		return
	}
	if err := r.runs.Create(ctx, report); err != nil {
		r.logger.Error("同期実行履歴の保存に失敗しました",
			slog.String("resource", report.Key.String()),
			slog.String("provider", report.Provider),
			slog.String("error", err.Error()),
		)
	}
}

var _ RunRecorder = (*HistoryRecorder)(nil)
