// Package cleanup は同期データのコンパクションジョブを提供する。
// 保持期間を超過した同期履歴と、参照先のレコードが存在しない
// remote_data・field_mapping_values を定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/syncman/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Result は1回のコンパクションで削除した件数。
type Result struct {
	SyncRuns      int64
	RemoteData    int64
	FieldMappings int64
}

// CompactionJob は同期データのコンパクションジョブ。
// 同期処理はレコードを削除しないため、接続の削除でCASCADEされたレコードの付随データはここで掃除する。
type CompactionJob struct {
	db               Executor
	logger           *slog.Logger
	keys             []model.ResourceKey
	RunRetentionDays int // 同期履歴の保持日数（デフォルト: 30）
}

// NewCompactionJob は新しいCompactionJobを生成する。
// keysは付随データを掃除する対象のリソース。
func NewCompactionJob(db Executor, keys []model.ResourceKey, logger *slog.Logger) *CompactionJob {
	return &CompactionJob{
		db:               db,
		logger:           logger,
		keys:             keys,
		RunRetentionDays: 30,
	}
}

// Run はコンパクションを1回実行する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CompactionJob) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	interval := fmt.Sprintf("%d days", j.RunRetentionDays)
	n, err := j.exec(ctx, "sync_runs", `DELETE FROM sync_runs WHERE started_at < now() - $1::interval`, interval)
	if err != nil {
		return nil, err
	}
	res.SyncRuns = n

	for _, key := range j.keys {
		n, err := j.exec(ctx, "remote_data", fmt.Sprintf(
			`DELETE FROM remote_data rd
			 WHERE rd.category = $1 AND rd.resource_type = $2
			   AND NOT EXISTS (SELECT 1 FROM %s r WHERE r.id = rd.id_record)`, key.TableName()),
			string(key.Category), string(key.ResourceType))
		if err != nil {
			return nil, err
		}
		res.RemoteData += n

		n, err = j.exec(ctx, "field_mapping_values", fmt.Sprintf(
			`DELETE FROM field_mapping_values v
			 USING field_mapping_definitions d
			 WHERE v.id_definition = d.id
			   AND d.category = $1 AND d.resource_type = $2
			   AND NOT EXISTS (SELECT 1 FROM %s r WHERE r.id = v.id_record)`, key.TableName()),
			string(key.Category), string(key.ResourceType))
		if err != nil {
			return nil, err
		}
		res.FieldMappings += n
	}

	j.logger.Info("コンパクションジョブが完了しました",
		slog.Int64("deleted_sync_runs", res.SyncRuns),
		slog.Int64("deleted_remote_data", res.RemoteData),
		slog.Int64("deleted_field_mapping_values", res.FieldMappings),
		slog.Int("retention_days", j.RunRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// Start は起動直後に1回、以降interval間隔でコンパクションを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CompactionJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// 失敗はRun内で記録済み。次回の実行で再試行する。
		_, _ = j.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *CompactionJob) exec(ctx context.Context, target, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		j.logger.Error("コンパクションジョブの実行に失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%s のコンパクションに失敗: %w", target, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}
