package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresSyncRunRepo はPostgreSQLを使用した同期実行履歴のリポジトリ。
type PostgresSyncRunRepo struct {
	db DBTX
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db DBTX) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

// Create は実行レポートを保存する。IDが空の場合は採番する。
// アイテムごとの結果は件数のみ保存する。
func (r *PostgresSyncRunRepo) Create(ctx context.Context, report *model.RunReport) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	var errMsg string
	if report.Err != nil {
		errMsg = report.Err.Error()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, category, resource_type, provider, linked_user_id, connection_id,
		                        status, created_count, updated_count, failed_count, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		report.ID, string(report.Key.Category), string(report.Key.ResourceType), report.Provider,
		report.LinkedUserID, nullString(report.ConnectionID), string(report.Status),
		report.Created, report.Updated, report.Failed, errMsg, report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("同期実行履歴の保存に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は開始日時の新しい順に実行履歴を返す。
func (r *PostgresSyncRunRepo) ListRecent(ctx context.Context, limit int) ([]*model.RunReport, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, category, resource_type, provider, linked_user_id, connection_id,
		        status, created_count, updated_count, failed_count, error, started_at, finished_at
		 FROM sync_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期実行履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var reports []*model.RunReport
	for rows.Next() {
		rep := &model.RunReport{}
		var category, resourceType, status, errMsg string
		var connectionID sql.NullString
		if err := rows.Scan(
			&rep.ID, &category, &resourceType, &rep.Provider, &rep.LinkedUserID, &connectionID,
			&status, &rep.Created, &rep.Updated, &rep.Failed, &errMsg, &rep.StartedAt, &rep.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("同期実行履歴の読み取りに失敗しました: %w", err)
		}
		rep.Key = model.ResourceKey{Category: model.Category(category), ResourceType: model.ResourceType(resourceType)}
		rep.ConnectionID = nullStringValue(connectionID)
		rep.Status = model.RunStatus(status)
		if errMsg != "" {
			rep.Err = errors.New(errMsg)
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期実行履歴の走査に失敗しました: %w", err)
	}
	return reports, nil
}

// compile-time interface check
var _ SyncRunRepository = (*PostgresSyncRunRepo)(nil)
