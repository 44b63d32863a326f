package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresSyncJobRepo はPostgreSQLを使用した定期同期スケジュールのリポジトリ。
type PostgresSyncJobRepo struct {
	db *sql.DB
}

// NewPostgresSyncJobRepo はPostgresSyncJobRepoを生成する。
func NewPostgresSyncJobRepo(db *sql.DB) *PostgresSyncJobRepo {
	return &PostgresSyncJobRepo{db: db}
}

// Ensure はスケジュールを冪等に登録する。
// 同じキーで再登録しても重複行は作られない。cron式が変わった場合のみnext_run_atを置き換える。
func (r *PostgresSyncJobRepo) Ensure(ctx context.Context, job *model.SyncJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (category, resource_type, cron_expression, next_run_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (category, resource_type) DO UPDATE SET
		    next_run_at = CASE
		        WHEN sync_jobs.cron_expression <> EXCLUDED.cron_expression THEN EXCLUDED.next_run_at
		        ELSE sync_jobs.next_run_at
		    END,
		    cron_expression = EXCLUDED.cron_expression,
		    updated_at = EXCLUDED.updated_at`,
		string(job.Key.Category), string(job.Key.ResourceType), job.CronExpression, job.NextRunAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期スケジュールの登録に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue はnext_run_at <= nowのスケジュールをFOR UPDATE SKIP LOCKEDで排他的に取得し、
// 次回実行時刻へ進めてからコミットする。複数のワーカープロセスが同じトリガーを二重に処理しない。
func (r *PostgresSyncJobRepo) ClaimDue(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT category, resource_type, cron_expression, next_run_at, last_run_at, updated_at
		 FROM sync_jobs
		 WHERE next_run_at <= $1
		 ORDER BY next_run_at ASC
		 FOR UPDATE SKIP LOCKED`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象スケジュールの取得に失敗しました: %w", err)
	}
	jobs, err := scanSyncJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		nextRunAt, err := next(job)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_jobs SET next_run_at = $3, last_run_at = $4, updated_at = $4
			 WHERE category = $1 AND resource_type = $2`,
			string(job.Key.Category), string(job.Key.ResourceType), nextRunAt, now,
		); err != nil {
			return nil, fmt.Errorf("同期スケジュールの更新に失敗しました: %w", err)
		}
		lastRunAt := now
		job.LastRunAt = &lastRunAt
		job.NextRunAt = nextRunAt
		job.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return jobs, nil
}

// List は全スケジュールを返す。
func (r *PostgresSyncJobRepo) List(ctx context.Context) ([]*model.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT category, resource_type, cron_expression, next_run_at, last_run_at, updated_at
		 FROM sync_jobs
		 ORDER BY category ASC, resource_type ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("同期スケジュール一覧の取得に失敗しました: %w", err)
	}
	return scanSyncJobs(rows)
}

func scanSyncJobs(rows *sql.Rows) ([]*model.SyncJob, error) {
	defer rows.Close()

	var jobs []*model.SyncJob
	for rows.Next() {
		job := &model.SyncJob{}
		var category, resourceType string
		var lastRunAt sql.NullTime
		if err := rows.Scan(&category, &resourceType, &job.CronExpression, &job.NextRunAt, &lastRunAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("同期スケジュールの読み取りに失敗しました: %w", err)
		}
		job.Key = model.ResourceKey{Category: model.Category(category), ResourceType: model.ResourceType(resourceType)}
		if lastRunAt.Valid {
			job.LastRunAt = &lastRunAt.Time
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期スケジュールの走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// compile-time interface check
var _ SyncJobRepository = (*PostgresSyncJobRepo)(nil)
