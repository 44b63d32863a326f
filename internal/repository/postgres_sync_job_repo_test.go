package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/syncman/internal/model"
)

func TestPostgresSyncJobRepo_Ensure_UsesOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmockの生成に失敗: %v", err)
	}
	defer db.Close()

	next := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (category, resource_type) DO UPDATE SET")).
		WithArgs("ats", "job", "0 */8 * * *", next, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresSyncJobRepo(db).Ensure(context.Background(), &model.SyncJob{
		Key:            model.KeyATSJob,
		CronExpression: "0 */8 * * *",
		NextRunAt:      next,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Ensureがエラーを返しました: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("期待したクエリが実行されていません: %v", err)
	}
}

func TestPostgresSyncJobRepo_ClaimDue_AdvancesAndCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmockの生成に失敗: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 1, 1, 8, 0, 30, 0, time.UTC)
	due := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	next := time.Date(2026, 1, 1, 16, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{
			"category", "resource_type", "cron_expression", "next_run_at", "last_run_at", "updated_at",
		}).AddRow("ats", "job", "0 */8 * * *", due, nil, due))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sync_jobs SET next_run_at = $3")).
		WithArgs("ats", "job", next, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	jobs, err := NewPostgresSyncJobRepo(db).ClaimDue(context.Background(), now, func(job *model.SyncJob) (time.Time, error) {
		return next, nil
	})
	if err != nil {
		t.Fatalf("ClaimDueがエラーを返しました: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].Key != model.KeyATSJob {
		t.Errorf("Key = %v, want %v", jobs[0].Key, model.KeyATSJob)
	}
	if !jobs[0].NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", jobs[0].NextRunAt, next)
	}
	if jobs[0].LastRunAt == nil || !jobs[0].LastRunAt.Equal(now) {
		t.Errorf("LastRunAt = %v, want %v", jobs[0].LastRunAt, now)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("期待したクエリが実行されていません: %v", err)
	}
}

func TestPostgresSyncJobRepo_ClaimDue_NextErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmockの生成に失敗: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{
			"category", "resource_type", "cron_expression", "next_run_at", "last_run_at", "updated_at",
		}).AddRow("ats", "job", "not a cron", now, nil, now))
	mock.ExpectRollback()

	parseErr := errors.New("bad cron")
	_, err = NewPostgresSyncJobRepo(db).ClaimDue(context.Background(), now, func(job *model.SyncJob) (time.Time, error) {
		return time.Time{}, parseErr
	})
	if !errors.Is(err, parseErr) {
		t.Errorf("err = %v, want %v", err, parseErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("ロールバックされていません: %v", err)
	}
}

func TestTxManager_WithinTx_CommitAndRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmockの生成に失敗: %v", err)
	}
	defer db.Close()

	m := NewTxManager(db)

	mock.ExpectBegin()
	mock.ExpectCommit()
	if err := m.WithinTx(context.Background(), func(tx *sql.Tx) error { return nil }); err != nil {
		t.Fatalf("WithinTxがエラーを返しました: %v", err)
	}

	fnErr := errors.New("item failed")
	mock.ExpectBegin()
	mock.ExpectRollback()
	if err := m.WithinTx(context.Background(), func(tx *sql.Tx) error { return fnErr }); !errors.Is(err, fnErr) {
		t.Errorf("err = %v, want %v", err, fnErr)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("期待したトランザクション操作が実行されていません: %v", err)
	}
}
