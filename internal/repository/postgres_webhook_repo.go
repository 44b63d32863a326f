package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresWebhookEndpointRepo はPostgreSQLを使用したWebhook購読先のリポジトリ。
type PostgresWebhookEndpointRepo struct {
	db DBTX
}

// NewPostgresWebhookEndpointRepo はPostgresWebhookEndpointRepoを生成する。
func NewPostgresWebhookEndpointRepo(db DBTX) *PostgresWebhookEndpointRepo {
	return &PostgresWebhookEndpointRepo{db: db}
}

// ListActiveByProject はプロジェクトの有効な購読先を返す。
func (r *PostgresWebhookEndpointRepo) ListActiveByProject(ctx context.Context, projectID string) ([]*model.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, url, secret, events, active
		 FROM webhook_endpoints
		 WHERE project_id = $1 AND active
		 ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("Webhook購読先の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var endpoints []*model.WebhookEndpoint
	for rows.Next() {
		e := &model.WebhookEndpoint{}
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.URL, &e.Secret, pq.Array(&e.Events), &e.Active); err != nil {
			return nil, fmt.Errorf("Webhook購読先の読み取りに失敗しました: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Webhook購読先の走査に失敗しました: %w", err)
	}
	return endpoints, nil
}

// Create は購読先を登録する。IDが空の場合は採番する。
func (r *PostgresWebhookEndpointRepo) Create(ctx context.Context, e *model.WebhookEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, project_id, url, secret, events, active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ProjectID, e.URL, e.Secret, pq.Array(nonNilStrings(e.Events)), e.Active,
	)
	if err != nil {
		return fmt.Errorf("Webhook購読先の登録に失敗しました: %w", err)
	}
	return nil
}

// PostgresWebhookDeliveryRepo はPostgreSQLを使用したWebhook配信アウトボックスのリポジトリ。
type PostgresWebhookDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresWebhookDeliveryRepo はPostgresWebhookDeliveryRepoを生成する。
func NewPostgresWebhookDeliveryRepo(db *sql.DB) *PostgresWebhookDeliveryRepo {
	return &PostgresWebhookDeliveryRepo{db: db}
}

// Enqueue は配信を1トランザクションでまとめて積む。
func (r *PostgresWebhookDeliveryRepo) Enqueue(ctx context.Context, deliveries []*model.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deliveries {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.Status == "" {
			d.Status = model.DeliveryPending
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_deliveries (id, endpoint_id, event, payload, status, attempts, next_retry_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			d.ID, d.EndpointID, d.Event, []byte(d.Payload), string(d.Status), d.Attempts, d.NextRetryAt, d.CreatedAt,
		); err != nil {
			return fmt.Errorf("Webhook配信の登録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ClaimDue は送信時刻を過ぎた未送信の配信をFOR UPDATE SKIP LOCKEDで取得し、
// next_retry_atをleaseだけ先送りしてからコミットする。送信中にプロセスが落ちてもlease後に再送される。
func (r *PostgresWebhookDeliveryRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.WebhookDelivery, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT d.id, d.endpoint_id, e.url, e.secret, d.event, d.payload, d.status, d.attempts,
		        d.next_retry_at, d.last_error, d.created_at
		 FROM webhook_deliveries d
		 INNER JOIN webhook_endpoints e ON e.id = d.endpoint_id
		 WHERE d.status = $1 AND d.next_retry_at <= $2
		 ORDER BY d.next_retry_at ASC
		 LIMIT $3
		 FOR UPDATE OF d SKIP LOCKED`,
		string(model.DeliveryPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("送信対象Webhookの取得に失敗しました: %w", err)
	}

	var deliveries []*model.WebhookDelivery
	for rows.Next() {
		d := &model.WebhookDelivery{}
		var status string
		var payload []byte
		if err := rows.Scan(
			&d.ID, &d.EndpointID, &d.URL, &d.Secret, &d.Event, &payload, &status, &d.Attempts,
			&d.NextRetryAt, &d.LastError, &d.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("送信対象Webhookの読み取りに失敗しました: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		d.Payload = payload
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("送信対象Webhookの走査に失敗しました: %w", err)
	}
	rows.Close()

	leaseUntil := now.Add(lease)
	for _, d := range deliveries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET next_retry_at = $2, updated_at = $3 WHERE id = $1`,
			d.ID, leaseUntil, now,
		); err != nil {
			return nil, fmt.Errorf("Webhook配信のリース設定に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return deliveries, nil
}

// MarkDelivered は配信を送信済みにする。
func (r *PostgresWebhookDeliveryRepo) MarkDelivered(ctx context.Context, id string, attempts int) error {
	return r.updateState(ctx, id, model.DeliveryDelivered, attempts, nil, "")
}

// MarkRetry は次回の再送時刻とエラー内容を記録する。
func (r *PostgresWebhookDeliveryRepo) MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	return r.updateState(ctx, id, model.DeliveryPending, attempts, &nextRetryAt, lastError)
}

// MarkFailed は配信を失敗で確定する。
func (r *PostgresWebhookDeliveryRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return r.updateState(ctx, id, model.DeliveryFailed, attempts, nil, lastError)
}

func (r *PostgresWebhookDeliveryRepo) updateState(ctx context.Context, id string, status model.DeliveryStatus, attempts int, nextRetryAt *time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET
		    status = $2,
		    attempts = $3,
		    next_retry_at = COALESCE($4, next_retry_at),
		    last_error = $5,
		    updated_at = now()
		 WHERE id = $1`,
		id, string(status), attempts, nextRetryAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("Webhook配信状態の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ WebhookEndpointRepository = (*PostgresWebhookEndpointRepo)(nil)
	_ WebhookDeliveryRepository = (*PostgresWebhookDeliveryRepo)(nil)
)
