// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/syncman/internal/model"
)

// DBTX は*sql.DBと*sql.Txの共通インターフェース。
// リポジトリはこれを受け取ることで、トランザクション内外のどちらでも動作する。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ScopeRepository は同期対象スコープ（ユーザー → プロジェクト → LinkedUser）の参照インターフェース。
type ScopeRepository interface {
	// ListLinkedUsers は全ユーザー配下のLinkedUserを返す。userIDが空でない場合はそのユーザーに絞り込む。
	ListLinkedUsers(ctx context.Context, userID string) ([]model.LinkedUser, error)

	// FindLinkedUser は指定IDのLinkedUserを取得する。見つからない場合はnilを返す。
	FindLinkedUser(ctx context.Context, id string) (*model.LinkedUser, error)
}

// ConnectionRepository は接続情報の参照インターフェース。
type ConnectionRepository interface {
	// FindActive はLinkedUserのプロバイダーへの有効な接続を取得する。見つからない場合はnilを返す。
	FindActive(ctx context.Context, linkedUserID, provider string, category model.Category) (*model.Connection, error)
}

// RecordRepository はリソース種別ごとの正規化レコードの永続化インターフェース。
// 見つからない場合は第2戻り値がfalseになる。
type RecordRepository[R any] interface {
	FindByRemoteID(ctx context.Context, connectionID, remoteID string) (R, bool, error)
	FindByNaturalKey(ctx context.Context, connectionID, key string) (R, bool, error)
	Create(ctx context.Context, record R) error
	Update(ctx context.Context, record R) error
}

// FieldMappingRepository はカスタムフィールド定義と値の永続化インターフェース。
type FieldMappingRepository interface {
	// EnsureDefinition は定義を作成済みでなければ作成し、既存または新規の定義を返す。
	// 同時実行でも(project, category, resource_type, slug)ごとに1件のみとなる。
	EnsureDefinition(ctx context.Context, projectID string, key model.ResourceKey, slug string) (*model.FieldMappingDefinition, error)

	// UpsertValue は(definition, record)の値を作成または上書きする。
	UpsertValue(ctx context.Context, value *model.FieldMappingValue) error

	// LinkRemoteField は定義にプロバイダー側の属性名を紐付ける。
	LinkRemoteField(ctx context.Context, definitionID, provider, remoteField string) error

	// ListRemote はプロジェクト・リソース・プロバイダーに対応するslugと属性名の組を返す。
	ListRemote(ctx context.Context, projectID string, key model.ResourceKey, provider string) ([]model.FieldMappingRemote, error)

	// ListValuesByRecord はレコードに紐づく値をslug付きで返す。
	ListValuesByRecord(ctx context.Context, recordID string) ([]model.FieldMappingValue, error)
}

// RemoteDataRepository は生ペイロードのスナップショットの永続化インターフェース。
type RemoteDataRepository interface {
	// Upsert はレコードのスナップショットを上書きする。
	Upsert(ctx context.Context, snapshot *model.RemoteDataSnapshot) error

	// FindByRecordID はスナップショットを取得する。見つからない場合はnilを返す。
	FindByRecordID(ctx context.Context, recordID string) (*model.RemoteDataSnapshot, error)
}

// SyncJobRepository は定期同期スケジュールの永続化インターフェース。
type SyncJobRepository interface {
	// Ensure はスケジュールを冪等に登録する。cron式が変わった場合のみnext_run_atを更新する。
	Ensure(ctx context.Context, job *model.SyncJob) error

	// ClaimDue は実行時刻を過ぎたスケジュールをFOR UPDATE SKIP LOCKEDで取得し、
	// nextで算出した次回実行時刻に進めてから返す。
	ClaimDue(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error)

	// List は全スケジュールを返す。
	List(ctx context.Context) ([]*model.SyncJob, error)
}

// SyncRunRepository は同期タスクの実行履歴の永続化インターフェース。
type SyncRunRepository interface {
	// Create は実行レポートを保存する。
	Create(ctx context.Context, report *model.RunReport) error

	// ListRecent は新しい順に実行履歴を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.RunReport, error)
}

// WebhookEndpointRepository はWebhook購読先の永続化インターフェース。
type WebhookEndpointRepository interface {
	// ListActiveByProject はプロジェクトの有効な購読先を返す。
	ListActiveByProject(ctx context.Context, projectID string) ([]*model.WebhookEndpoint, error)

	// Create は購読先を登録する。
	Create(ctx context.Context, endpoint *model.WebhookEndpoint) error
}

// WebhookDeliveryRepository はWebhook配信アウトボックスの永続化インターフェース。
type WebhookDeliveryRepository interface {
	// Enqueue は配信を未送信として積む。
	Enqueue(ctx context.Context, deliveries []*model.WebhookDelivery) error

	// ClaimDue は送信時刻を過ぎた未送信の配信を取得し、leaseの間は他のワーカーから見えなくする。
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.WebhookDelivery, error)

	// MarkDelivered は配信を送信済みにする。
	MarkDelivered(ctx context.Context, id string, attempts int) error

	// MarkRetry は次回の再送時刻を設定する。
	MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error

	// MarkFailed は再送上限に達した配信を失敗にする。
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
}
