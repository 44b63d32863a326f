package model

import (
	"encoding/json"
	"time"
)

// SyncJob は(category, resource_type)ごとの定期同期スケジュール。キーごとに最大1件。
type SyncJob struct {
	Key            ResourceKey
	CronExpression string
	NextRunAt      time.Time
	LastRunAt      *time.Time
	UpdatedAt      time.Time
}

// RunStatus は同期タスクの結果状態。
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusDeferred  RunStatus = "deferred"
)

// ItemOutcome は1件のレコード処理結果。
type ItemOutcome string

const (
	ItemCreated ItemOutcome = "created"
	ItemUpdated ItemOutcome = "updated"
	ItemFailed  ItemOutcome = "failed"
)

// ItemResult は入力順の1件ごとの処理結果。
type ItemResult struct {
	Index    int
	RemoteID string
	RecordID string
	Outcome  ItemOutcome
	Err      error
}

// RunReport は1回の同期タスクの実行レポート。
type RunReport struct {
	ID           string
	Key          ResourceKey
	Provider     string
	LinkedUserID string
	ConnectionID string
	Status       RunStatus
	Created      int
	Updated      int
	Failed       int
	Items        []ItemResult
	Err          error
	NotifyErr    error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Record は処理結果を集計に反映する。
func (r *RunReport) Record(res ItemResult) {
	r.Items = append(r.Items, res)
	switch res.Outcome {
	case ItemCreated:
		r.Created++
	case ItemUpdated:
		r.Updated++
	case ItemFailed:
		r.Failed++
	}
}

// Finalize は集計結果からStatusを決定する。
// タスクレベルのエラーやスキップが既に設定されている場合は上書きしない。
func (r *RunReport) Finalize(now time.Time) {
	r.FinishedAt = now
	if r.Status != "" {
		return
	}
	switch {
	case r.Failed == 0:
		r.Status = RunStatusSucceeded
	case r.Created+r.Updated > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
}

// Processed は作成・更新・失敗を合わせた処理件数を返す。
func (r *RunReport) Processed() int {
	return r.Created + r.Updated + r.Failed
}

// WebhookEvent はバッチ永続化後に発行されるイベント。
type WebhookEvent struct {
	Event        string            `json:"event"`
	ConnectionID string            `json:"connection_id"`
	ProjectID    string            `json:"-"`
	Records      []json.RawMessage `json:"records"`
}

// WebhookEndpoint はプロジェクトが登録した購読先。
type WebhookEndpoint struct {
	ID        string
	ProjectID string
	URL       string
	Secret    string
	Events    []string
	Active    bool
}

// Accepts はエンドポイントがイベントを購読しているかを返す。空の場合は全イベントを購読する。
func (e *WebhookEndpoint) Accepts(event string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// DeliveryStatus はWebhook配信の状態。
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery はアウトボックスに積まれた配信1件。
type WebhookDelivery struct {
	ID          string
	EndpointID  string
	URL         string
	Secret      string
	Event       string
	Payload     json.RawMessage
	Status      DeliveryStatus
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
}
