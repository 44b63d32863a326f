// Package ingest はプロバイダーからの取得・正規化・永続化・通知を1タスクとして実行する。
package ingest

import (
	"context"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/unification"
)

// Adapter はプロバイダー × リソース種別ごとの取得と変換。
// Fetchの戻り値はUnifyの入力となり、同じ添字でRemoteDataSnapshotとして保存される。
type Adapter[R model.Record] interface {
	Provider() string
	Fetch(ctx context.Context, p model.SyncParam) ([]model.RawRecord, error)
	unification.Mapper[R]
}

// Notifier はバッチ永続化後のイベントを購読先へ通知する。
type Notifier interface {
	Notify(ctx context.Context, event *model.WebhookEvent) error
}

// RunRecorder は同期タスクの実行レポートを記録する。記録の失敗はタスクの結果に影響しない。
type RunRecorder interface {
	RecordRun(ctx context.Context, report *model.RunReport)
}

// DedupPolicy はremote_idを持たないレコードの扱いを決める。
type DedupPolicy[R model.Record] struct {
	// RequireRemoteID がtrueの場合、remote_idのないレコードは*model.MissingRemoteIDErrorで失敗する。
	RequireRemoteID bool
	// NaturalKey はremote_idのないレコードを既存レコードと照合するキーを返す。
	// 空文字列を返した場合は*model.MissingRemoteIDErrorで失敗する。
	// nilの場合は照合せずに新規作成する。
	NaturalKey func(record R) string
}

// RequireRemoteID はremote_idを必須とするポリシー。
func RequireRemoteID[R model.Record]() DedupPolicy[R] {
	return DedupPolicy[R]{RequireRemoteID: true}
}
