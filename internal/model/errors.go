package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は管理APIの統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, sync, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnknownResource = "UNKNOWN_RESOURCE"
	ErrCodeUnknownProvider = "UNKNOWN_PROVIDER"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeSyncDeferred    = "SYNC_DEFERRED"
	ErrCodeQueueFull       = "QUEUE_FULL"
)

// NewUnknownResourceError は未登録リソースのエラーを生成する。
func NewUnknownResourceError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownResource,
		Message:  fmt.Sprintf("同期対象として登録されていないリソースです: %s", key),
		Category: "validation",
		Action:   "category と resource_type の組み合わせを確認してください。",
	}
}

// NewUnknownProviderError は未対応プロバイダーのエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("このカテゴリで対応していないプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "プロバイダーカタログを確認してください。",
	}
}

// NewSyncDeferredError は接続ロックを取得できなかった場合のエラーを生成する。
func NewSyncDeferredError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncDeferred,
		Message:  "同じ接続の同期が実行中のため延期されました。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewQueueFullError は同期キューが満杯の場合のエラーを生成する。
func NewQueueFullError() *APIError {
	return &APIError{
		Code:     ErrCodeQueueFull,
		Message:  "同期キューが満杯です。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ErrUnregisteredAdapter は(provider, resource)に対応するアダプタが存在しないことを示す。
// タスクは何もせずに完了し、失敗としては扱わない。
var ErrUnregisteredAdapter = errors.New("アダプタが登録されていません")

// ErrNoConnection はLinkedUserがプロバイダーに接続していないことを示す。タスクはスキップされる。
var ErrNoConnection = errors.New("有効な接続が存在しません")

// NotFoundError はレジストリやカタログで対象が見つからないことを示す。
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s が見つかりません: %s", e.Kind, e.Key)
}

// ProviderFetchError はプロバイダーからの取得失敗。現在のタスクのみを中断する。
type ProviderFetchError struct {
	Provider string
	Key      ResourceKey
	Err      error
}

func (e *ProviderFetchError) Error() string {
	return fmt.Sprintf("プロバイダー %s から %s の取得に失敗: %v", e.Provider, e.Key, e.Err)
}

func (e *ProviderFetchError) Unwrap() error { return e.Err }

// MissingRemoteIDError は必須の重複排除キーが欠けている1件を示す。そのアイテムのみを中断する。
type MissingRemoteIDError struct {
	Key   ResourceKey
	Index int
}

func (e *MissingRemoteIDError) Error() string {
	return fmt.Sprintf("%s の %d 件目に remote_id がありません", e.Key, e.Index)
}

// PersistenceError は保存処理の失敗。現在のアイテムのみを中断し、コミット済みのアイテムには影響しない。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s に失敗: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// LockContentionError は接続ロックを待機時間内に取得できなかったことを示す。
// タスクは延期され、次回のトリガーで再実行される。
type LockContentionError struct {
	LockKey string
	Waited  time.Duration
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("ロック %s を %s 以内に取得できませんでした", e.LockKey, e.Waited)
}
