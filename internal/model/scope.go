package model

import "time"

// LinkedUser はプロジェクト内のエンドユーザー。全ての同期処理のスコープとなる。
type LinkedUser struct {
	ID        string
	ProjectID string
	UserID    string
	OriginID  string
}

// ConnectionStatusValid は同期対象となる接続の状態。
const ConnectionStatusValid = "valid"

// Connection はLinkedUserとプロバイダーの認可済み接続。
// remote_id の一意性はこの接続の内側でのみ保証される。
type Connection struct {
	ID           string
	LinkedUserID string
	ProjectID    string
	Provider     string
	Category     Category
	AccountURL   string
	AccessToken  string
	Status       string
	CreatedAt    time.Time
}

// SyncParam はアダプタのFetchに渡すパラメータ。
type SyncParam struct {
	LinkedUserID    string
	ConnectionID    string
	Connection      *Connection
	CustomFieldDefs []FieldMappingRemote
}
