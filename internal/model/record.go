package model

import (
	"encoding/json"
	"time"
)

// RawRecord はプロバイダーから取得した加工前のペイロード。
type RawRecord = json.RawMessage

// RecordMeta は全リソース種別で共通のレコード識別情報。
// 正規化レコードに埋め込んで使用する。
type RecordMeta struct {
	ID            string        `json:"id,omitempty"`
	RemoteID      string        `json:"remote_id,omitempty"`
	ConnectionID  string        `json:"connection_id,omitempty"`
	FieldMappings FieldMappings `json:"field_mappings,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ModifiedAt    time.Time     `json:"modified_at"`
}

// Record は全ての正規化レコードが満たすインターフェース。
// 正規化レコードはRecordMetaを埋め込んだ構造体へのポインタとして扱う。
type Record interface {
	Meta() *RecordMeta
}

// Meta は埋め込み先の共通メタ情報へのポインタを返す。
func (m *RecordMeta) Meta() *RecordMeta {
	return m
}

// RemoteDataSnapshot はレコードごとに最後に取得した生ペイロード。同期のたびに全体を上書きする。
type RemoteDataSnapshot struct {
	RecordID   string
	Key        ResourceKey
	Payload    RawRecord
	ModifiedAt time.Time
}

// JobStatus はATS求人の状態。
type JobStatus string

const (
	JobStatusOpen     JobStatus = "OPEN"
	JobStatusClosed   JobStatus = "CLOSED"
	JobStatusDraft    JobStatus = "DRAFT"
	JobStatusArchived JobStatus = "ARCHIVED"
	JobStatusPending  JobStatus = "PENDING"
)

// UnifiedJob はATS求人の正規化レコード。
type UnifiedJob struct {
	RecordMeta
	Name            string     `json:"name,omitempty"`
	Description     string     `json:"description,omitempty"`
	Code            string     `json:"code,omitempty"`
	Status          JobStatus  `json:"status,omitempty"`
	Type            string     `json:"type,omitempty"`
	Confidential    *bool      `json:"confidential,omitempty"`
	Departments     []string   `json:"departments,omitempty"`
	Offices         []string   `json:"offices,omitempty"`
	Managers        []string   `json:"managers,omitempty"`
	Recruiters      []string   `json:"recruiters,omitempty"`
	RemoteCreatedAt *time.Time `json:"remote_created_at,omitempty"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
}

// UnifiedDrive はファイルストレージのドライブの正規化レコード。
type UnifiedDrive struct {
	RecordMeta
	Name            string     `json:"name,omitempty"`
	DriveURL        string     `json:"drive_url,omitempty"`
	RemoteCreatedAt *time.Time `json:"remote_created_at,omitempty"`
}

// UnifiedCustomer はECサイトの顧客の正規化レコード。
type UnifiedCustomer struct {
	RecordMeta
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// UnifiedContact はチケット管理の連絡先の正規化レコード。
type UnifiedContact struct {
	RecordMeta
	Name         string `json:"name,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	Details      string `json:"details,omitempty"`
}
