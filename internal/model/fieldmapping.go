package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// FieldMappings はslugをキーとするカスタムフィールド値のコンテナ。
// 値はJSONのまま保持し、型の解釈は利用側に委ねる。
type FieldMappings map[string]json.RawMessage

// Set はslugに任意の値をJSONエンコードして設定する。
func (m FieldMappings) Set(slug string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("カスタムフィールド %s のエンコードに失敗: %w", slug, err)
	}
	m[slug] = b
	return nil
}

// String はslugの値を文字列として返す。JSON文字列以外は生のJSON表現を返す。
func (m FieldMappings) String(slug string) (string, bool) {
	raw, ok := m[slug]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

// Merge はotherの値で上書きした新しいFieldMappingsを返す。
func (m FieldMappings) Merge(other FieldMappings) FieldMappings {
	out := make(FieldMappings, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// FieldMappingDefinition はテナントが宣言したカスタム属性。
// (project_id, category, resource_type, slug) で一意であり、一度作成されると再利用される。
type FieldMappingDefinition struct {
	ID        string
	ProjectID string
	Key       ResourceKey
	Slug      string
	CreatedAt time.Time
}

// FieldMappingValue はレコードに紐づくカスタムフィールド値。
// (definition, record) で一意であり、レコードと同じトランザクションで更新される。
type FieldMappingValue struct {
	ID           string
	DefinitionID string
	Slug         string
	RecordID     string
	Value        json.RawMessage
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// FieldMappingRemote はslugとプロバイダー側の属性名の対応。
// RemoteField はドット区切りのパスを許容する（例: "custom.fav_color"）。
type FieldMappingRemote struct {
	Slug        string
	RemoteField string
}
