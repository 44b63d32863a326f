// Package unification はプロバイダー固有のペイロードと正規化レコードの相互変換を行う。
// 変換そのものは各アダプタのMapperが担い、このパッケージは件数の検証と
// カスタムフィールドの差し込み・書き戻しを共通で行う。
package unification

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/syncman/internal/model"
)

// ErrUnifyCountMismatch はMapperが入力と異なる件数のレコードを返したことを示す。
// 生ペイロードとレコードを添字で対応付けるため、件数の不一致は取り込み全体の失敗とする。
var ErrUnifyCountMismatch = errors.New("正規化後の件数が入力と一致しません")

// Mapper はプロバイダー × リソース種別ごとの変換処理。
// Unifyは入力と同じ順序・同じ件数のレコードを返さなければならない。
// 任意項目が欠けていてもエラーにせず、ゼロ値またはnilにする。
type Mapper[R model.Record] interface {
	Unify(raw []model.RawRecord, connectionID string, defs []model.FieldMappingRemote) ([]R, error)
	Desunify(record R, defs []model.FieldMappingRemote) (model.RawRecord, error)
}

// Unify は生ペイロードを正規化レコードに変換する。
// 各レコードには接続IDと、defsで指定されたプロバイダー属性の値がslugをキーに設定される。
// Mapper自身が設定したslugの値は上書きしない。
func Unify[R model.Record](m Mapper[R], raw []model.RawRecord, connectionID string, defs []model.FieldMappingRemote) ([]R, error) {
	records, err := m.Unify(raw, connectionID, defs)
	if err != nil {
		return nil, fmt.Errorf("正規化に失敗しました: %w", err)
	}
	if len(records) != len(raw) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnifyCountMismatch, len(records), len(raw))
	}

	for i, rec := range records {
		meta := rec.Meta()
		if meta.ConnectionID == "" {
			meta.ConnectionID = connectionID
		}

		custom, err := ExtractCustomFields(raw[i], defs)
		if err != nil {
			return nil, fmt.Errorf("%d 件目のカスタムフィールド取得に失敗しました: %w", i, err)
		}
		if len(custom) == 0 {
			continue
		}
		meta.FieldMappings = custom.Merge(meta.FieldMappings)
	}

	return records, nil
}

// Desunify は正規化レコードをプロバイダー形式に戻す。
// レコードのカスタムフィールド値はdefsのremote_fieldの位置に書き戻される。
func Desunify[R model.Record](m Mapper[R], record R, defs []model.FieldMappingRemote) (model.RawRecord, error) {
	raw, err := m.Desunify(record, defs)
	if err != nil {
		return nil, fmt.Errorf("逆変換に失敗しました: %w", err)
	}

	values := record.Meta().FieldMappings
	for _, def := range defs {
		v, ok := values[def.Slug]
		if !ok {
			continue
		}
		raw, err = SetPath(raw, def.RemoteField, v)
		if err != nil {
			return nil, fmt.Errorf("カスタムフィールド %s の書き戻しに失敗しました: %w", def.Slug, err)
		}
	}
	return raw, nil
}

// ExtractCustomFields はdefsのremote_fieldを生ペイロードから読み取り、slugをキーにして返す。
// 値が存在しない属性は含めない。
func ExtractCustomFields(raw model.RawRecord, defs []model.FieldMappingRemote) (model.FieldMappings, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := model.FieldMappings{}
	for _, def := range defs {
		v, ok, err := Lookup(raw, def.RemoteField)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[def.Slug] = v
	}
	return out, nil
}

// DecodeAll は生ペイロードを個別にプロバイダー固有の構造体へデコードする。
// 型の合わない項目はゼロ値のまま残し、他の項目はデコードする。
// オブジェクトとして読めないペイロードはゼロ値の構造体になる。
// いずれの場合もバッチ全体は失敗させない。
func DecodeAll[T any](raw []model.RawRecord) []T {
	out := make([]T, len(raw))
	for i, r := range raw {
		out[i] = decodeLenient[T](r)
	}
	return out
}

func decodeLenient[T any](r model.RawRecord) T {
	var v T
	err := json.Unmarshal(r, &v)
	if err == nil {
		return v
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		// encoding/json は型の合わない項目を飛ばして残りをデコードする
		return v
	}
	var zero T
	return zero
}
