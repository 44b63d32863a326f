package unification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/syncman/internal/model"
)

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Lookup はドット区切りのパスで生ペイロード内の値を取得する。
// 数字のセグメントは配列の添字として扱う。値がnullまたは存在しない場合はfalseを返す。
func Lookup(raw model.RawRecord, path string) (json.RawMessage, bool, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false, fmt.Errorf("パスが空です")
	}

	cur := json.RawMessage(raw)
	for _, seg := range segs {
		if isNull(cur) {
			return nil, false, nil
		}
		switch bytes.TrimSpace(cur)[0] {
		case '{':
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(cur, &obj); err != nil {
				return nil, false, fmt.Errorf("%s の読み取りに失敗しました: %w", path, err)
			}
			next, ok := obj[seg]
			if !ok {
				return nil, false, nil
			}
			cur = next
		case '[':
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false, nil
			}
			var arr []json.RawMessage
			if err := json.Unmarshal(cur, &arr); err != nil {
				return nil, false, fmt.Errorf("%s の読み取りに失敗しました: %w", path, err)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, false, nil
			}
			cur = arr[idx]
		default:
			// スカラー値の下は辿れない
			return nil, false, nil
		}
	}

	if isNull(cur) {
		return nil, false, nil
	}
	return cur, true, nil
}

// SetPath はドット区切りのパスに値を設定した新しいペイロードを返す。
// 途中のオブジェクトが存在しない場合は作成する。既存の他の属性は保持する。
func SetPath(raw model.RawRecord, path string, value json.RawMessage) (model.RawRecord, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("パスが空です")
	}
	out, err := setPath(json.RawMessage(raw), segs, value)
	if err != nil {
		return nil, fmt.Errorf("%s への書き込みに失敗しました: %w", path, err)
	}
	return out, nil
}

func setPath(cur json.RawMessage, segs []string, value json.RawMessage) (json.RawMessage, error) {
	if len(segs) == 0 {
		return value, nil
	}

	obj := map[string]json.RawMessage{}
	if !isNull(cur) {
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, err
		}
	}

	child, err := setPath(obj[segs[0]], segs[1:], value)
	if err != nil {
		return nil, err
	}
	obj[segs[0]] = child
	return json.Marshal(obj)
}
