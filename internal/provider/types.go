package provider

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FlexibleID は数値と文字列のどちらで返されても文字列として扱うID。
type FlexibleID string

// UnmarshalJSON は数値・文字列・真偽値を文字列として受け付ける。
// null・配列・オブジェクトは空文字列にし、エラーにはしない。
func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	*id = FlexibleID(scalarString(b))
	return nil
}

// MarshalJSON は数値として解釈できる場合は数値で出力する。
func (id FlexibleID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if s == "" {
		return []byte("null"), nil
	}
	if _, err := json.Number(s).Int64(); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

// String は文字列を返す。
func (id FlexibleID) String() string {
	return string(id)
}

// FlexibleString は任意項目の文字列。プロバイダーが数値や真偽値で返しても文字列として保持する。
type FlexibleString string

// UnmarshalJSON はFlexibleIDと同じ規則で値を受け付ける。
func (s *FlexibleString) UnmarshalJSON(b []byte) error {
	*s = FlexibleString(scalarString(b))
	return nil
}

// String は文字列を返す。
func (s FlexibleString) String() string {
	return string(s)
}

// scalarString はJSONのスカラー値を文字列にする。スカラー以外は空文字列を返す。
func scalarString(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return ""
		}
		return s
	case 't', 'f':
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return ""
		}
		return strconv.FormatBool(v)
	case 'n', '[', '{':
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return ""
	}
	return n.String()
}

// ParseTime はRFC3339形式の時刻を解析する。空文字列や不正な値の場合はnilを返す。
func ParseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// FormatTime はParseTimeの逆変換。nilの場合は空文字列を返す。
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// JoinName は姓名を空白区切りで結合する。空の要素は無視する。
func JoinName(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
