// Package security はプロバイダーとの入出力を安全に扱うための機能を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// FieldSanitizer はプロバイダーから受け取った文字列を正規化フィールドに格納する前に無害化する。
type FieldSanitizer interface {
	// RichText は求人の説明文など書式付きフィールド用。段落・リスト・強調・httpsリンクのみ残す。
	RichText(raw string) string
	// PlainText は名前やメールアドレスなど書式なしフィールド用。全てのタグを除去する。
	PlainText(raw string) string
}

type fieldSanitizer struct {
	rich  *bluemonday.Policy
	plain *bluemonday.Policy
}

// NewFieldSanitizer はFieldSanitizerを生成する。ポリシーは生成時に1回だけ構築する。
func NewFieldSanitizer() FieldSanitizer {
	rich := bluemonday.NewPolicy()
	rich.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "b", "i", "h3", "h4")
	rich.AllowAttrs("href").OnElements("a")
	rich.AllowURLSchemes("https", "mailto")
	rich.AllowRelativeURLs(false)
	rich.RequireNoReferrerOnLinks(true)

	return &fieldSanitizer{
		rich:  rich,
		plain: bluemonday.StrictPolicy(),
	}
}

func (s *fieldSanitizer) RichText(raw string) string {
	if raw == "" {
		return ""
	}
	// エスケープ済みHTMLで届くATSがあるため、先に1段階だけ戻す
	if strings.Contains(raw, "&lt;") {
		raw = html.UnescapeString(raw)
	}
	return strings.TrimSpace(s.rich.Sanitize(raw))
}

func (s *fieldSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.plain.Sanitize(raw)))
}
