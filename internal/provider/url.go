package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// BaseURL は接続のアカウントURLを返す。未設定の場合はfallbackを返す。
func BaseURL(accountURL, fallback string) string {
	if accountURL != "" {
		return strings.TrimRight(accountURL, "/")
	}
	return strings.TrimRight(fallback, "/")
}

// JoinURL はベースURLにパスとクエリを付与する。
func JoinURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("ベースURLが不正です: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
