package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/syncman/internal/model"
)

// DefaultMaxPages は1回の取得で辿るページ数の上限。
const DefaultMaxPages = 200

// PageFunc は1ページ分の要素と次ページのURLを返す。最終ページではnextが空文字列になる。
type PageFunc func(ctx context.Context, url string) (items []json.RawMessage, next string, err error)

// Collect は最初のURLから次ページがなくなるまで辿り、全要素を取得順に返す。
// maxPagesを超えた場合はエラーにする。
func Collect(ctx context.Context, first string, maxPages int, page PageFunc) ([]model.RawRecord, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var out []model.RawRecord
	seen := make(map[string]struct{})
	url := first
	for n := 0; url != ""; n++ {
		if n >= maxPages {
			return nil, fmt.Errorf("ページ数が上限 %d に達しました", maxPages)
		}
		if _, ok := seen[url]; ok {
			return nil, fmt.Errorf("同じページが繰り返し返されました: %s", url)
		}
		seen[url] = struct{}{}

		items, next, err := page(ctx, url)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			out = append(out, model.RawRecord(it))
		}
		url = next
	}
	return out, nil
}

// NextLink はLinkヘッダーからrel="next"のURLを取り出す。
func NextLink(h http.Header) string {
	for _, v := range h.Values("Link") {
		for _, part := range strings.Split(v, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.TrimSpace(segs[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, p := range segs[1:] {
				p = strings.TrimSpace(p)
				if p == `rel="next"` || p == "rel=next" {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}
