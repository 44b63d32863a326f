// Package jobfeed はRSS/Atom形式で公開された求人フィードのアダプタを提供する。
// 接続のアカウントURLにはフィードのURL、またはフィードへのリンクを持つ採用ページのURLを設定する。
package jobfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/provider"
	"github.com/hitoshi/syncman/internal/security"
	"github.com/hitoshi/syncman/internal/unification"
)

// Name はプロバイダー名。
const Name = "jobfeed"

const acceptFeed = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"

// JobAdapter はats.jobの求人フィードアダプタ。
type JobAdapter struct {
	client    *provider.Client
	sanitizer security.FieldSanitizer
}

// NewJobAdapter はJobAdapterを生成する。
func NewJobAdapter(client *provider.Client, sanitizer security.FieldSanitizer) *JobAdapter {
	return &JobAdapter{client: client, sanitizer: sanitizer}
}

// Provider はプロバイダー名を返す。
func (a *JobAdapter) Provider() string { return Name }

// Fetch はフィードを取得し、記事1件を求人1件として返す。
// 生ペイロードはgofeedの記事をJSONにしたもの。
func (a *JobAdapter) Fetch(ctx context.Context, p model.SyncParam) ([]model.RawRecord, error) {
	if p.Connection.AccountURL == "" {
		return nil, fmt.Errorf("フィードのURLが設定されていません")
	}

	resp, err := a.get(ctx, p.Connection.AccountURL, p.Connection.AccessToken)
	if err != nil {
		return nil, err
	}
	if isHTML(resp.Header.Get("Content-Type")) {
		feedURL := discoverFeedURL(p.Connection.AccountURL, resp.Body)
		if feedURL == "" {
			return nil, fmt.Errorf("ページにフィードへのリンクがありません: %s", p.Connection.AccountURL)
		}
		if resp, err = a.get(ctx, feedURL, p.Connection.AccessToken); err != nil {
			return nil, err
		}
	}

	feed, err := gofeed.NewParser().ParseString(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	out := make([]model.RawRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("記事のエンコードに失敗: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (a *JobAdapter) get(ctx context.Context, rawURL, token string) (*provider.Response, error) {
	return a.client.Get(ctx, provider.Request{URL: rawURL, Token: token, Accept: acceptFeed})
}

// Unify は記事を求人に正規化する。GUIDがない記事はリンクをremote_idとする。
func (a *JobAdapter) Unify(raw []model.RawRecord, connectionID string, _ []model.FieldMappingRemote) ([]*model.UnifiedJob, error) {
	items := unification.DecodeAll[gofeed.Item](raw)

	out := make([]*model.UnifiedJob, len(items))
	for i, item := range items {
		body := item.Content
		if body == "" {
			body = item.Description
		}
		u := &model.UnifiedJob{
			Name:            a.sanitizer.PlainText(item.Title),
			Description:     a.sanitizer.RichText(body),
			Status:          model.JobStatusOpen,
			Departments:     nonEmpty(item.Categories),
			RemoteCreatedAt: item.PublishedParsed,
			RemoteUpdatedAt: item.UpdatedParsed,
		}
		if item.Author != nil && item.Author.Name != "" {
			u.Recruiters = []string{item.Author.Name}
		}
		u.RemoteID = remoteID(&item)
		u.ConnectionID = connectionID
		out[i] = u
	}
	return out, nil
}

// Desunify は求人をフィードの記事形式に戻す。
func (a *JobAdapter) Desunify(u *model.UnifiedJob, _ []model.FieldMappingRemote) (model.RawRecord, error) {
	item := gofeed.Item{
		Title:           u.Name,
		Content:         u.Description,
		GUID:            u.RemoteID,
		Categories:      u.Departments,
		PublishedParsed: u.RemoteCreatedAt,
		UpdatedParsed:   u.RemoteUpdatedAt,
	}
	if strings.HasPrefix(u.RemoteID, "http://") || strings.HasPrefix(u.RemoteID, "https://") {
		item.Link = u.RemoteID
	}
	return json.Marshal(item)
}

func remoteID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
