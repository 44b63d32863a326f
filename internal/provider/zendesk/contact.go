// Package zendesk はZendesk Support APIの連絡先アダプタを提供する。
package zendesk

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/provider"
	"github.com/hitoshi/syncman/internal/security"
	"github.com/hitoshi/syncman/internal/unification"
)

// Name はプロバイダー名。
const Name = "zendesk"

const pageSize = 100

type user struct {
	ID      provider.FlexibleID     `json:"id"`
	Name    string                  `json:"name"`
	Email   string                  `json:"email,omitempty"`
	Phone   provider.FlexibleString `json:"phone,omitempty"`
	Details string                  `json:"details,omitempty"`
	Role    string                  `json:"role,omitempty"`
}

type userPage struct {
	Users []json.RawMessage `json:"users"`
	Meta  struct {
		HasMore bool `json:"has_more"`
	} `json:"meta"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ContactAdapter はticketing.contactのZendeskアダプタ。エンドユーザーを連絡先として扱う。
type ContactAdapter struct {
	client    *provider.Client
	sanitizer security.FieldSanitizer
}

// NewContactAdapter はContactAdapterを生成する。
func NewContactAdapter(client *provider.Client, sanitizer security.FieldSanitizer) *ContactAdapter {
	return &ContactAdapter{client: client, sanitizer: sanitizer}
}

// Provider はプロバイダー名を返す。
func (a *ContactAdapter) Provider() string { return Name }

// Fetch はエンドユーザーをカーソルページングで全件取得する。
// アカウントURLはサブドメインのURL（https://<subdomain>.zendesk.com）。
func (a *ContactAdapter) Fetch(ctx context.Context, p model.SyncParam) ([]model.RawRecord, error) {
	first, err := provider.JoinURL(p.Connection.AccountURL, "api/v2/users.json", url.Values{
		"role":       {"end-user"},
		"page[size]": {strconv.Itoa(pageSize)},
	})
	if err != nil {
		return nil, err
	}

	return provider.Collect(ctx, first, 0, func(ctx context.Context, u string) ([]json.RawMessage, string, error) {
		var page userPage
		if _, err := a.client.GetJSON(ctx, provider.Request{URL: u, Token: p.Connection.AccessToken}, &page); err != nil {
			return nil, "", err
		}
		if !page.Meta.HasMore {
			return page.Users, "", nil
		}
		return page.Users, page.Links.Next, nil
	})
}

// Unify は連絡先を正規化する。
func (a *ContactAdapter) Unify(raw []model.RawRecord, connectionID string, _ []model.FieldMappingRemote) ([]*model.UnifiedContact, error) {
	users := unification.DecodeAll[user](raw)
	out := make([]*model.UnifiedContact, len(users))
	for i, us := range users {
		u := &model.UnifiedContact{
			Name:         a.sanitizer.PlainText(us.Name),
			EmailAddress: us.Email,
			PhoneNumber:  us.Phone.String(),
			Details:      a.sanitizer.PlainText(us.Details),
		}
		u.RemoteID = us.ID.String()
		u.ConnectionID = connectionID
		out[i] = u
	}
	return out, nil
}

// Desunify は連絡先をZendeskのユーザー形式に戻す。
func (a *ContactAdapter) Desunify(u *model.UnifiedContact, _ []model.FieldMappingRemote) (model.RawRecord, error) {
	return json.Marshal(user{
		ID:      provider.FlexibleID(u.RemoteID),
		Name:    u.Name,
		Email:   u.EmailAddress,
		Phone:   provider.FlexibleString(u.PhoneNumber),
		Details: u.Details,
		Role:    "end-user",
	})
}
