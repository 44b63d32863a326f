// Package shopify はShopify Admin REST APIの顧客アダプタを提供する。
package shopify

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
const Name = "shopify"

// APIVersion は利用するAdmin APIのバージョン。
const APIVersion = "2024-01"

const pageSize = 250

type address struct {
	Phone provider.FlexibleString `json:"phone,omitempty"`
}

type customer struct {
	ID             provider.FlexibleID     `json:"id,omitempty"`
	Email          string                  `json:"email,omitempty"`
	FirstName      string                  `json:"first_name,omitempty"`
	LastName       string                  `json:"last_name,omitempty"`
	Phone          provider.FlexibleString `json:"phone,omitempty"`
	DefaultAddress *address                `json:"default_address,omitempty"`
}

type customerList struct {
	Customers []json.RawMessage `json:"customers"`
}

// CustomerAdapter はecommerce.customerのShopifyアダプタ。
// ゲスト購入の顧客はIDを持たないことがあるため、名前による照合を併用する。
type CustomerAdapter struct {
	client    *provider.Client
	sanitizer security.FieldSanitizer
}

// NewCustomerAdapter はCustomerAdapterを生成する。
func NewCustomerAdapter(client *provider.Client, sanitizer security.FieldSanitizer) *CustomerAdapter {
	return &CustomerAdapter{client: client, sanitizer: sanitizer}
}

// Provider はプロバイダー名を返す。
func (a *CustomerAdapter) Provider() string { return Name }

// Fetch は全顧客を取得する。アカウントURLはストアのURL（https://<shop>.myshopify.com）。
func (a *CustomerAdapter) Fetch(ctx context.Context, p model.SyncParam) ([]model.RawRecord, error) {
	first, err := provider.JoinURL(p.Connection.AccountURL, "admin/api/"+APIVersion+"/customers.json", url.Values{
		"limit": {strconv.Itoa(pageSize)},
	})
	if err != nil {
		return nil, err
	}

	return provider.Collect(ctx, first, 0, func(ctx context.Context, u string) ([]json.RawMessage, string, error) {
		var list customerList
		h, err := a.client.GetJSON(ctx, provider.Request{
			URL:     u,
			Headers: map[string]string{"X-Shopify-Access-Token": p.Connection.AccessToken},
		}, &list)
		if err != nil {
			return nil, "", err
		}
		return list.Customers, provider.NextLink(h), nil
	})
}

// Unify は顧客を正規化する。電話番号は顧客になければ既定の住所から補う。
func (a *CustomerAdapter) Unify(raw []model.RawRecord, connectionID string, _ []model.FieldMappingRemote) ([]*model.UnifiedCustomer, error) {
	customers := unification.DecodeAll[customer](raw)
	out := make([]*model.UnifiedCustomer, len(customers))
	for i, c := range customers {
		phone := c.Phone.String()
		if phone == "" && c.DefaultAddress != nil {
			phone = c.DefaultAddress.Phone.String()
		}
		u := &model.UnifiedCustomer{
			Name:        a.sanitizer.PlainText(provider.JoinName(c.FirstName, c.LastName)),
			Email:       c.Email,
			PhoneNumber: phone,
		}
		u.RemoteID = c.ID.String()
		u.ConnectionID = connectionID
		out[i] = u
	}
	return out, nil
}

// Desunify は顧客をShopifyの形式に戻す。名前は最初の空白で姓名に分ける。
func (a *CustomerAdapter) Desunify(u *model.UnifiedCustomer, _ []model.FieldMappingRemote) (model.RawRecord, error) {
	first, last := splitName(u.Name)
	return json.Marshal(customer{
		ID:        provider.FlexibleID(u.RemoteID),
		Email:     u.Email,
		FirstName: first,
		LastName:  last,
		Phone:     provider.FlexibleString(u.PhoneNumber),
	})
}

// NaturalKey はremote_idのない顧客を照合するキー。
func NaturalKey(c *model.UnifiedCustomer) string {
	return c.Name
}

func splitName(name string) (string, string) {
	for i, r := range name {
		if r == ' ' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}
