// Package googledrive はGoogle Drive APIの共有ドライブのアダプタを提供する。
package googledrive

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/provider"
	"github.com/hitoshi/syncman/internal/unification"
)

// Name はプロバイダー名。
const Name = "googledrive"

// DefaultBaseURL はDrive API v3のベースURL。
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

const (
	pageSize    = 100
	folderURL   = "https://drive.google.com/drive/folders/"
	driveFields = "nextPageToken,drives(id,name,createdTime)"
)

type drive struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedTime string `json:"createdTime,omitempty"`
}

type driveList struct {
	Drives        []json.RawMessage `json:"drives"`
	NextPageToken string            `json:"nextPageToken"`
}

// DriveAdapter はfilestorage.driveのGoogle Driveアダプタ。
type DriveAdapter struct {
	client *provider.Client
}

// NewDriveAdapter はDriveAdapterを生成する。
func NewDriveAdapter(client *provider.Client) *DriveAdapter {
	return &DriveAdapter{client: client}
}

// Provider はプロバイダー名を返す。
func (a *DriveAdapter) Provider() string { return Name }

// Fetch は共有ドライブを全件取得する。次ページはnextPageTokenで示される。
func (a *DriveAdapter) Fetch(ctx context.Context, p model.SyncParam) ([]model.RawRecord, error) {
	base := provider.BaseURL(p.Connection.AccountURL, DefaultBaseURL)
	pageURL := func(token string) (string, error) {
		q := url.Values{
			"pageSize": {strconv.Itoa(pageSize)},
			"fields":   {driveFields},
		}
		if token != "" {
			q.Set("pageToken", token)
		}
		return provider.JoinURL(base, "drives", q)
	}

	first, err := pageURL("")
	if err != nil {
		return nil, err
	}
	return provider.Collect(ctx, first, 0, func(ctx context.Context, u string) ([]json.RawMessage, string, error) {
		var list driveList
		if _, err := a.client.GetJSON(ctx, provider.Request{URL: u, Token: p.Connection.AccessToken}, &list); err != nil {
			return nil, "", err
		}
		if list.NextPageToken == "" {
			return list.Drives, "", nil
		}
		next, err := pageURL(list.NextPageToken)
		if err != nil {
			return nil, "", err
		}
		return list.Drives, next, nil
	})
}

// Unify はドライブを正規化する。
func (a *DriveAdapter) Unify(raw []model.RawRecord, connectionID string, _ []model.FieldMappingRemote) ([]*model.UnifiedDrive, error) {
	drives := unification.DecodeAll[drive](raw)
	out := make([]*model.UnifiedDrive, len(drives))
	for i, d := range drives {
		u := &model.UnifiedDrive{
			Name:            d.Name,
			RemoteCreatedAt: provider.ParseTime(d.CreatedTime),
		}
		if d.ID != "" {
			u.DriveURL = folderURL + d.ID
		}
		u.RemoteID = d.ID
		u.ConnectionID = connectionID
		out[i] = u
	}
	return out, nil
}

// Desunify はドライブをDrive APIの形式に戻す。
func (a *DriveAdapter) Desunify(u *model.UnifiedDrive, _ []model.FieldMappingRemote) (model.RawRecord, error) {
	return json.Marshal(drive{
		ID:          u.RemoteID,
		Name:        u.Name,
		CreatedTime: provider.FormatTime(u.RemoteCreatedAt),
	})
}
