// Package greenhouse はGreenhouse Harvest APIのアダプタを提供する。
package greenhouse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/provider"
	"github.com/hitoshi/syncman/internal/security"
	"github.com/hitoshi/syncman/internal/unification"
)

// Name はプロバイダー名。
const Name = "greenhouse"

// DefaultBaseURL は接続にアカウントURLがない場合のAPIのベースURL。
const DefaultBaseURL = "https://harvest.greenhouse.io/v1"

const pageSize = 100

type named struct {
	ID   provider.FlexibleID `json:"id,omitempty"`
	Name string              `json:"name"`
}

type person struct {
	ID        provider.FlexibleID `json:"id,omitempty"`
	FirstName string              `json:"first_name"`
	LastName  string              `json:"last_name"`
}

type hiringTeam struct {
	HiringManagers []person `json:"hiring_managers,omitempty"`
	Recruiters     []person `json:"recruiters,omitempty"`
}

// job はHarvest APIの求人。
type job struct {
	ID            provider.FlexibleID     `json:"id"`
	Name          string                  `json:"name"`
	RequisitionID provider.FlexibleString `json:"requisition_id,omitempty"`
	Notes         string                  `json:"notes,omitempty"`
	Status        string                  `json:"status,omitempty"`
	Confidential  *bool                   `json:"confidential,omitempty"`
	Departments   []named                 `json:"departments,omitempty"`
	Offices       []named                 `json:"offices,omitempty"`
	HiringTeam    *hiringTeam             `json:"hiring_team,omitempty"`
	CreatedAt     string                  `json:"created_at,omitempty"`
	UpdatedAt     string                  `json:"updated_at,omitempty"`
}

// JobAdapter はats.jobのGreenhouseアダプタ。
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

// Fetch は全求人をページを辿って取得する。次ページはLinkヘッダーで示される。
// 認証はAPIキーによるBasic認証。
func (a *JobAdapter) Fetch(ctx context.Context, p model.SyncParam) ([]model.RawRecord, error) {
	first, err := provider.JoinURL(provider.BaseURL(p.Connection.AccountURL, DefaultBaseURL), "jobs", url.Values{
		"per_page": {strconv.Itoa(pageSize)},
		"page":     {"1"},
	})
	if err != nil {
		return nil, err
	}

	return provider.Collect(ctx, first, 0, func(ctx context.Context, u string) ([]json.RawMessage, string, error) {
		var items []json.RawMessage
		h, err := a.client.GetJSON(ctx, provider.Request{
			URL:     u,
			Headers: map[string]string{"Authorization": basicAuth(p.Connection.AccessToken)},
		}, &items)
		if err != nil {
			return nil, "", err
		}
		return items, provider.NextLink(h), nil
	})
}

// Unify は求人を正規化する。説明文は書式を残して無害化する。
func (a *JobAdapter) Unify(raw []model.RawRecord, connectionID string, _ []model.FieldMappingRemote) ([]*model.UnifiedJob, error) {
	jobs := unification.DecodeAll[job](raw)

	out := make([]*model.UnifiedJob, len(jobs))
	for i, j := range jobs {
		u := &model.UnifiedJob{
			Name:            a.sanitizer.PlainText(j.Name),
			Description:     a.sanitizer.RichText(j.Notes),
			Code:            j.RequisitionID.String(),
			Status:          mapStatus(j.Status),
			Confidential:    j.Confidential,
			Departments:     names(j.Departments),
			Offices:         names(j.Offices),
			RemoteCreatedAt: provider.ParseTime(j.CreatedAt),
			RemoteUpdatedAt: provider.ParseTime(j.UpdatedAt),
		}
		if j.HiringTeam != nil {
			u.Managers = personNames(j.HiringTeam.HiringManagers)
			u.Recruiters = personNames(j.HiringTeam.Recruiters)
		}
		u.RemoteID = j.ID.String()
		u.ConnectionID = connectionID
		out[i] = u
	}
	return out, nil
}

// Desunify は正規化された求人をHarvest APIの形式に戻す。
func (a *JobAdapter) Desunify(u *model.UnifiedJob, _ []model.FieldMappingRemote) (model.RawRecord, error) {
	j := job{
		ID:            provider.FlexibleID(u.RemoteID),
		Name:          u.Name,
		RequisitionID: provider.FlexibleString(u.Code),
		Notes:         u.Description,
		Status:        strings.ToLower(string(u.Status)),
		Confidential:  u.Confidential,
		CreatedAt:     provider.FormatTime(u.RemoteCreatedAt),
		UpdatedAt:     provider.FormatTime(u.RemoteUpdatedAt),
	}
	for _, d := range u.Departments {
		j.Departments = append(j.Departments, named{Name: d})
	}
	for _, o := range u.Offices {
		j.Offices = append(j.Offices, named{Name: o})
	}
	return json.Marshal(j)
}

// basicAuth はAPIキーをユーザー名、パスワードを空としたBasic認証ヘッダーを返す。
func basicAuth(apiKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))
}

func mapStatus(s string) model.JobStatus {
	switch strings.ToLower(s) {
	case "open":
		return model.JobStatusOpen
	case "closed":
		return model.JobStatusClosed
	case "draft":
		return model.JobStatusDraft
	case "":
		return ""
	default:
		return model.JobStatusPending
	}
}

func names(ns []named) []string {
	if len(ns) == 0 {
		return nil
	}
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		if n.Name != "" {
			out = append(out, n.Name)
		}
	}
	return out
}

func personNames(ps []person) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if n := provider.JoinName(p.FirstName, p.LastName); n != "" {
			out = append(out, n)
		}
	}
	return out
}
