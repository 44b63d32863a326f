package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/syncman/internal/middleware"
	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/worker/schedule"
)

// SyncTrigger は手動同期を受け付けるインターフェース。
type SyncTrigger interface {
	TriggerNow(ctx context.Context, key model.ResourceKey, userID string) (int, error)
}

// RunLister は同期履歴を参照するインターフェース。
type RunLister interface {
	ListRecent(ctx context.Context, limit int) ([]*model.RunReport, error)
}

// FieldMappingDefiner はカスタムフィールドを定義するインターフェース。
type FieldMappingDefiner interface {
	Define(ctx context.Context, projectID string, key model.ResourceKey, slug, provider, remoteField string) (*model.FieldMappingDefinition, error)
}

// ProviderCatalog はカテゴリの対応プロバイダーを返す。
type ProviderCatalog interface {
	ProvidersFor(category model.Category) []string
}

// WebhookEndpointCreator はWebhook購読先を登録するインターフェース。
type WebhookEndpointCreator interface {
	Create(ctx context.Context, endpoint *model.WebhookEndpoint) error
}

// URLValidator は登録されるURLを検証する。
type URLValidator interface {
	Validate(rawURL string) error
}

// AdminHandler は運用向け管理APIのHTTPハンドラー。
type AdminHandler struct {
	trigger   SyncTrigger
	runs      RunLister
	mappings  FieldMappingDefiner
	catalog   ProviderCatalog
	endpoints WebhookEndpointCreator
	validator URLValidator
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(deps *RouterDeps) *AdminHandler {
	return &AdminHandler{
		trigger:   deps.Trigger,
		runs:      deps.Runs,
		mappings:  deps.FieldMappings,
		catalog:   deps.Catalog,
		endpoints: deps.WebhookEndpoints,
		validator: deps.URLValidator,
	}
}

type resyncResponse struct {
	Resource string `json:"resource"`
	Enqueued int    `json:"enqueued"`
}

type runResponse struct {
	ID           string    `json:"id"`
	Resource     string    `json:"resource"`
	Provider     string    `json:"provider"`
	LinkedUserID string    `json:"linked_user_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Status       string    `json:"status"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Failed       int       `json:"failed"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

type fieldMappingRequest struct {
	Category     string `json:"category"`
	ResourceType string `json:"resource_type"`
	Slug         string `json:"slug"`
	Provider     string `json:"provider"`
	RemoteField  string `json:"remote_field"`
}

type fieldMappingResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Resource  string `json:"resource"`
	Slug      string `json:"slug"`
}

type webhookEndpointRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

type webhookEndpointResponse struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
}

// Resync はリソースの同期をスケジュールを待たずに開始する。
// POST /admin/sync/{category}/{resource}?user_id=
func (h *AdminHandler) Resync(w http.ResponseWriter, r *http.Request) {
	key, ok := resourceKeyFromPath(w, r)
	if !ok {
		return
	}

	n, err := h.trigger.TriggerNow(r.Context(), key, r.URL.Query().Get("user_id"))
	if err != nil {
		var nf *model.NotFoundError
		switch {
		case errors.As(err, &nf):
			middleware.WriteAPIError(w, model.NewUnknownResourceError(key.String()))
			return
		case errors.Is(err, schedule.ErrQueueFull):
			middleware.WriteAPIError(w, model.NewQueueFullError())
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resyncResponse{Resource: key.String(), Enqueued: n})
}

// ListRuns は新しい順に同期履歴を返す。
// GET /admin/runs?limit=
func (h *AdminHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeInvalidRequest(w, "limit は1から500の整数で指定してください。")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp := runResponse{
			ID:           run.ID,
			Resource:     run.Key.String(),
			Provider:     run.Provider,
			LinkedUserID: run.LinkedUserID,
			ConnectionID: run.ConnectionID,
			Status:       string(run.Status),
			Created:      run.Created,
			Updated:      run.Updated,
			Failed:       run.Failed,
			StartedAt:    run.StartedAt,
			FinishedAt:   run.FinishedAt,
		}
		if run.Err != nil {
			resp.Error = run.Err.Error()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// DefineFieldMapping はプロジェクトのカスタムフィールドを定義し、プロバイダーのフィールドに紐付ける。
// POST /admin/projects/{projectID}/field-mappings
func (h *AdminHandler) DefineFieldMapping(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := uuid.Parse(projectID); err != nil {
		writeInvalidRequest(w, "プロジェクトIDの形式が不正です。")
		return
	}

	var req fieldMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました。")
		return
	}
	key, err := model.ParseResourceKey(req.Category + "." + req.ResourceType)
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnknownResourceError(req.Category+"."+req.ResourceType))
		return
	}
	if !contains(h.catalog.ProvidersFor(key.Category), req.Provider) {
		middleware.WriteAPIError(w, model.NewUnknownProviderError(req.Provider))
		return
	}
	if req.Slug == "" || req.RemoteField == "" {
		writeInvalidRequest(w, "slug と remote_field は必須です。")
		return
	}

	def, err := h.mappings.Define(r.Context(), projectID, key, req.Slug, req.Provider, req.RemoteField)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fieldMappingResponse{
		ID:        def.ID,
		ProjectID: def.ProjectID,
		Resource:  key.String(),
		Slug:      def.Slug,
	})
}

// CreateWebhookEndpoint はプロジェクトのWebhook購読先を登録する。
// POST /admin/projects/{projectID}/webhooks
func (h *AdminHandler) CreateWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := uuid.Parse(projectID); err != nil {
		writeInvalidRequest(w, "プロジェクトIDの形式が不正です。")
		return
	}

	var req webhookEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました。")
		return
	}
	if len(req.Secret) < 16 {
		writeInvalidRequest(w, "secret は16文字以上で指定してください。")
		return
	}
	if err := h.validator.Validate(req.URL); err != nil {
		writeInvalidRequest(w, "Webhook URL が許可されていません: "+err.Error())
		return
	}
	for _, ev := range req.Events {
		if !isKnownEvent(ev) {
			writeInvalidRequest(w, "未知のイベントです: "+ev)
			return
		}
	}

	endpoint := &model.WebhookEndpoint{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Active:    true,
	}
	if err := h.endpoints.Create(r.Context(), endpoint); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, webhookEndpointResponse{
		ID:        endpoint.ID,
		ProjectID: endpoint.ProjectID,
		URL:       endpoint.URL,
		Events:    endpoint.Events,
	})
}

func resourceKeyFromPath(w http.ResponseWriter, r *http.Request) (model.ResourceKey, bool) {
	raw := chi.URLParam(r, "category") + "." + chi.URLParam(r, "resource")
	key, err := model.ParseResourceKey(raw)
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnknownResourceError(raw))
		return model.ResourceKey{}, false
	}
	return key, true
}

func isKnownEvent(ev string) bool {
	for _, key := range model.AllResourceKeys() {
		if key.EventName() == ev {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	middleware.WriteAPIError(w, &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
