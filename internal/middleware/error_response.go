package middleware

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/syncman/internal/model"
)

// ErrorResponseBody は管理APIのエラーレスポンス。
// request_id はロギングミドルウェアが付与したレスポンスヘッダーから転記する。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

var statusByCode = map[string]int{
	model.ErrCodeUnknownResource: http.StatusNotFound,
	model.ErrCodeUnknownProvider: http.StatusBadRequest,
	model.ErrCodeInvalidRequest:  http.StatusBadRequest,
	model.ErrCodeSyncDeferred:    http.StatusConflict,
	model.ErrCodeQueueFull:       http.StatusServiceUnavailable,
}

// StatusForAPIError はエラーコードに対応するHTTPステータスを返す。
// 未定義のコードはカテゴリで判定し、sync は503、それ以外は400とする。
func StatusForAPIError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	if apiErr.Category == "sync" {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// WriteAPIError はエラーコードから決めたステータスでエラーレスポンスを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// WriteErrorResponse は指定ステータスでエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		RequestID: w.Header().Get(chimw.RequestIDHeader),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は500を返す。原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
