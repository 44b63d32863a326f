// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/syncman/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerContextKey はリクエストコンテキストに呼び出し元を格納するためのキー。
var callerContextKey = contextKey("caller")

// callerSinkKey はロギングミドルウェアが呼び出し元を受け取るための書き込み先のキー。
var callerSinkKey = contextKey("caller_sink")

// ErrNoCaller はコンテキストに呼び出し元が存在しないことを示す。
var ErrNoCaller = errors.New("呼び出し元がコンテキストに存在しません")

// AdminToken は管理APIのトークンと、ログやレート制限に使う呼び出し元名の組。
type AdminToken struct {
	Caller string
	Token  string
}

// NewAdminAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 一致したトークンの呼び出し元名をリクエストコンテキストに注入する。
// トークンが1つも設定されていない場合は全てのリクエストを拒否する。
func NewAdminAuthMiddleware(tokens []AdminToken) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w)
				return
			}

			caller := ""
			for _, t := range tokens {
				if t.Token != "" && subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
					caller = t.Caller
					break
				}
			}
			if caller == "" {
				slog.Warn("管理APIの認証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				writeUnauthorized(w)
				return
			}

			if sink, ok := r.Context().Value(callerSinkKey).(*string); ok {
				*sink = caller
			}
			ctx := context.WithValue(r.Context(), callerContextKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext はリクエストコンテキストから呼び出し元名を取得する。
func CallerFromContext(ctx context.Context) (string, error) {
	caller, ok := ctx.Value(callerContextKey).(string)
	if !ok || caller == "" {
		return "", ErrNoCaller
	}
	return caller, nil
}

// ContextWithCaller は呼び出し元名を格納したコンテキストを返す。テストで使用する。
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

func withCallerSink(ctx context.Context, sink *string) context.Context {
	return context.WithValue(ctx, callerSinkKey, sink)
}

func writeUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効な管理トークンを指定してください。",
	})
}
