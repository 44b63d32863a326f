package provider

import (
	"errors"
	"fmt"
)

// StatusClass はHTTPステータスコードに基づくエラーの分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusAuth は認可エラー（401/403）。接続の再認可が必要。
	StatusAuth
	// StatusNotFound はリソースが存在しない（404/410）。
	StatusNotFound
	// StatusRetryable は時間をおけば成功し得るエラー（429/5xx）。
	StatusRetryable
	// StatusUnknown はその他のステータス。
	StatusUnknown
)

func (c StatusClass) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusAuth:
		return "auth"
	case StatusNotFound:
		return "not_found"
	case StatusRetryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == 401 || code == 403:
		return StatusAuth
	case code == 404 || code == 410:
		return StatusNotFound
	case code == 429 || code >= 500:
		return StatusRetryable
	default:
		return StatusUnknown
	}
}

// StatusError はプロバイダーが2xx以外を返したことを示す。
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPステータス %d (%s): %s", e.StatusCode, ClassifyStatus(e.StatusCode), e.URL)
}

// Class はステータスの分類を返す。
func (e *StatusError) Class() StatusClass {
	return ClassifyStatus(e.StatusCode)
}

// IsRetryable はerrが時間をおいて再試行すべきプロバイダーエラーかを返す。
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Class() == StatusRetryable
	}
	return false
}
