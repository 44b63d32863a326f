// Package provider はプロバイダーAPIへのHTTPアクセスの共通処理を提供する。
// 各プロバイダーのアダプタはサブパッケージに置く。
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/syncman/internal/security"
)

// DefaultUserAgent はプロバイダーへのリクエストに付与するUser-Agent。
const DefaultUserAgent = "Syncman/1.0"

// Options はClientの設定。
type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
	// RateLimit は1秒あたりのリクエスト数。0以下の場合は制限しない。
	RateLimit float64
	Burst     int
	UserAgent string
}

// Client はプロバイダーAPIを呼び出すHTTPクライアント。
// アダプタごとに1つ生成し、プロバイダー単位でリクエスト数を制限する。
type Client struct {
	http        *http.Client
	limiter     *rate.Limiter
	maxBodySize int64
	userAgent   string
}

// NewClient はEgressGuardが検証するHTTPクライアントを使用するClientを生成する。
func NewClient(guard security.EgressGuard, opts Options) *Client {
	return NewClientWithHTTP(guard.Client(opts.Timeout), opts)
}

// NewClientWithHTTP は任意のHTTPクライアントを使用するClientを生成する。
func NewClientWithHTTP(hc *http.Client, opts Options) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 10 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Client{
		http:        hc,
		limiter:     limiter,
		maxBodySize: opts.MaxBodySize,
		userAgent:   opts.UserAgent,
	}
}

// Request は1回のGETリクエストの内容。
type Request struct {
	URL     string
	Token   string
	Accept  string
	Headers map[string]string
}

// Response はGETの結果。
type Response struct {
	Body   []byte
	Header http.Header
}

// Get はリクエストを送信し、2xxの場合のみボディを返す。
// それ以外のステータスは*StatusErrorを返す。
func (c *Client) Get(ctx context.Context, r Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("リクエスト数の制限待ちで中断しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	accept := r.Accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// エラー本文は先頭のみ保持する
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{URL: r.URL, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	// 上限+1バイト読めた場合は上限超過とみなす
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, fmt.Errorf("レスポンスが上限 %d バイトを超えています", c.maxBodySize)
	}
	return &Response{Body: body, Header: resp.Header}, nil
}

// GetJSON はリクエストを送信し、ボディをoutにデコードする。
func (c *Client) GetJSON(ctx context.Context, r Request, out any) (http.Header, error) {
	resp, err := c.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return nil, fmt.Errorf("レスポンスのデコードに失敗: %w", err)
	}
	return resp.Header, nil
}
