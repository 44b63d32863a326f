package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EgressGuard は外部への送信（プロバイダーAPIとWebhook配信）を公開ネットワークに限定する。
// 接続先URLはテナントが登録するため、内部ネットワークへのリクエストを防ぐ。
type EgressGuard interface {
	// Client は接続時にDNS解決後のIPアドレスを検証するHTTPクライアントを返す。
	Client(timeout time.Duration) *http.Client
	// Validate は登録時にURLを静的に検証する。DNS解決は行わない。
	Validate(rawURL string) error
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

type egressGuard struct {
	ports []int
}

// NewEgressGuard はEgressGuardを生成する。portsが空の場合は443のみ許可する。
func NewEgressGuard(ports ...int) EgressGuard {
	if len(ports) == 0 {
		ports = []int{443}
	}
	return &egressGuard{ports: ports}
}

func (g *egressGuard) Client(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(config).Client
}

func (g *egressGuard) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの形式が不正です: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("httpsのみ許可されています: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("ホストがありません: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("ローカルホストは許可されていません: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range privateRanges {
			if n.Contains(ip) {
				return fmt.Errorf("内部ネットワークのアドレスは許可されていません: %s", ip)
			}
		}
	}
	return nil
}
