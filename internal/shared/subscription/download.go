package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"corenexus/internal/shared/logger"
)

const (
	DefaultUserAgent = "clash.meta"
	DefaultTimeout   = 30 * time.Second
	connectTimeout   = 10 * time.Second
	maxConfigSize    = 32 << 20
)

var (
	ErrDownloadFailed    = errors.New("subscription download failed")
	ErrEmptySubscription = errors.New("subscription content is empty")
	ErrInvalidProxyMode  = errors.New("invalid download proxy mode")
)

// ProxyMode 决定下载订阅时走哪条路。
type ProxyMode string

const (
	ModeDirect ProxyMode = "direct"
	// ModeSystem 使用 HTTP_PROXY / HTTPS_PROXY 环境变量
	ModeSystem ProxyMode = "system"
	// ModeCore 通过核心的 mixed-port (SOCKS5) 下载
	ModeCore ProxyMode = "core"
)

// ParseProxyMode accepts "" as direct.
func ParseProxyMode(s string) (ProxyMode, error) {
	switch m := ProxyMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeDirect:
		return ModeDirect, nil
	case ModeSystem, ModeCore:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProxyMode, s)
	}
}

// UserInfo 来自 subscription-userinfo 响应头，字节数和 unix 时间戳。
type UserInfo struct {
	Upload   *uint64 `json:"upload,omitempty"`
	Download *uint64 `json:"download,omitempty"`
	Total    *uint64 `json:"total,omitempty"`
	Expire   *int64  `json:"expire,omitempty"`
}

// Downloaded is the body of a subscription plus its quota header.
type Downloaded struct {
	Content []byte
	Info    *UserInfo
}

// Download fetches a subscription config over HTTP. mixedPort is only used
// in ModeCore. Non-2xx responses and empty bodies are errors.
func Download(ctx context.Context, url string, mode ProxyMode, userAgent string, timeout time.Duration, mixedPort int) (*Downloaded, error) {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client, err := newHTTPClient(mode, timeout, mixedPort)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", url).Str("mode", string(mode)).Msg("[Subscription] Downloading subscription.")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %s", ErrDownloadFailed, resp.Status)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if len(content) == 0 {
		return nil, ErrEmptySubscription
	}

	logger.Info().Int("bytes", len(content)).Msg("[Subscription] Download finished.")
	return &Downloaded{
		Content: content,
		Info:    ParseUserInfo(resp.Header.Get("subscription-userinfo")),
	}, nil
}

func newHTTPClient(mode ProxyMode, timeout time.Duration, mixedPort int) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}

	switch mode {
	case ModeDirect, "":
	case ModeSystem:
		transport.Proxy = http.ProxyFromEnvironment
	case ModeCore:
		if mixedPort <= 0 {
			return nil, fmt.Errorf("%w: core proxy port unknown", ErrDownloadFailed)
		}
		socks, err := proxy.SOCKS5("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(mixedPort)), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		ctxDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: socks dialer does not support contexts", ErrDownloadFailed)
		}
		transport.DialContext = ctxDialer.DialContext
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidProxyMode, mode)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// ParseUserInfo 解析 "upload=0; download=123; total=1073741824; expire=1735689600"。
// 没有可识别的字段时返回 nil。
func ParseUserInfo(header string) *UserInfo {
	if header == "" {
		return nil
	}
	info := &UserInfo{}
	found := false
	for _, pair := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "upload":
			info.Upload, found = parseUint(value, info.Upload, found)
		case "download":
			info.Download, found = parseUint(value, info.Download, found)
		case "total":
			info.Total, found = parseUint(value, info.Total, found)
		case "expire":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.Expire = &v
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return info
}

func parseUint(value string, prev *uint64, found bool) (*uint64, bool) {
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return prev, found
	}
	return &v, true
}
