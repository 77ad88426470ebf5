// Package coreapi is a client for the proxy core's external-controller API.
package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"corenexus/internal/shared/types"
)

var (
	ErrUnauthorized = errors.New("core api: unauthorized")
	ErrNotFound     = errors.New("core api: not found")
)

// APIError is a non-2xx response from the core.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("core api: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Client talks to the core over TCP or a unix domain socket.
type Client struct {
	baseURL    string // http://host:port or http://unix
	wsBaseURL  string
	secret     string
	socketPath string
	httpClient *http.Client
}

// NewClient 根据 endpoint 创建客户端。
// endpoint 形如 "unix:///tmp/core.sock"、"http://127.0.0.1:9090" 或 "127.0.0.1:9090"。
func NewClient(endpoint, secret string) (*Client, error) {
	c := &Client{secret: secret}
	transport := &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		c.socketPath = strings.TrimPrefix(endpoint, "unix://")
		if c.socketPath == "" {
			return nil, fmt.Errorf("empty unix socket path in %q", endpoint)
		}
		transport.DialContext = c.dialSocket
		c.baseURL = "http://unix"
		c.wsBaseURL = "ws://unix"
	default:
		if !strings.Contains(endpoint, "://") {
			endpoint = "http://" + endpoint
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid controller endpoint %q: %w", endpoint, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid controller endpoint %q: missing host", endpoint)
		}
		c.baseURL = strings.TrimRight(u.String(), "/")
		switch u.Scheme {
		case "https":
			c.wsBaseURL = "wss://" + u.Host + strings.TrimRight(u.Path, "/")
		default:
			c.wsBaseURL = "ws://" + u.Host + strings.TrimRight(u.Path, "/")
		}
	}

	c.httpClient = &http.Client{Transport: transport}
	return c, nil
}

func (c *Client) dialSocket(ctx context.Context, _, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.socketPath)
}

// Endpoint returns a printable form of the controller address.
func (c *Client) Endpoint() string {
	if c.socketPath != "" {
		return "unix://" + c.socketPath
	}
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// Version returns the core's version string. It doubles as a liveness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/version", nil)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "version").String(), nil
}

// PatchConfigs sends a partial runtime configuration update.
func (c *Client) PatchConfigs(ctx context.Context, patch map[string]interface{}) error {
	_, err := c.do(ctx, http.MethodPatch, "/configs", patch)
	return err
}

func (c *Client) SetMode(ctx context.Context, mode types.OutboundMode) error {
	return c.PatchConfigs(ctx, map[string]interface{}{"mode": string(mode)})
}

func (c *Client) SetTunEnabled(ctx context.Context, enabled bool) error {
	return c.PatchConfigs(ctx, map[string]interface{}{
		"tun": map[string]interface{}{"enable": enabled},
	})
}

// GetProxies 返回核心报告的全部节点和代理组，按名称排序。
// 含有 "all" 成员列表的条目被视为代理组。
func (c *Client) GetProxies(ctx context.Context) ([]types.ProxyNode, []types.ProxyGroup, error) {
	data, err := c.do(ctx, http.MethodGet, "/proxies", nil)
	if err != nil {
		return nil, nil, err
	}
	nodes, groups := ParseProxies(data)
	return nodes, groups, nil
}

// ParseProxies splits a /proxies document into nodes and groups.
func ParseProxies(data []byte) ([]types.ProxyNode, []types.ProxyGroup) {
	var nodes []types.ProxyNode
	var groups []types.ProxyGroup

	gjson.GetBytes(data, "proxies").ForEach(func(key, value gjson.Result) bool {
		name := value.Get("name").String()
		if name == "" {
			name = key.String()
		}
		typ := value.Get("type").String()

		if all := value.Get("all"); all.IsArray() {
			g := types.ProxyGroup{Name: name, Type: typ, Now: value.Get("now").String()}
			for _, m := range all.Array() {
				g.All = append(g.All, m.String())
			}
			groups = append(groups, g)
			return true
		}

		delay := types.DelayUnknown
		if history := value.Get("history").Array(); len(history) > 0 {
			if d := int(history[len(history)-1].Get("delay").Int()); d > 0 {
				delay = d
			}
		}
		nodes = append(nodes, types.ProxyNode{Name: name, Type: typ, Delay: delay})
		return true
	})

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return nodes, groups
}

// SelectProxy switches a Selector group to member.
func (c *Client) SelectProxy(ctx context.Context, group, member string) error {
	_, err := c.do(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), map[string]string{"name": member})
	return err
}

// ProxyDelay asks the core to measure one node. The returned delay is in ms.
func (c *Client) ProxyDelay(ctx context.Context, name, testURL string, timeout time.Duration) (int, error) {
	q := url.Values{}
	q.Set("url", testURL)
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	data, err := c.do(ctx, http.MethodGet, "/proxies/"+url.PathEscape(name)+"/delay?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	delay := gjson.GetBytes(data, "delay")
	if !delay.Exists() {
		return 0, fmt.Errorf("delay missing in response: %s", strings.TrimSpace(string(data)))
	}
	return int(delay.Int()), nil
}

type connectionsResponse struct {
	DownloadTotal int64                  `json:"downloadTotal"`
	UploadTotal   int64                  `json:"uploadTotal"`
	Connections   []types.ConnectionInfo `json:"connections"`
}

func (c *Client) GetConnections(ctx context.Context) ([]types.ConnectionInfo, error) {
	data, err := c.do(ctx, http.MethodGet, "/connections", nil)
	if err != nil {
		return nil, err
	}
	var resp connectionsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse connections: %w", err)
	}
	return resp.Connections, nil
}

func (c *Client) CloseConnection(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) CloseAllConnections(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/connections", nil)
	return err
}
