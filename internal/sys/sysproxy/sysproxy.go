// Package sysproxy points the desktop's system proxy at the core's local port.
package sysproxy

import (
	"context"
	"errors"
	"sync"

	"corenexus/internal/shared/logger"
)

var ErrNoEndpoint = errors.New("system proxy endpoint not configured")

// backend 是平台相关的系统代理实现
type backend interface {
	Name() string
	Enabled(ctx context.Context) (bool, error)
	Enable(ctx context.Context, host string, port int, bypass []string) error
	Disable(ctx context.Context) error
}

var defaultBypass = []string{"localhost", "127.0.0.0/8", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// Manager serializes system proxy changes and remembers the target endpoint.
type Manager struct {
	mu      sync.Mutex
	backend backend
	host    string
	port    int
}

// NewManager picks the platform backend.
func NewManager() *Manager {
	b := newPlatformBackend()
	logger.Debug().Str("backend", b.Name()).Msg("System proxy backend selected.")
	return &Manager{backend: b, host: "127.0.0.1"}
}

// SetEndpoint 设置系统代理要指向的本地地址 (通常是核心的 mixed-port)。
func (m *Manager) SetEndpoint(host string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if host != "" {
		m.host = host
	}
	m.port = port
}

// Endpoint returns the local address the system proxy points at.
func (m *Manager) Endpoint() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host, m.port
}

func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Enabled(ctx)
}

func (m *Manager) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port <= 0 {
		return ErrNoEndpoint
	}
	return m.backend.Enable(ctx, m.host, m.port, defaultBypass)
}

func (m *Manager) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Disable(ctx)
}

// noopBackend 在不支持的平台上只记录状态
type noopBackend struct {
	mu      sync.Mutex
	enabled bool
}

func (n *noopBackend) Name() string { return "noop" }

func (n *noopBackend) Enabled(context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled, nil
}

func (n *noopBackend) Enable(_ context.Context, host string, port int, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	logger.Warn().Str("host", host).Int("port", port).Msg("System proxy is not supported on this platform, only tracking state.")
	n.enabled = true
	return nil
}

func (n *noopBackend) Disable(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = false
	return nil
}
