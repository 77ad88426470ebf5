// Package statehub owns the authoritative control-plane state of the proxy
// core and publishes deduplicated change notifications.
package statehub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"corenexus/internal/shared/broadcast"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/settings"
	"corenexus/internal/shared/types"
)

var (
	ErrCoreNotRunning = errors.New("proxy core is not running")
	ErrModeRejected   = errors.New("proxy core rejected mode change")
	ErrInvalidMode    = errors.New("invalid outbound mode")
)

// TrackedState is the snapshot delivered to observers.
type TrackedState struct {
	CoreRunning           bool               `json:"coreRunning"`
	SystemProxyEnabled    bool               `json:"systemProxyEnabled"`
	TunEnabled            bool               `json:"tunEnabled"`
	OutboundMode          types.OutboundMode `json:"outboundMode"`
	HasActiveSubscription bool               `json:"hasActiveSubscription"`
}

// CoreAPI is the subset of the core RPC client the hub drives.
type CoreAPI interface {
	SetMode(ctx context.Context, mode types.OutboundMode) error
	SetTunEnabled(ctx context.Context, enabled bool) error
}

// SystemProxy toggles the OS proxy setting.
type SystemProxy interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// ConfigSource 提供当前订阅的配置路径，用于离线写入 mode。
type ConfigSource interface {
	ActiveConfigPath() (string, error)
	HasActive() bool
}

// ModeWriter rewrites the mode key of a core config file.
type ModeWriter func(path string, mode types.OutboundMode) error

// Hub 是五个被追踪字段的唯一权威来源。
// opMu 串行化 "修改 + 通知"，mu 只保护字段本身，以便订阅回调中可以调用 Snapshot。
type Hub struct {
	opMu sync.Mutex
	mu   sync.RWMutex

	state     TrackedState
	published TrackedState

	api         CoreAPI
	sysProxy    SystemProxy
	configs     ConfigSource
	writeMode   ModeWriter
	prefs       *settings.Store
	broadcaster *broadcast.Broadcaster[TrackedState]
	log         zerolog.Logger
}

// Options wires the hub's collaborators. All fields are required except WriteMode.
type Options struct {
	API         CoreAPI
	SystemProxy SystemProxy
	Configs     ConfigSource
	WriteMode   ModeWriter
	Prefs       *settings.Store
}

func New(opts Options) *Hub {
	h := &Hub{
		api:         opts.API,
		sysProxy:    opts.SystemProxy,
		configs:     opts.Configs,
		writeMode:   opts.WriteMode,
		prefs:       opts.Prefs,
		broadcaster: broadcast.New[TrackedState](),
		log:         logger.WithComponent("statehub"),
	}
	h.state = h.loadPersisted(TrackedState{})
	h.published = h.state
	return h
}

func (h *Hub) loadPersisted(base TrackedState) TrackedState {
	mode, ok := types.ParseOutboundMode(h.prefs.GetString(settings.KeyOutboundMode, string(types.ModeRule)))
	if !ok {
		mode = types.ModeRule
	}
	base.OutboundMode = mode
	base.TunEnabled = h.prefs.GetBool(settings.KeyTunEnabled, false)
	base.SystemProxyEnabled = h.prefs.GetBool(settings.KeySystemProxyEnabled, false)
	if h.configs != nil {
		base.HasActiveSubscription = h.configs.HasActive()
	}
	return base
}

// Subscribe registers fn for change notifications. Callbacks run synchronously
// on the mutating goroutine and must not call the hub's setters.
func (h *Hub) Subscribe(fn func(TrackedState)) *broadcast.Subscription {
	return h.broadcaster.Subscribe(fn)
}

func (h *Hub) Snapshot() TrackedState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) IsCoreRunning() bool {
	return h.Snapshot().CoreRunning
}

// SystemProxyEnabled is read by the lifecycle controller before stopping the core.
func (h *Hub) SystemProxyEnabled() bool {
	return h.Snapshot().SystemProxyEnabled
}

// commit 应用修改并与上一次发布的快照比较，只有存在差异时才通知订阅者。
// 调用方必须持有 opMu。
func (h *Hub) commit(mutate func(*TrackedState)) bool {
	h.mu.Lock()
	mutate(&h.state)
	next := h.state
	changed := next != h.published
	if changed {
		h.published = next
	}
	h.mu.Unlock()

	if changed {
		h.log.Debug().Interface("state", next).Msg("State changed, notifying observers.")
		h.broadcaster.Publish(next)
	}
	return changed
}

func (h *Hub) persist(key string, value interface{}) {
	if err := h.prefs.Set(key, value); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("Failed to persist preference.")
	}
}

// SetSystemProxy 开启或关闭系统代理。失败时记录日志并返回 false，字段保持不变。
func (h *Hub) SetSystemProxy(ctx context.Context, enabled bool) bool {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	var err error
	if enabled {
		err = h.sysProxy.Enable(ctx)
	} else {
		err = h.sysProxy.Disable(ctx)
	}
	if err != nil {
		h.log.Error().Err(err).Bool("enabled", enabled).Msg("Failed to change system proxy.")
		return false
	}

	h.persist(settings.KeySystemProxyEnabled, enabled)
	h.commit(func(s *TrackedState) { s.SystemProxyEnabled = enabled })
	return true
}

// SetTunEnabled toggles TUN. While the core runs the change is applied live;
// otherwise it is only persisted and takes effect on the next start.
func (h *Hub) SetTunEnabled(ctx context.Context, enabled bool) bool {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.Snapshot().CoreRunning {
		if err := h.api.SetTunEnabled(ctx, enabled); err != nil {
			h.log.Error().Err(err).Bool("enabled", enabled).Msg("Failed to change TUN mode.")
			return false
		}
	}

	h.persist(settings.KeyTunEnabled, enabled)
	h.commit(func(s *TrackedState) { s.TunEnabled = enabled })
	return true
}

// SetMode 在核心运行时切换出站模式。
func (h *Hub) SetMode(ctx context.Context, mode types.OutboundMode) error {
	if _, ok := types.ParseOutboundMode(string(mode)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if !h.Snapshot().CoreRunning {
		h.log.Warn().Str("mode", string(mode)).Msg("Mode change requested while core is stopped.")
		return ErrCoreNotRunning
	}
	if err := h.api.SetMode(ctx, mode); err != nil {
		h.log.Error().Err(err).Str("mode", string(mode)).Msg("Core rejected mode change.")
		return fmt.Errorf("%w: %v", ErrModeRejected, err)
	}

	h.persist(settings.KeyOutboundMode, string(mode))
	h.commit(func(s *TrackedState) { s.OutboundMode = mode })
	return nil
}

// SetModeOffline 把 mode 写入尚未加载的配置文件和偏好存储，不需要核心运行。
// 没有可用的订阅配置时只写偏好，启动时再应用。
func (h *Hub) SetModeOffline(mode types.OutboundMode) error {
	if _, ok := types.ParseOutboundMode(string(mode)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.configs != nil && h.writeMode != nil {
		path, err := h.configs.ActiveConfigPath()
		if err != nil {
			h.log.Warn().Err(err).Msg("No active config to write mode into, persisting preference only.")
		} else if err := h.writeMode(path, mode); err != nil {
			return fmt.Errorf("write mode into %s: %w", path, err)
		}
	}

	if err := h.prefs.Set(settings.KeyOutboundMode, string(mode)); err != nil {
		return err
	}
	h.commit(func(s *TrackedState) { s.OutboundMode = mode })
	return nil
}

// SetCoreRunning is driven by the lifecycle controller.
func (h *Hub) SetCoreRunning(running bool) {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	h.commit(func(s *TrackedState) { s.CoreRunning = running })
}

func (h *Hub) SetHasActiveSubscription(active bool) {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	h.commit(func(s *TrackedState) { s.HasActiveSubscription = active })
}

// Reload 在恢复备份后重新读取持久化存储。CoreRunning 不受影响。
func (h *Hub) Reload() error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := h.prefs.Reload(); err != nil {
		return fmt.Errorf("reload clash preferences: %w", err)
	}
	h.commit(func(s *TrackedState) { *s = h.loadPersisted(*s) })
	h.log.Info().Msg("State reloaded from persisted stores.")
	return nil
}
