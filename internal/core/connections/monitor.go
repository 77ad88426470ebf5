// Package connections polls the core's active connections and serves a
// filtered, change-suppressed view.
package connections

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"corenexus/internal/shared/broadcast"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

const PollInterval = time.Second

// Level filters connections by their terminal chain entry.
type Level string

const (
	LevelAll    Level = "all"
	LevelDirect Level = "direct"
	LevelProxy  Level = "proxy"
)

// ParseLevel maps unknown values to LevelAll.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDirect:
		return LevelDirect
	case LevelProxy:
		return LevelProxy
	default:
		return LevelAll
	}
}

// API is the subset of the core client used by the monitor.
type API interface {
	GetConnections(ctx context.Context) ([]types.ConnectionInfo, error)
	CloseConnection(ctx context.Context, id string) error
	CloseAllConnections(ctx context.Context) error
}

// RunningState reports whether the core is running (the lifecycle controller).
type RunningState interface {
	IsRunning() bool
}

// Update is published when the id set changes or the filter changes.
type Update struct {
	Count         int
	FilterChanged bool
}

type filterKey struct {
	level   Level
	keyword string
}

// Monitor 每秒轮询一次活动连接，只有连接 id 集合变化时才通知订阅者。
type Monitor struct {
	api      API
	running  RunningState
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	conns   []types.ConnectionInfo
	ids     map[string]struct{}
	level   Level
	keyword string
	paused  bool
	// Stop 时递增，丢弃之前发起的刷新结果
	gen uint64

	cacheValid bool
	cacheKey   filterKey
	cacheView  []types.ConnectionInfo

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	broadcaster *broadcast.Broadcaster[Update]
}

func New(api API, running RunningState) *Monitor {
	return &Monitor{
		api:         api,
		running:     running,
		interval:    PollInterval,
		log:         logger.WithComponent("connections"),
		ids:         make(map[string]struct{}),
		level:       LevelAll,
		broadcaster: broadcast.New[Update](),
	}
}

func (m *Monitor) Subscribe(fn func(Update)) *broadcast.Subscription {
	return m.broadcaster.Subscribe(fn)
}

// OnCoreRunning starts polling when the core becomes Running and stops
// (clearing the list) when it stops.
func (m *Monitor) OnCoreRunning(running bool) {
	if running {
		m.Start()
	} else {
		m.Stop()
	}
}

// Start launches the poller. Calling it while already polling is a no-op.
func (m *Monitor) Start() {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.pollCancel = cancel
	m.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.pollOnce(ctx)
		for {
			select {
			case <-ticker.C:
				m.pollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	m.log.Debug().Msg("Connection poller started.")
}

func (m *Monitor) pollOnce(ctx context.Context) {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return
	}
	if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		m.log.Debug().Err(err).Msg("Connection poll failed.")
	}
}

// Stop halts the poller and clears the list.
func (m *Monitor) Stop() {
	m.pollMu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		m.log.Debug().Msg("Connection poller stopped.")
	}
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.replace(nil, gen)
}

// Pause suspends polling; the ticker keeps running.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *Monitor) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Refresh fetches one snapshot immediately.
// A result that lands after Stop is dropped.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	conns, err := m.api.GetConnections(ctx)
	if err != nil {
		return err
	}
	m.replace(conns, gen)
	return nil
}

// replace 整体替换连接列表，比较 id 集合决定是否通知。
// gen 与当前代不一致的结果直接丢弃。
func (m *Monitor) replace(conns []types.ConnectionInfo, gen uint64) {
	ids := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		ids[c.ID] = struct{}{}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.log.Debug().Msg("Dropping connection snapshot fetched before stop.")
		return
	}
	changed := !sameIDs(m.ids, ids)
	m.conns = conns
	m.ids = ids
	m.cacheValid = false
	m.mu.Unlock()

	if changed {
		m.broadcaster.Publish(Update{Count: len(conns)})
	}
}

func sameIDs(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// All returns the raw snapshot.
func (m *Monitor) All() []types.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

func (m *Monitor) SetLevel(level Level) {
	m.mu.Lock()
	changed := m.level != level
	m.level = level
	m.cacheValid = false
	m.mu.Unlock()
	if changed {
		m.broadcaster.Publish(Update{FilterChanged: true})
	}
}

func (m *Monitor) SetKeyword(keyword string) {
	m.mu.Lock()
	changed := m.keyword != keyword
	m.keyword = keyword
	m.cacheValid = false
	m.mu.Unlock()
	if changed {
		m.broadcaster.Publish(Update{FilterChanged: true})
	}
}

// ActiveFilter returns the current level and keyword.
func (m *Monitor) ActiveFilter() (Level, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level, m.keyword
}

// Filtered 返回按当前级别和关键字过滤后的连接，结果缓存到数据或过滤条件变化为止。
func (m *Monitor) Filtered() []types.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := filterKey{level: m.level, keyword: m.keyword}
	if m.cacheValid && m.cacheKey == key {
		return m.cacheView
	}
	view := Filter(m.conns, key.level, key.keyword)
	m.cacheKey = key
	m.cacheView = view
	m.cacheValid = true
	return view
}

// Filter applies the level and case-insensitive keyword filters.
func Filter(conns []types.ConnectionInfo, level Level, keyword string) []types.ConnectionInfo {
	kw := strings.ToLower(keyword)
	out := make([]types.ConnectionInfo, 0, len(conns))
	for i := range conns {
		c := &conns[i]
		switch level {
		case LevelDirect:
			if !c.IsDirect() {
				continue
			}
		case LevelProxy:
			if c.IsDirect() {
				continue
			}
		}
		if kw != "" && !matchesKeyword(c, kw) {
			continue
		}
		out = append(out, *c)
	}
	return out
}

func matchesKeyword(c *types.ConnectionInfo, lowerKeyword string) bool {
	for _, field := range []string{c.Description(), c.TerminalNode(), c.Rule, c.ProcessName()} {
		if strings.Contains(strings.ToLower(field), lowerKeyword) {
			return true
		}
	}
	return false
}

// CloseConnection 关闭单个连接。核心未运行时只记录警告。
func (m *Monitor) CloseConnection(ctx context.Context, id string) bool {
	if !m.running.IsRunning() {
		m.log.Warn().Str("id", id).Msg("Cannot close connection, core is not running.")
		return false
	}
	if err := m.api.CloseConnection(ctx, id); err != nil {
		m.log.Error().Err(err).Str("id", id).Msg("Failed to close connection.")
		return false
	}
	if err := m.Refresh(ctx); err != nil {
		m.log.Debug().Err(err).Msg("Refresh after close failed.")
	}
	return true
}

func (m *Monitor) CloseAllConnections(ctx context.Context) bool {
	if !m.running.IsRunning() {
		m.log.Warn().Msg("Cannot close connections, core is not running.")
		return false
	}
	if err := m.api.CloseAllConnections(ctx); err != nil {
		m.log.Error().Err(err).Msg("Failed to close all connections.")
		return false
	}
	if err := m.Refresh(ctx); err != nil {
		m.log.Debug().Err(err).Msg("Refresh after close failed.")
	}
	return true
}
