// Package logs batches the core's log stream into a bounded, filterable buffer.
package logs

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

const (
	Capacity         = 2000
	TickInterval     = 200 * time.Millisecond
	FlushThreshold   = 1
	MaxFlushLatency  = 500 * time.Millisecond
	SearchDebounce   = 300 * time.Millisecond
	reconnectBackoff = 2 * time.Second
)

// LevelAll disables level filtering.
const LevelAll = "all"

// Source is the upstream log stream (the core API client).
type Source interface {
	StreamLogs(ctx context.Context, level string, fn func(types.LogMessage)) error
}

// Update is published once per flushed batch, or when the active filter changes.
type Update struct {
	Appended      []types.LogMessage
	FilterChanged bool
}

type viewKey struct {
	level   string
	keyword string
	length  int
}

// Aggregator 把高频日志事件合批后写入有界环形缓冲区，并提供带缓存的过滤视图。
type Aggregator struct {
	mu        sync.Mutex
	pending   []types.LogMessage
	committed *ring
	lastFlush time.Time
	paused    bool
	closed    bool

	level   string
	keyword string

	cacheValid bool
	cacheKey   viewKey
	cacheView  []types.LogMessage

	debounce *time.Timer
	ticker   *time.Ticker
	stop     chan struct{}
	wg       sync.WaitGroup

	now         func() time.Time
	broadcaster *broadcast.Broadcaster[Update]
	log         zerolog.Logger
}

// New 创建聚合器并启动 200ms 的刷新定时器。
func New() *Aggregator {
	a := newAggregator(time.Now)
	a.ticker = time.NewTicker(TickInterval)
	a.wg.Add(1)
	go a.tickLoop()
	return a
}

func newAggregator(now func() time.Time) *Aggregator {
	return &Aggregator{
		committed:   newRing(Capacity),
		lastFlush:   now(),
		level:       LevelAll,
		stop:        make(chan struct{}),
		now:         now,
		broadcaster: broadcast.New[Update](),
		log:         logger.WithComponent("logs"),
	}
}

func (a *Aggregator) tickLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ticker.C:
			a.Tick()
		case <-a.stop:
			return
		}
	}
}

// shouldFlush 是双触发刷新策略：数量达到阈值，或距上次刷新超过最大延迟且有待处理项。
func shouldFlush(pending int, sinceLast time.Duration) bool {
	if pending == 0 {
		return false
	}
	return pending >= FlushThreshold || sinceLast >= MaxFlushLatency
}

// Tick evaluates the flush policy once. It is driven by the ticker.
func (a *Aggregator) Tick() {
	a.mu.Lock()
	if a.closed || !shouldFlush(len(a.pending), a.now().Sub(a.lastFlush)) {
		a.mu.Unlock()
		return
	}
	batch := a.pending
	a.pending = nil
	a.committed.push(batch...)
	a.lastFlush = a.now()
	a.cacheValid = false
	a.mu.Unlock()

	a.broadcaster.Publish(Update{Appended: batch})
}

// Add admits one message into the pending inbox unless ingestion is paused.
func (a *Aggregator) Add(msg types.LogMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused || a.closed {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now()
	}
	a.pending = append(a.pending, msg)
}

func (a *Aggregator) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

func (a *Aggregator) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// Len returns the number of committed entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.len()
}

// Clear drops committed and pending entries.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.pending = nil
	a.committed.reset()
	a.cacheValid = false
	a.mu.Unlock()
	a.broadcaster.Publish(Update{FilterChanged: true})
}

func (a *Aggregator) Subscribe(fn func(Update)) *broadcast.Subscription {
	return a.broadcaster.Subscribe(fn)
}

// SetLevel sets the level filter immediately. "" or "all" disables it.
func (a *Aggregator) SetLevel(level string) {
	level = normalizeLevel(level)
	a.mu.Lock()
	changed := a.level != level
	a.level = level
	a.mu.Unlock()
	if changed {
		a.broadcaster.Publish(Update{FilterChanged: true})
	}
}

// SetSearchKeyword 防抖 300ms 后生效，新的调用会取消尚未触发的旧调用。
func (a *Aggregator) SetSearchKeyword(keyword string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.debounce != nil {
		a.debounce.Stop()
	}
	a.debounce = time.AfterFunc(SearchDebounce, func() { a.applyKeyword(keyword) })
}

func (a *Aggregator) applyKeyword(keyword string) {
	a.mu.Lock()
	if a.closed || a.keyword == keyword {
		a.mu.Unlock()
		return
	}
	a.keyword = keyword
	a.mu.Unlock()
	a.broadcaster.Publish(Update{FilterChanged: true})
}

// Filter returns the active (level, keyword) pair.
func (a *Aggregator) Filter() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level, a.keyword
}

// FilteredView 返回按 level 和关键字过滤后的已提交日志 (旧的在前)。
// 结果按 (level, keyword, 长度) 缓存，刷新时失效。
func (a *Aggregator) FilteredView(level, keyword string) []types.LogMessage {
	level = normalizeLevel(level)
	a.mu.Lock()
	defer a.mu.Unlock()

	key := viewKey{level: level, keyword: keyword, length: a.committed.len()}
	if a.cacheValid && a.cacheKey == key {
		return a.cacheView
	}

	all := a.committed.slice()
	var view []types.LogMessage
	if level == LevelAll && keyword == "" {
		view = all
	} else {
		kw := strings.ToLower(keyword)
		view = make([]types.LogMessage, 0, len(all))
		for _, m := range all {
			if matches(m, level, kw) {
				view = append(view, m)
			}
		}
	}

	a.cacheKey = key
	a.cacheView = view
	a.cacheValid = true
	return view
}

func matches(m types.LogMessage, level, lowerKeyword string) bool {
	if level != LevelAll && !strings.EqualFold(m.Level, level) {
		return false
	}
	if lowerKeyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(m.Payload), lowerKeyword) ||
		strings.Contains(strings.ToLower(m.Type), lowerKeyword)
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return LevelAll
	}
	return level
}

// Attach 持续订阅 src 的日志流，断开后按固定间隔重连，直到 ctx 结束。
func (a *Aggregator) Attach(ctx context.Context, src Source, level string) {
	for {
		err := src.StreamLogs(ctx, level, a.Add)
		if ctx.Err() != nil {
			return
		}
		a.log.Debug().Err(err).Msg("Log stream disconnected, reconnecting.")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// Close stops the ticker and any pending debounce timer.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.debounce != nil {
		a.debounce.Stop()
	}
	a.mu.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stop)
		a.wg.Wait()
	}
}
