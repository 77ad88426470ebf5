// Package latency measures proxy round-trip delays through the core with
// bounded concurrency.
package latency

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

const maxConcurrency = 100

// DelayTester is the core API call behind every probe.
type DelayTester interface {
	ProxyDelay(ctx context.Context, name, testURL string, timeout time.Duration) (int, error)
}

// Engine runs probes and remembers the last measured delay per name.
type Engine struct {
	client      DelayTester
	concurrency int
	testURL     string
	timeout     time.Duration
	log         zerolog.Logger

	mu    sync.RWMutex
	cache map[string]int
}

// New 创建探测引擎。client 可以为 nil，此时所有探测返回 -1。
func New(client DelayTester, cfg types.ProbeConf) *Engine {
	n := cfg.Concurrency
	if n <= 0 {
		n = DefaultConcurrency()
	}
	return &Engine{
		client:      client,
		concurrency: clamp(n, 1, maxConcurrency),
		testURL:     cfg.TestURL,
		timeout:     time.Duration(cfg.TimeoutMs) * time.Millisecond,
		log:         logger.WithComponent("latency"),
		cache:       make(map[string]int),
	}
}

// DefaultConcurrency derives the probe window from CPU parallelism.
func DefaultConcurrency() int {
	return clamp(runtime.NumCPU()*4, 1, maxConcurrency)
}

func (e *Engine) Concurrency() int { return e.concurrency }

// TestURL and Timeout are the configured probe defaults.
func (e *Engine) TestURL() string        { return e.testURL }
func (e *Engine) Timeout() time.Duration { return e.timeout }

// TestOne 测量单个节点或代理组的延迟 (ms)。任何失败都返回 -1，不返回错误。
func (e *Engine) TestOne(ctx context.Context, name, testURL string, timeout time.Duration) int {
	if e.client == nil || name == "" {
		return types.DelayUnknown
	}
	if testURL == "" {
		testURL = e.testURL
	}
	if timeout <= 0 {
		timeout = e.timeout
	}

	// 核心自己也会在 timeout 后返回，这里多留一秒给 HTTP 往返
	reqCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	delay, err := e.client.ProxyDelay(reqCtx, name, testURL, timeout)
	if err != nil || delay <= 0 {
		e.log.Debug().Err(err).Str("name", name).Msg("Delay probe failed.")
		delay = types.DelayUnknown
	}
	e.record(name, delay)
	return delay
}

// TestGroup 以滑动窗口并发探测 members (组的直接成员，不递归解析)。
// onStart 在派发前同步调用，onComplete 在每个结果返回后串行调用。
// 返回值对每个不同的成员恰好有一项。开始后不会被 ctx 取消。
func (e *Engine) TestGroup(ctx context.Context, group string, members []string, testURL string, timeout time.Duration,
	onStart func(name string), onComplete func(name string, delay int)) map[string]int {

	unique := dedupe(members)
	results := make(map[string]int, len(unique))
	if len(unique) == 0 {
		return results
	}

	e.log.Info().Str("group", group).Int("members", len(unique)).Int("concurrency", e.concurrency).Msg("Starting group latency test.")
	start := time.Now()

	probeCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(e.concurrency))
	var wg sync.WaitGroup
	var resultsMu sync.Mutex
	var callbackMu sync.Mutex

	for _, name := range unique {
		// Acquire 只会因 ctx 取消而失败，probeCtx 不会被取消
		_ = sem.Acquire(probeCtx, 1)

		if onStart != nil {
			callbackMu.Lock()
			onStart(name)
			callbackMu.Unlock()
		}

		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			defer sem.Release(1)

			delay := e.TestOne(probeCtx, n, testURL, timeout)

			resultsMu.Lock()
			results[n] = delay
			resultsMu.Unlock()

			if onComplete != nil {
				callbackMu.Lock()
				onComplete(n, delay)
				callbackMu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	e.log.Info().Str("group", group).Dur("elapsed", time.Since(start)).Msg("Group latency test finished.")
	return results
}

func (e *Engine) record(name string, delay int) {
	e.mu.Lock()
	e.cache[name] = delay
	e.mu.Unlock()
}

// Delay returns the cached delay for name, -1 when never measured.
func (e *Engine) Delay(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.cache[name]; ok {
		return d
	}
	return types.DelayUnknown
}

// ApplyDelays overlays cached delays onto nodes reported by the core.
func (e *Engine) ApplyDelays(nodes []types.ProxyNode) []types.ProxyNode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ProxyNode, len(nodes))
	for i, n := range nodes {
		if d, ok := e.cache[n.Name]; ok {
			n.Delay = d
		}
		out[i] = n
	}
	return out
}

// ResetCache drops all measurements, e.g. after the core config changes.
func (e *Engine) ResetCache() {
	e.mu.Lock()
	e.cache = make(map[string]int)
	e.mu.Unlock()
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
