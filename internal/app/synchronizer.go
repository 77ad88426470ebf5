package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"corenexus/internal/core/connections"
	"corenexus/internal/core/lifecycle"
	"corenexus/internal/core/logs"
	"corenexus/internal/core/statehub"
	"corenexus/internal/shared/broadcast"
	"corenexus/internal/shared/globalstate"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

// Frame types pushed to observers.
const (
	FrameStatus      = "status_update"
	FrameLogs        = "logs_update"
	FrameConnections = "connections_update"
	FrameTraffic     = "traffic"
	FrameDelay       = "delay_update"
)

// Frame 是推送给外部观察者（web UI、托盘、CLI）的一条消息。
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Status is the aggregated view of every component.
type Status struct {
	GlobalStatus string                `json:"globalStatus"`
	Core         lifecycle.Status      `json:"core"`
	State        statehub.TrackedState `json:"state"`
	Connections  int                   `json:"connections"`
	Logs         int                   `json:"logs"`
	Traffic      types.TrafficSample   `json:"traffic"`
	Version      string                `json:"version,omitempty"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// DelayProgress streams one probe event of a running group test.
type DelayProgress struct {
	Group string `json:"group"`
	Node  string `json:"node"`
	Delay int    `json:"delay"`
	Done  bool   `json:"done"`
}

type StateSource interface {
	Subscribe(fn func(statehub.TrackedState)) *broadcast.Subscription
	Snapshot() statehub.TrackedState
}

type LifecycleSource interface {
	Subscribe(fn func(lifecycle.Status)) *broadcast.Subscription
	Status() lifecycle.Status
	Version() string
}

type LogSource interface {
	Subscribe(fn func(logs.Update)) *broadcast.Subscription
	Len() int
}

type ConnectionSource interface {
	Subscribe(fn func(connections.Update)) *broadcast.Subscription
}

// Synchronizer 汇总各组件的变化，统一转发给所有外部观察者。
// 状态帧仅在聚合结果与上次发布不同时发出。
type Synchronizer struct {
	mu          sync.Mutex
	current     Status
	lastStatus  Status
	published   bool
	subs        []*broadcast.Subscription
	lifecycle   LifecycleSource
	broadcaster *broadcast.Broadcaster[Frame]
	log         zerolog.Logger
}

func NewSynchronizer(state StateSource, lc LifecycleSource, logSrc LogSource, conns ConnectionSource) *Synchronizer {
	s := &Synchronizer{
		lifecycle:   lc,
		broadcaster: broadcast.New[Frame](),
		log:         logger.WithComponent("sync"),
	}
	s.current.State = state.Snapshot()
	s.current.Core = lc.Status()
	s.current.Logs = logSrc.Len()

	s.subs = append(s.subs,
		state.Subscribe(func(st statehub.TrackedState) {
			s.update(func(cur *Status) { cur.State = st })
		}),
		lc.Subscribe(func(st lifecycle.Status) {
			s.update(func(cur *Status) {
				cur.Core = st
				if !st.Running {
					cur.Traffic = types.TrafficSample{}
				}
			})
		}),
		logSrc.Subscribe(func(u logs.Update) {
			n := logSrc.Len()
			s.mu.Lock()
			s.current.Logs = n
			s.mu.Unlock()
			s.broadcaster.Publish(Frame{Type: FrameLogs, Data: u})
		}),
		conns.Subscribe(func(u connections.Update) {
			s.mu.Lock()
			s.current.Connections = u.Count
			s.mu.Unlock()
			s.broadcaster.Publish(Frame{Type: FrameConnections, Data: u})
		}),
	)
	return s
}

func (s *Synchronizer) Subscribe(fn func(Frame)) *broadcast.Subscription {
	return s.broadcaster.Subscribe(fn)
}

// Status returns the current aggregated view.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	out := s.current
	s.mu.Unlock()
	out.GlobalStatus = globalstate.GlobalStatus.Get()
	out.Version = s.lifecycle.Version()
	out.UpdatedAt = time.Now()
	return out
}

func (s *Synchronizer) update(mutate func(*Status)) {
	s.mu.Lock()
	mutate(&s.current)
	next := s.current
	changed := !s.published || next.State != s.lastStatus.State || next.Core != s.lastStatus.Core
	if changed {
		s.lastStatus = next
		s.published = true
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.log.Debug().
		Bool("running", next.Core.Running).
		Bool("loading", next.Core.Loading).
		Str("mode", string(next.State.OutboundMode)).
		Msg("Publishing status update.")
	s.broadcaster.Publish(Frame{Type: FrameStatus, Data: s.Status()})
}

// PublishTraffic forwards one sample of the core's traffic stream.
func (s *Synchronizer) PublishTraffic(sample types.TrafficSample) {
	s.mu.Lock()
	s.current.Traffic = sample
	s.mu.Unlock()
	s.broadcaster.Publish(Frame{Type: FrameTraffic, Data: sample})
}

// PublishDelay streams partial probe results.
func (s *Synchronizer) PublishDelay(p DelayProgress) {
	s.broadcaster.Publish(Frame{Type: FrameDelay, Data: p})
}

func (s *Synchronizer) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Release()
	}
}
