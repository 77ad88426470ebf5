package app

import (
	"context"

	"corenexus/internal/core/connections"
	"corenexus/internal/core/latency"
	"corenexus/internal/service/web"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

// Proxies returns the core's nodes with cached delays overlaid.
func (s *AppServer) Proxies(ctx context.Context) ([]types.ProxyNode, []types.ProxyGroup, error) {
	nodes, groups, err := s.client.GetProxies(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s.probe.ApplyDelays(nodes), groups, nil
}

// SelectProxy 切换选择器组的当前成员。
func (s *AppServer) SelectProxy(ctx context.Context, group, member string) error {
	return s.client.SelectProxy(ctx, group, member)
}

// TestProxy probes name (node or group) and reports the concrete node the
// group currently resolves to.
func (s *AppServer) TestProxy(ctx context.Context, name string) (string, int, error) {
	node := name
	if nodes, groups, err := s.client.GetProxies(ctx); err == nil {
		sel := latency.SelectionFromGroups(groups, nil)
		node = latency.Resolve(name, nodes, groups, sel, latency.DefaultMaxDepth)
	}
	delay := s.probe.TestOne(ctx, name, "", 0)
	s.sync.PublishDelay(DelayProgress{Node: name, Delay: delay, Done: true})
	return node, delay, nil
}

// TestGroup probes the direct members of group and streams each result to
// observers as it completes.
func (s *AppServer) TestGroup(ctx context.Context, group string) (map[string]int, error) {
	_, groups, err := s.client.GetProxies(ctx)
	if err != nil {
		return nil, err
	}
	var members []string
	found := false
	for _, g := range groups {
		if g.Name == group {
			members = g.All
			found = true
			break
		}
	}
	if !found {
		return nil, web.ErrGroupNotFound
	}

	results := s.probe.TestGroup(ctx, group, members, "", 0,
		func(name string) {
			s.sync.PublishDelay(DelayProgress{Group: group, Node: name, Delay: types.DelayUnknown})
		},
		func(name string, delay int) {
			s.sync.PublishDelay(DelayProgress{Group: group, Node: name, Delay: delay, Done: true})
		})
	logger.Debug().Str("group", group).Int("results", len(results)).Msg("[AppServer] Group test complete.")
	return results, nil
}

// Connections 返回连接列表。f 中给出的字段只作用于这一次查询，
// 未给出的字段沿用共享的过滤条件。
func (s *AppServer) Connections(f types.ViewFilter) []types.ConnectionInfo {
	if f.Empty() {
		return s.conns.Filtered()
	}
	level, keyword := s.conns.ActiveFilter()
	if f.Level != nil {
		level = connections.ParseLevel(*f.Level)
	}
	if f.Keyword != nil {
		keyword = *f.Keyword
	}
	return connections.Filter(s.conns.All(), level, keyword)
}

// SetConnectionFilter changes the shared filter every observer sees.
func (s *AppServer) SetConnectionFilter(f types.ViewFilter) {
	if f.Level != nil {
		s.conns.SetLevel(connections.ParseLevel(*f.Level))
	}
	if f.Keyword != nil {
		s.conns.SetKeyword(*f.Keyword)
	}
}

func (s *AppServer) PauseConnections(paused bool) {
	if paused {
		s.conns.Pause()
	} else {
		s.conns.Resume()
	}
}

func (s *AppServer) CloseConnection(ctx context.Context, id string) bool {
	return s.conns.CloseConnection(ctx, id)
}

func (s *AppServer) CloseAllConnections(ctx context.Context) bool {
	return s.conns.CloseAllConnections(ctx)
}

// Logs returns the committed log view. Fields given in f override the
// shared filter for this call only.
func (s *AppServer) Logs(f types.ViewFilter) []types.LogMessage {
	level, keyword := s.logs.Filter()
	if f.Level != nil {
		level = *f.Level
	}
	if f.Keyword != nil {
		keyword = *f.Keyword
	}
	return s.logs.FilteredView(level, keyword)
}

// SetLogFilter 修改共享的日志过滤条件。级别立即生效，关键字经过 300ms 防抖。
func (s *AppServer) SetLogFilter(f types.ViewFilter) {
	if f.Level != nil {
		s.logs.SetLevel(*f.Level)
	}
	if f.Keyword != nil {
		s.logs.SetSearchKeyword(*f.Keyword)
	}
}

func (s *AppServer) PauseLogs(paused bool) {
	if paused {
		s.logs.Pause()
	} else {
		s.logs.Resume()
	}
}

func (s *AppServer) ClearLogs() {
	s.logs.Clear()
}
