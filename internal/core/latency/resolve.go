package latency

import (
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

// DefaultMaxDepth bounds group indirection during Resolve.
const DefaultMaxDepth = 20

// Resolve 把节点或代理组名称解析为具体节点。
// 代理组取 selection 中的选择 (必须是成员)，否则取第一个成员，然后继续向下解析。
// 遇到环、超过 maxDepth 或未知名称时记录警告并返回当时正在解析的名称。
func Resolve(name string, nodes []types.ProxyNode, groups []types.ProxyGroup, selection types.SelectionMap, maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	nodeSet := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		nodeSet[n.Name] = struct{}{}
	}
	groupMap := make(map[string]*types.ProxyGroup, len(groups))
	for i := range groups {
		groupMap[groups[i].Name] = &groups[i]
	}

	visited := make([]string, 0, maxDepth)
	current := name
	for {
		if _, ok := nodeSet[current]; ok {
			return current
		}
		group, ok := groupMap[current]
		if !ok {
			logger.Warn().Str("name", current).Str("root", name).Msg("Resolve: unknown proxy or group.")
			return current
		}
		if contains(visited, current) {
			logger.Warn().Str("name", current).Str("root", name).Interface("path", visited).Msg("Resolve: cycle detected in group graph.")
			return current
		}
		if len(visited) >= maxDepth {
			logger.Warn().Str("name", current).Str("root", name).Int("max_depth", maxDepth).Msg("Resolve: max depth exceeded.")
			return current
		}
		visited = append(visited, current)

		next := selection[current]
		if next == "" || !contains(group.All, next) {
			if len(group.All) == 0 {
				logger.Warn().Str("group", current).Msg("Resolve: group has no members.")
				return current
			}
			next = group.All[0]
		}
		current = next
	}
}

// SelectionFromGroups builds a SelectionMap from the groups' current members,
// letting entries in override win.
func SelectionFromGroups(groups []types.ProxyGroup, override types.SelectionMap) types.SelectionMap {
	sel := make(types.SelectionMap, len(groups)+len(override))
	for _, g := range groups {
		if g.Now != "" {
			sel[g.Name] = g.Now
		}
	}
	for k, v := range override {
		if v != "" {
			sel[k] = v
		}
	}
	return sel
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
