package types

import (
	"strings"
	"time"
)

// OutboundMode is the global routing policy of the proxy core.
type OutboundMode string

const (
	ModeRule   OutboundMode = "rule"
	ModeGlobal OutboundMode = "global"
	ModeDirect OutboundMode = "direct"
)

// ParseOutboundMode normalizes a user supplied mode. ok is false for unknown values.
func ParseOutboundMode(s string) (OutboundMode, bool) {
	switch OutboundMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRule:
		return ModeRule, true
	case ModeGlobal:
		return ModeGlobal, true
	case ModeDirect:
		return ModeDirect, true
	default:
		return "", false
	}
}

// DelayUnknown marks a node that was never measured or whose last probe failed.
const DelayUnknown = -1

// DirectChain is the terminal chain entry the core reports for unproxied connections.
const DirectChain = "DIRECT"

// ProxyNode is a concrete outbound reported by the core.
type ProxyNode struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Delay int    `json:"delay"` // ms, -1 for unknown/failed
}

// ProxyGroup is a selector-like construct whose members may themselves be groups.
type ProxyGroup struct {
	Name string   `json:"name"`
	Type string   `json:"type"` // Selector, URLTest, Fallback, LoadBalance
	All  []string `json:"all"`
	Now  string   `json:"now,omitempty"`
}

// SelectionMap maps a group name to the member the user picked.
type SelectionMap map[string]string

// ConnectionMetadata mirrors the core's per-connection metadata block.
type ConnectionMetadata struct {
	Network         string `json:"network"`
	Type            string `json:"type"`
	SourceIP        string `json:"sourceIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationIP   string `json:"destinationIP"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host"`
	DNSMode         string `json:"dnsMode"`
	Process         string `json:"process"`
	ProcessPath     string `json:"processPath"`
}

// ConnectionInfo is one active connection. Values are replaced wholesale on
// every poll and never mutated in place.
type ConnectionInfo struct {
	ID            string             `json:"id"`
	Metadata      ConnectionMetadata `json:"metadata"`
	Upload        int64              `json:"upload"`
	Download      int64              `json:"download"`
	UploadSpeed   int64              `json:"uploadSpeed,omitempty"`
	DownloadSpeed int64              `json:"downloadSpeed,omitempty"`
	Start         time.Time          `json:"start"`
	Chains        []string           `json:"chains"`
	Rule          string             `json:"rule"`
	RulePayload   string             `json:"rulePayload"`
}

// TerminalNode returns the last hop of the chain, or "" when the chain is empty.
func (c *ConnectionInfo) TerminalNode() string {
	if len(c.Chains) == 0 {
		return ""
	}
	return c.Chains[len(c.Chains)-1]
}

// IsDirect reports whether the connection bypassed every proxy.
func (c *ConnectionInfo) IsDirect() bool {
	return c.TerminalNode() == DirectChain
}

// Description is the human readable destination: host:port when a host is
// known, otherwise destination ip:port.
func (c *ConnectionInfo) Description() string {
	host := c.Metadata.Host
	if host == "" {
		host = c.Metadata.DestinationIP
	}
	if c.Metadata.DestinationPort == "" {
		return host
	}
	return host + ":" + c.Metadata.DestinationPort
}

// ProcessName prefers the short process name and falls back to its path.
func (c *ConnectionInfo) ProcessName() string {
	if c.Metadata.Process != "" {
		return c.Metadata.Process
	}
	return c.Metadata.ProcessPath
}

// LogMessage is one line of the core's log stream.
type LogMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
}

// TrafficSample is one frame of the core's /traffic stream (bytes per second).
type TrafficSample struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// ViewFilter names a (level, keyword) filter. A nil field means "not given";
// an empty string clears that criterion.
type ViewFilter struct {
	Level   *string `json:"level,omitempty"`
	Keyword *string `json:"keyword,omitempty"`
}

// Empty reports whether neither field was given.
func (f ViewFilter) Empty() bool {
	return f.Level == nil && f.Keyword == nil
}
