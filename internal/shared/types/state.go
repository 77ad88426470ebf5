package types

import "time"

// CoreStatus is the supervisor's view of the core process.
type CoreStatus struct {
	Running    bool      `json:"running"`
	PID        int32     `json:"pid,omitempty"`
	RSSBytes   uint64    `json:"rssBytes,omitempty"`
	CPUPercent float64   `json:"cpuPercent,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	ConfigPath string    `json:"configPath,omitempty"`
}
