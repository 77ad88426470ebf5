package globalstate

import "sync"

// StatusManager 保存一行面向用户的状态描述 (例如 "Starting core...")，
// 由生命周期控制器更新，供 /api/status 和 CLI 读取。
type StatusManager struct {
	mu     sync.RWMutex
	status string
}

// 全局的状态管理器实例
var GlobalStatus = &StatusManager{status: "Initializing..."}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = newStatus
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}
