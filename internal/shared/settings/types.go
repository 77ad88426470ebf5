package settings

// 持久化在 clash_preferences.json 中的键
const (
	KeyOutboundMode        = "outbound_mode"
	KeyTunEnabled          = "tun_enabled"
	KeySystemProxyEnabled  = "system_proxy_enabled"
	KeyCurrentSubscription = "current_subscription"
)

// 持久化在 app_preferences.json 中的键
const (
	KeyAutoStartCore = "auto_start_core"
)

// ConfigurableModule 是希望在偏好变更时得到通知的模块必须实现的接口。
type ConfigurableModule interface {
	// OnSettingsUpdate 在某个键被写入后调用。
	// key: 发生变化的键; value: 新值 (string/int64/float64/bool)，键被删除时为 nil。
	OnSettingsUpdate(key string, value interface{}) error
}

// ReloadAll 是 Register 的通配键，订阅者会在 Replace/Reload 后收到一次通知。
const ReloadAll = "*"
