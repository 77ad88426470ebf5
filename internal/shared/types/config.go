package types

// CoreConf describes how the proxy-core binary is launched and reached.
type CoreConf struct {
	Binary       string `ini:"binary"`        // path to the mihomo/clash executable
	HomeDir      string `ini:"home_dir"`      // passed to the core as -d
	Controller   string `ini:"controller"`    // "unix:///tmp/nexus.sock" or "http://127.0.0.1:9090"
	Secret       string `ini:"secret"`        // external-controller bearer secret
	MixedPort    int    `ini:"mixed_port"`    // 0 = read from the core config
	ReadyTimeout int    `ini:"ready_timeout"` // seconds to wait for the controller after spawn
	SocksCheck   bool   `ini:"socks_check"`   // verify the mixed port with a SOCKS5 handshake once ready
	LogLevel     string `ini:"log_level"`     // level requested from the core's /logs stream
}

// ProbeConf tunes the latency probe engine.
type ProbeConf struct {
	TestURL     string `ini:"test_url"`
	TimeoutMs   int    `ini:"timeout_ms"`
	Concurrency int    `ini:"concurrency"` // 0 = derived from CPU count
}

// LocalConf 包含本地控制面的配置
type LocalConf struct {
	DataDir     string `ini:"data_dir"`
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
	AppVersion  string `ini:"app_version"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // "console", "json" or empty for auto-detect
	Output string `ini:"output"` // empty = stderr
}

// Config 是控制面的统一配置结构体
type Config struct {
	CoreConf  `ini:"core"`
	ProbeConf `ini:"probe"`
	LocalConf `ini:"local"`
	LogConf   `ini:"log"`
}
