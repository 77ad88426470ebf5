package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"corenexus/internal/shared/types"
)

const (
	DefaultTestURL      = "https://www.gstatic.com/generate_204"
	DefaultTimeoutMs    = 5000
	DefaultReadyTimeout = 10
	DefaultWebPort      = 9595
	DefaultController   = "http://127.0.0.1:9097"
	DefaultBinary       = "mihomo"
)

// LoadIni 加载 nexus.ini 行为配置文件，并应用环境变量覆盖与默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return mapIni(cfg, iniFile, filepath.Dir(fileName))
}

// LoadIniBytes is LoadIni for in-memory content; relative paths resolve against baseDir.
func LoadIniBytes(cfg *types.Config, content []byte, baseDir string) error {
	iniFile, err := ini.Load(content)
	if err != nil {
		return err
	}
	return mapIni(cfg, iniFile, baseDir)
}

func mapIni(cfg *types.Config, iniFile *ini.File, baseDir string) error {
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.CoreConf.Secret, "NEXUS_CORE_SECRET")
	overrideFromEnvString(&cfg.CoreConf.Binary, "NEXUS_CORE_BINARY")
	overrideFromEnvInt(&cfg.LocalConf.WebPort, "NEXUS_WEB_PORT")
	ApplyDefaults(cfg, baseDir)
	return nil
}

// ApplyDefaults fills zero values. Relative data/home directories resolve against baseDir.
func ApplyDefaults(cfg *types.Config, baseDir string) {
	if cfg.ProbeConf.TestURL == "" {
		cfg.ProbeConf.TestURL = DefaultTestURL
	}
	if cfg.ProbeConf.TimeoutMs <= 0 {
		cfg.ProbeConf.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.CoreConf.Controller == "" {
		cfg.CoreConf.Controller = DefaultController
	}
	if cfg.CoreConf.Binary == "" {
		cfg.CoreConf.Binary = DefaultBinary
	}
	if cfg.CoreConf.LogLevel == "" {
		cfg.CoreConf.LogLevel = "info"
	}
	if cfg.CoreConf.ReadyTimeout <= 0 {
		cfg.CoreConf.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.LocalConf.WebPort == 0 {
		cfg.LocalConf.WebPort = DefaultWebPort
	}
	if cfg.LocalConf.DataDir == "" {
		cfg.LocalConf.DataDir = "data"
	}
	if !filepath.IsAbs(cfg.LocalConf.DataDir) && baseDir != "" {
		cfg.LocalConf.DataDir = filepath.Join(baseDir, cfg.LocalConf.DataDir)
	}
	if cfg.CoreConf.HomeDir == "" {
		cfg.CoreConf.HomeDir = filepath.Join(cfg.LocalConf.DataDir, "core")
	}
	if cfg.LocalConf.AppVersion == "" {
		cfg.LocalConf.AppVersion = "dev"
	}
}

// Layout names every persisted file under the data directory.
type Layout struct {
	Root string
}

func (l Layout) AppPreferences() string   { return filepath.Join(l.Root, "app_preferences.json") }
func (l Layout) ClashPreferences() string { return filepath.Join(l.Root, "clash_preferences.json") }
func (l Layout) SubscriptionsDir() string { return filepath.Join(l.Root, "subscriptions") }
func (l Layout) OverridesDir() string     { return filepath.Join(l.Root, "overrides") }
func (l Layout) DNSConfig() string        { return filepath.Join(l.Root, "dns_config.json") }
func (l Layout) PACFile() string          { return filepath.Join(l.Root, "proxy.pac") }
func (l Layout) BackupLock() string       { return filepath.Join(l.Root, ".backup.lock") }

// SubscriptionList is subscriptions/list.json.
func (l Layout) SubscriptionList() string { return filepath.Join(l.SubscriptionsDir(), "list.json") }

// OverrideList is overrides/list.json.
func (l Layout) OverrideList() string { return filepath.Join(l.OverridesDir(), "list.json") }

// SubscriptionConfig is the core config file of one subscription.
func (l Layout) SubscriptionConfig(id string) string {
	return filepath.Join(l.SubscriptionsDir(), id+".yaml")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
