package backup

import (
	"fmt"
	"time"

	"corenexus/internal/shared/settings"
)

const (
	// SchemaVersion is the only snapshot version restore accepts.
	SchemaVersion = "1.0.0"
	FileExtension = ".nexusbak"
)

// Snapshot 是备份文件的顶层结构。
type Snapshot struct {
	Version    string  `json:"version"`
	Timestamp  string  `json:"timestamp"`
	AppVersion string  `json:"app_version"`
	Platform   string  `json:"platform"`
	Data       Content `json:"data"`
}

// Content 是备份的数据部分。文件内容均为标准 base64。
type Content struct {
	AppPreferences   settings.Values `json:"app_preferences"`
	ClashPreferences settings.Values `json:"clash_preferences"`
	Subscriptions    SubscriptionSet `json:"subscriptions"`
	Overrides        OverrideSet     `json:"overrides"`
	DNSConfig        *string         `json:"dns_config"`
	PACFile          *string         `json:"pac_file"`
}

// SubscriptionSet keys configs by file stem (subscriptions/<name>.yaml).
type SubscriptionSet struct {
	List    *string           `json:"list"`
	Configs map[string]string `json:"configs"`
}

// OverrideSet keys files by full file name.
type OverrideSet struct {
	List  *string           `json:"list"`
	Files map[string]string `json:"files"`
}

var requiredDataKeys = []string{"app_preferences", "clash_preferences", "subscriptions", "overrides"}

// DefaultFileName returns backup_<yyyyMMdd_HHmmss>.nexusbak for t.
func DefaultFileName(t time.Time) string {
	return fmt.Sprintf("backup_%s%s", t.Format("20060102_150405"), FileExtension)
}
