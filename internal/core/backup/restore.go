package backup

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"corenexus/internal/shared/settings"
)

// decoded 是通过全部校验、完成 base64 解码的备份内容。
// 还原只在得到它之后才开始修改磁盘。
type decoded struct {
	version    string
	timestamp  string
	appPrefs   map[string]interface{}
	clashPrefs map[string]interface{}
	subList    *string
	subConfigs map[string][]byte
	ovList     *string
	ovFiles    map[string][]byte
	dns        []byte
	pac        []byte
}

type header struct {
	Version    string          `json:"version"`
	Timestamp  string          `json:"timestamp"`
	AppVersion string          `json:"app_version"`
	Platform   string          `json:"platform"`
	Data       json.RawMessage `json:"data"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parse validates shape and version and decodes every blob.
func parse(content []byte) (*decoded, error) {
	var h header
	if err := json.Unmarshal(content, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if h.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackupVersion, h.Version)
	}
	if isNull(h.Data) {
		return nil, fmt.Errorf("%w: missing data", ErrIncompleteBackup)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(h.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidBackup, err)
	}
	for _, key := range requiredDataKeys {
		if raw, ok := data[key]; !ok || isNull(raw) {
			return nil, fmt.Errorf("%w: missing %s", ErrIncompleteBackup, key)
		}
	}

	d := &decoded{version: h.Version, timestamp: h.Timestamp}
	var err error
	if d.appPrefs, err = settings.Decode(data["app_preferences"]); err != nil {
		return nil, fmt.Errorf("%w: app_preferences: %v", ErrInvalidBackup, err)
	}
	if d.clashPrefs, err = settings.Decode(data["clash_preferences"]); err != nil {
		return nil, fmt.Errorf("%w: clash_preferences: %v", ErrInvalidBackup, err)
	}

	var subs SubscriptionSet
	if err := json.Unmarshal(data["subscriptions"], &subs); err != nil {
		return nil, fmt.Errorf("%w: subscriptions: %v", ErrInvalidBackup, err)
	}
	d.subList = subs.List
	if d.subConfigs, err = decodeFiles(subs.Configs); err != nil {
		return nil, fmt.Errorf("%w: subscriptions: %v", ErrInvalidBackup, err)
	}

	var ovs OverrideSet
	if err := json.Unmarshal(data["overrides"], &ovs); err != nil {
		return nil, fmt.Errorf("%w: overrides: %v", ErrInvalidBackup, err)
	}
	d.ovList = ovs.List
	if d.ovFiles, err = decodeFiles(ovs.Files); err != nil {
		return nil, fmt.Errorf("%w: overrides: %v", ErrInvalidBackup, err)
	}

	if d.dns, err = decodeOptional(data["dns_config"]); err != nil {
		return nil, fmt.Errorf("%w: dns_config: %v", ErrInvalidBackup, err)
	}
	if d.pac, err = decodeOptional(data["pac_file"]); err != nil {
		return nil, fmt.Errorf("%w: pac_file: %v", ErrInvalidBackup, err)
	}
	return d, nil
}

func decodeFiles(in map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(in))
	for name, b64 := range in {
		if !safeName(name) {
			return nil, fmt.Errorf("unsafe file name %q", name)
		}
		content, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", name, err)
		}
		out[name] = content
	}
	return out, nil
}

func decodeOptional(raw json.RawMessage) ([]byte, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// RestoreBackup 从 path 还原。版本不符或数据不完整时在任何修改之前失败。
func (c *Coordinator) RestoreBackup(path string) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	d, err := parse(content)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Backup rejected.")
		return err
	}
	c.log.Info().Str("version", d.version).Str("timestamp", d.timestamp).Msg("Restoring backup.")

	if err := c.appPrefs.Replace(d.appPrefs); err != nil {
		return fmt.Errorf("restore app preferences: %w", err)
	}
	if err := c.clashPrefs.Replace(d.clashPrefs); err != nil {
		return fmt.Errorf("restore clash preferences: %w", err)
	}
	if err := c.restoreSubscriptions(d); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	if err := c.restoreOverrides(d); err != nil {
		return fmt.Errorf("restore overrides: %w", err)
	}
	if d.dns != nil {
		if err := writeFileAtomic(c.layout.DNSConfig(), d.dns, 0644); err != nil {
			return fmt.Errorf("restore dns config: %w", err)
		}
	}
	if d.pac != nil {
		if err := writeFileAtomic(c.layout.PACFile(), d.pac, 0644); err != nil {
			return fmt.Errorf("restore pac file: %w", err)
		}
	}

	for _, r := range c.reloaders {
		if err := r.Reload(); err != nil {
			c.log.Warn().Err(err).Msg("Reload after restore failed.")
		}
	}
	c.log.Info().Msg("Backup restored.")
	return nil
}

func (c *Coordinator) restoreSubscriptions(d *decoded) error {
	dir := c.layout.SubscriptionsDir()
	err := eachFile(dir, func(name, path string) error {
		if filepath.Ext(name) != ".yaml" {
			return nil
		}
		return os.Remove(path)
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if d.subList != nil {
		if err := os.WriteFile(c.layout.SubscriptionList(), []byte(*d.subList), 0644); err != nil {
			return err
		}
	}
	for stem, content := range d.subConfigs {
		if err := os.WriteFile(c.layout.SubscriptionConfig(stem), content, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) restoreOverrides(d *decoded) error {
	dir := c.layout.OverridesDir()
	if err := eachFile(dir, func(_, path string) error { return os.Remove(path) }); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for name, content := range d.ovFiles {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
			return err
		}
	}
	if d.ovList != nil {
		if err := os.WriteFile(c.layout.OverrideList(), []byte(*d.ovList), 0644); err != nil {
			return err
		}
	}
	return nil
}
