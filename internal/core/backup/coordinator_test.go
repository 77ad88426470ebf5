package backup

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"corenexus/internal/shared/config"
	"corenexus/internal/shared/settings"
)

type countingReloader struct{ calls int }

func (r *countingReloader) Reload() error {
	r.calls++
	return nil
}

type fixture struct {
	layout     config.Layout
	appPrefs   *settings.Store
	clashPrefs *settings.Store
	reloader   *countingReloader
	c          *Coordinator
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := config.Layout{Root: filepath.Join(t.TempDir(), "data")}
	mustWrite(t, layout.AppPreferences(), `{"auto_start_core": true, "window_width": 1280, "ui_scale": 2.0}`)
	mustWrite(t, layout.ClashPreferences(), `{"outbound_mode": "rule", "ratio": 0.25, "current_subscription": "home"}`)
	mustWrite(t, layout.SubscriptionList(), `[{"id":"home","name":"Home"}]`)
	mustWrite(t, layout.SubscriptionConfig("home"), "mode: rule\n")
	mustWrite(t, layout.SubscriptionConfig("work"), "mode: global\n")
	mustWrite(t, filepath.Join(layout.SubscriptionsDir(), "notes.txt"), "keep me")
	mustWrite(t, layout.OverrideList(), `["o1"]`)
	mustWrite(t, filepath.Join(layout.OverridesDir(), "o1.yaml"), "rules: []\n")
	mustWrite(t, layout.PACFile(), "function FindProxyForURL(){}")

	app, err := settings.NewStore(layout.AppPreferences())
	if err != nil {
		t.Fatal(err)
	}
	clash, err := settings.NewStore(layout.ClashPreferences())
	if err != nil {
		t.Fatal(err)
	}
	r := &countingReloader{}
	c := New(layout, app, clash, "1.2.3", r)
	c.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	return &fixture{layout: layout, appPrefs: app, clashPrefs: clash, reloader: r, c: c}
}

// persisted returns the content of every persisted store file.
func persisted(t *testing.T, l config.Layout) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, dir := range []string{l.Root, l.SubscriptionsDir(), l.OverridesDir()} {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if e.IsDir() || e.Name() == ".backup.lock" {
				continue
			}
			p := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(p)
			if err != nil {
				t.Fatal(err)
			}
			out[p] = string(data)
		}
	}
	return out
}

func TestCreateBackup_Format(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatal(err)
	}

	path, err := f.c.CreateBackup(out)
	if err != nil {
		t.Fatalf("CreateBackup() returned an error: %v", err)
	}
	if filepath.Base(path) != "backup_20240506_070809.nexusbak" {
		t.Errorf("Unexpected default file name %q", filepath.Base(path))
	}

	data, _ := os.ReadFile(path)
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"version", "timestamp", "app_version", "platform", "data"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("Expected top-level key %q", key)
		}
	}
	if doc["version"] != "1.0.0" || doc["timestamp"] != "2024-05-06T07:08:09Z" || doc["app_version"] != "1.2.3" {
		t.Errorf("Unexpected metadata: %v %v %v", doc["version"], doc["timestamp"], doc["app_version"])
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Data.Subscriptions.Configs) != 2 || snap.Data.Subscriptions.Configs["home"] == "" {
		t.Errorf("Expected configs keyed by stem, got %v", snap.Data.Subscriptions.Configs)
	}
	if _, ok := snap.Data.Overrides.Files["o1.yaml"]; !ok || len(snap.Data.Overrides.Files) != 1 {
		t.Errorf("Expected override files keyed by name, got %v", snap.Data.Overrides.Files)
	}
	if snap.Data.DNSConfig != nil || snap.Data.PACFile == nil {
		t.Error("Expected dns_config null and pac_file present")
	}
	if !strings.Contains(string(data), `"dns_config": null`) {
		t.Error("Expected dns_config to serialize as null")
	}
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	path, err := f.c.CreateBackup(filepath.Join(t.TempDir(), "b.nexusbak"))
	if err != nil {
		t.Fatal(err)
	}
	before := persisted(t, f.layout)

	// 备份之后改动数据
	_ = f.clashPrefs.Set("outbound_mode", "direct")
	_ = os.Remove(f.layout.SubscriptionConfig("work"))
	mustWrite(t, f.layout.SubscriptionConfig("extra"), "x: 1\n")
	mustWrite(t, filepath.Join(f.layout.OverridesDir(), "stale.js"), "//")

	if err := f.c.RestoreBackup(path); err != nil {
		t.Fatalf("RestoreBackup() returned an error: %v", err)
	}

	after := persisted(t, f.layout)
	for p, content := range before {
		if strings.HasSuffix(p, "preferences.json") {
			continue
		}
		if after[p] != content {
			t.Errorf("File %s not restored: got %q want %q", p, after[p], content)
		}
	}
	if _, err := os.Stat(f.layout.SubscriptionConfig("extra")); !os.IsNotExist(err) {
		t.Error("Expected subscription configs to be fully replaced")
	}
	if _, err := os.Stat(filepath.Join(f.layout.OverridesDir(), "stale.js")); !os.IsNotExist(err) {
		t.Error("Expected override files to be fully replaced")
	}
	if after[filepath.Join(f.layout.SubscriptionsDir(), "notes.txt")] != "keep me" {
		t.Error("Expected non-yaml subscription files to be left alone")
	}

	if f.clashPrefs.GetString("outbound_mode", "") != "rule" {
		t.Error("Expected clash preference to be restored")
	}
	if v, _ := f.appPrefs.Get("window_width"); v != int64(1280) {
		t.Errorf("Expected int preference restored as int64, got %T(%v)", v, v)
	}
	if v, _ := f.appPrefs.Get("ui_scale"); v != float64(2) {
		t.Errorf("Expected whole-number double restored as float64, got %T(%v)", v, v)
	}
	if v, _ := f.clashPrefs.Get("ratio"); v != 0.25 {
		t.Errorf("Expected double preference restored as float64, got %T(%v)", v, v)
	}
	if !f.appPrefs.GetBool("auto_start_core", false) {
		t.Error("Expected bool preference restored")
	}
	if f.reloader.calls != 1 {
		t.Errorf("Expected one reload, got %d", f.reloader.calls)
	}
}

func TestRestore_UnsupportedVersionLeavesStoresUntouched(t *testing.T) {
	f := newFixture(t)
	path, err := f.c.CreateBackup(filepath.Join(t.TempDir(), "b.nexusbak"))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	data = []byte(strings.Replace(string(data), `"version": "1.0.0"`, `"version": "2.0.0"`, 1))
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	_ = f.clashPrefs.Set("outbound_mode", "global")
	before := persisted(t, f.layout)

	err = f.c.RestoreBackup(path)
	if !errors.Is(err, ErrUnsupportedBackupVersion) {
		t.Fatalf("Expected ErrUnsupportedBackupVersion, got %v", err)
	}
	after := persisted(t, f.layout)
	if len(after) != len(before) {
		t.Fatalf("Expected file set unchanged, before=%d after=%d", len(before), len(after))
	}
	for p, content := range before {
		if after[p] != content {
			t.Errorf("File %s changed after rejected restore", p)
		}
	}
	if f.reloader.calls != 0 {
		t.Error("Expected no reload after rejected restore")
	}
}

func TestRestore_IncompleteAndInvalid(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	incomplete := filepath.Join(dir, "incomplete.nexusbak")
	mustWrite(t, incomplete, `{"version":"1.0.0","timestamp":"x","app_version":"1","platform":"linux",
		"data":{"app_preferences":{},"clash_preferences":{},"subscriptions":{"list":null,"configs":{}}}}`)
	if err := f.c.RestoreBackup(incomplete); !errors.Is(err, ErrIncompleteBackup) {
		t.Errorf("Expected ErrIncompleteBackup, got %v", err)
	}

	badB64 := filepath.Join(dir, "bad.nexusbak")
	mustWrite(t, badB64, `{"version":"1.0.0","data":{"app_preferences":{},"clash_preferences":{},
		"subscriptions":{"list":null,"configs":{"a":"!!!"}},"overrides":{"list":null,"files":{}}}}`)
	before := persisted(t, f.layout)
	if err := f.c.RestoreBackup(badB64); !errors.Is(err, ErrInvalidBackup) {
		t.Errorf("Expected ErrInvalidBackup, got %v", err)
	}
	after := persisted(t, f.layout)
	for p, content := range before {
		if after[p] != content {
			t.Errorf("File %s changed after invalid restore", p)
		}
	}

	traversal := filepath.Join(dir, "trav.nexusbak")
	mustWrite(t, traversal, `{"version":"1.0.0","data":{"app_preferences":{},"clash_preferences":{},
		"subscriptions":{"list":null,"configs":{}},"overrides":{"list":null,"files":{"../evil":"eA=="}}}}`)
	if err := f.c.RestoreBackup(traversal); !errors.Is(err, ErrInvalidBackup) {
		t.Errorf("Expected path traversal to be rejected, got %v", err)
	}
}

func TestRestore_NullListsFollowDirectoryHandling(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "lists.nexusbak")
	mustWrite(t, path, `{"version":"1.0.0","timestamp":"x","app_version":"1","platform":"linux",
		"data":{"app_preferences":{},"clash_preferences":{},
		"subscriptions":{"list":null,"configs":{"home":"bW9kZTogcnVsZQo="}},"overrides":{"list":null,"files":{}}}}`)

	if err := f.c.RestoreBackup(path); err != nil {
		t.Fatalf("RestoreBackup() returned an error: %v", err)
	}
	// 订阅目录只清理 *.yaml，list.json 保留
	if data, _ := os.ReadFile(f.layout.SubscriptionList()); string(data) != `[{"id":"home","name":"Home"}]` {
		t.Errorf("Expected subscription list kept, got %q", data)
	}
	// overrides 目录整体清空
	if _, err := os.Stat(f.layout.OverrideList()); !os.IsNotExist(err) {
		t.Error("Expected override list removed with the overrides directory")
	}
}

func TestConcurrentCreate_Busy(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	f.c.afterGather = func() {
		close(entered)
		<-proceed
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.c.CreateBackup(filepath.Join(t.TempDir(), "first.nexusbak"))
		errc <- err
	}()
	<-entered

	if _, err := f.c.CreateBackup(filepath.Join(t.TempDir(), "second.nexusbak")); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for concurrent create, got %v", err)
	}
	if err := f.c.RestoreBackup("whatever"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for concurrent restore, got %v", err)
	}

	close(proceed)
	if err := <-errc; err != nil {
		t.Fatalf("First CreateBackup failed: %v", err)
	}

	f.c.afterGather = nil
	if _, err := f.c.CreateBackup(filepath.Join(t.TempDir(), "third.nexusbak")); err != nil {
		t.Errorf("Expected create to succeed after the first completed, got %v", err)
	}
	if f.c.Busy() {
		t.Error("Expected busy flag to be cleared")
	}
}

func TestDefaultFileName(t *testing.T) {
	got := DefaultFileName(time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local))
	if got != "backup_20250102_030405.nexusbak" {
		t.Errorf("DefaultFileName() = %q", got)
	}
}
