// Package backup exports and imports the persisted configuration set as a
// single versioned snapshot.
package backup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"corenexus/internal/shared/config"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/settings"
)

var (
	ErrBusy                     = errors.New("backup or restore already in progress")
	ErrUnsupportedBackupVersion = errors.New("unsupported backup version")
	ErrIncompleteBackup         = errors.New("incomplete backup")
	ErrInvalidBackup            = errors.New("invalid backup file")
)

// Reloader is asked to refresh in-memory state after a restore.
type Reloader interface {
	Reload() error
}

// Coordinator 负责备份与还原，同一时间只允许一个操作进行。
type Coordinator struct {
	layout     config.Layout
	appPrefs   *settings.Store
	clashPrefs *settings.Store
	appVersion string
	reloaders  []Reloader

	busy atomic.Bool
	lock *flock.Flock
	now  func() time.Time
	log  zerolog.Logger

	afterGather func() // test hook
}

func New(layout config.Layout, appPrefs, clashPrefs *settings.Store, appVersion string, reloaders ...Reloader) *Coordinator {
	return &Coordinator{
		layout:     layout,
		appPrefs:   appPrefs,
		clashPrefs: clashPrefs,
		appVersion: appVersion,
		reloaders:  reloaders,
		lock:       flock.New(layout.BackupLock()),
		now:        time.Now,
		log:        logger.WithComponent("backup"),
	}
}

// acquire 设置忙标志并获取数据目录上的跨进程文件锁。
func (c *Coordinator) acquire() (func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	if err := os.MkdirAll(c.layout.Root, 0755); err != nil {
		c.busy.Store(false)
		return nil, err
	}
	ok, err := c.lock.TryLock()
	if err != nil {
		c.busy.Store(false)
		return nil, fmt.Errorf("acquire backup lock: %w", err)
	}
	if !ok {
		c.busy.Store(false)
		return nil, ErrBusy
	}
	return func() {
		if err := c.lock.Unlock(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to release backup lock.")
		}
		c.busy.Store(false)
	}, nil
}

// Busy reports whether an operation is in flight.
func (c *Coordinator) Busy() bool {
	return c.busy.Load()
}

// CreateBackup 把全部持久化数据写入 target。target 为空或是目录时使用默认文件名。
// 返回实际写入的路径。
func (c *Coordinator) CreateBackup(target string) (string, error) {
	release, err := c.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	target = c.resolveTarget(target)
	c.log.Info().Str("target", target).Msg("Creating backup.")

	snap, err := c.gather()
	if err != nil {
		return "", err
	}
	if c.afterGather != nil {
		c.afterGather()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(target, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	c.log.Info().Str("target", target).Int("bytes", len(data)).Msg("Backup created.")
	return target, nil
}

func (c *Coordinator) resolveTarget(target string) string {
	name := DefaultFileName(c.now())
	if target == "" {
		return filepath.Join(c.layout.Root, "backups", name)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return filepath.Join(target, name)
	}
	return target
}

func (c *Coordinator) gather() (*Snapshot, error) {
	snap := &Snapshot{
		Version:    SchemaVersion,
		Timestamp:  c.now().UTC().Format(time.RFC3339),
		AppVersion: c.appVersion,
		Platform:   runtime.GOOS,
		Data: Content{
			AppPreferences:   c.appPrefs.All(),
			ClashPreferences: c.clashPrefs.All(),
			Subscriptions:    SubscriptionSet{Configs: map[string]string{}},
			Overrides:        OverrideSet{Files: map[string]string{}},
		},
	}

	var err error
	if snap.Data.Subscriptions.List, err = readOptional(c.layout.SubscriptionList()); err != nil {
		return nil, err
	}
	err = eachFile(c.layout.SubscriptionsDir(), func(name, path string) error {
		if filepath.Ext(name) != ".yaml" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		snap.Data.Subscriptions.Configs[strings.TrimSuffix(name, ".yaml")] = base64.StdEncoding.EncodeToString(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect subscriptions: %w", err)
	}

	if snap.Data.Overrides.List, err = readOptional(c.layout.OverrideList()); err != nil {
		return nil, err
	}
	err = eachFile(c.layout.OverridesDir(), func(name, path string) error {
		if name == "list.json" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		snap.Data.Overrides.Files[name] = base64.StdEncoding.EncodeToString(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect overrides: %w", err)
	}

	snap.Data.DNSConfig = c.readOptionalBase64(c.layout.DNSConfig())
	snap.Data.PACFile = c.readOptionalBase64(c.layout.PACFile())
	return snap, nil
}

func (c *Coordinator) readOptionalBase64(path string) *string {
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("path", path).Msg("Failed to read file for backup, skipping.")
		}
		return nil
	}
	s := base64.StdEncoding.EncodeToString(content)
	return &s
}

func readOptional(path string) (*string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	s := string(content)
	return &s, nil
}

// eachFile calls fn for every regular file directly inside dir; a missing dir is empty.
func eachFile(dir string, fn func(name, path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := fn(e.Name(), filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
