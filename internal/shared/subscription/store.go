// Package subscription reads the locally stored subscription list and
// resolves the core configuration file of the active subscription.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"corenexus/internal/shared/config"
	"corenexus/internal/shared/settings"
)

var ErrNoActiveSubscription = errors.New("no active subscription")

// Subscription 是 subscriptions/list.json 中的一项。
type Subscription struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Info      *UserInfo `json:"info,omitempty"`
}

// Store resolves subscriptions against the data directory layout. The
// current subscription id lives in the clash preference store.
type Store struct {
	// 保护 list.json 的读改写
	mu     sync.Mutex
	layout config.Layout
	prefs  *settings.Store
}

func NewStore(layout config.Layout, prefs *settings.Store) *Store {
	return &Store{layout: layout, prefs: prefs}
}

// List 读取订阅列表。文件不存在时返回空列表。
func (s *Store) List() ([]Subscription, error) {
	data, err := os.ReadFile(s.layout.SubscriptionList())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var list []Subscription
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse subscription list: %w", err)
	}
	return list, nil
}

// Save writes content as the config of sub and upserts sub into the list.
// An entry is matched by id, then by URL; a new entry gets a fresh uuid.
func (s *Store) Save(sub Subscription, content []byte) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.List()
	if err != nil {
		return Subscription{}, err
	}
	idx := -1
	for i, existing := range list {
		if (sub.ID != "" && existing.ID == sub.ID) || (sub.ID == "" && sub.URL != "" && existing.URL == sub.URL) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		if sub.Name == "" {
			sub.Name = list[idx].Name
		}
		if sub.URL == "" {
			sub.URL = list[idx].URL
		}
		sub.ID = list[idx].ID
	} else if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if !validID(sub.ID) {
		return Subscription{}, fmt.Errorf("invalid subscription id %q", sub.ID)
	}
	if sub.Name == "" {
		sub.Name = sub.ID
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(s.layout.SubscriptionsDir(), 0755); err != nil {
		return Subscription{}, err
	}
	if err := os.WriteFile(s.layout.SubscriptionConfig(sub.ID), content, 0644); err != nil {
		return Subscription{}, fmt.Errorf("write subscription config: %w", err)
	}
	if idx >= 0 {
		list[idx] = sub
	} else {
		list = append(list, sub)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return Subscription{}, err
	}
	if err := os.WriteFile(s.layout.SubscriptionList(), data, 0644); err != nil {
		return Subscription{}, fmt.Errorf("write subscription list: %w", err)
	}
	return sub, nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}

// CurrentID returns the selected subscription id, "" if none.
func (s *Store) CurrentID() string {
	return s.prefs.GetString(settings.KeyCurrentSubscription, "")
}

// Select marks id as the current subscription.
func (s *Store) Select(id string) error {
	if id == "" {
		return s.prefs.Delete(settings.KeyCurrentSubscription)
	}
	return s.prefs.Set(settings.KeyCurrentSubscription, id)
}

// ActiveConfigPath 返回当前订阅的配置文件路径。
// 未选择订阅、订阅已从列表中移除或配置文件缺失时返回 ErrNoActiveSubscription。
func (s *Store) ActiveConfigPath() (string, error) {
	id := s.CurrentID()
	if id == "" {
		return "", ErrNoActiveSubscription
	}
	list, err := s.List()
	if err != nil {
		return "", err
	}
	found := false
	for _, sub := range list {
		if sub.ID == id {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s not in list", ErrNoActiveSubscription, id)
	}
	path := s.layout.SubscriptionConfig(id)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoActiveSubscription, err)
	}
	return path, nil
}

// HasActive reports whether ActiveConfigPath would succeed.
func (s *Store) HasActive() bool {
	_, err := s.ActiveConfigPath()
	return err == nil
}
