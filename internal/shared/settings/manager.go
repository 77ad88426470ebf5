package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Store 是一个以 JSON 文件持久化的键值偏好存储。
// 读取无锁 (atomic.Value 保存不可变快照)，写入串行化并立即落盘。
// 值只可能是 string、int64、float64 或 bool 四种类型。
type Store struct {
	filePath    string
	values      atomic.Value // map[string]interface{}, 写时复制
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 保护 subscribers 和文件写入
}

// NewStore 创建并加载偏好存储。filePath 为空时仅驻留内存。
func NewStore(filePath string) (*Store, error) {
	s := &Store{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}
	s.values.Store(map[string]interface{}{})
	if filePath == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", s.filePath).Msg("preferences file not found, starting empty.")
			s.values.Store(map[string]interface{}{})
			return nil
		}
		return fmt.Errorf("failed to read preferences file: %w", err)
	}
	values, err := Decode(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(s.filePath), err)
	}
	s.values.Store(values)
	return nil
}

// Decode 解析一个 JSON 对象，并把数字规范化为 int64 或 float64。
// 带小数点或指数的数字 (例如 2.0) 是 float64。嵌套的对象和数组不被接受。
func Decode(data []byte) (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) == 0 {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string, bool:
		return val, nil
	case json.Number:
		if !strings.ContainsAny(string(val), ".eE") {
			if i, err := val.Int64(); err == nil {
				return i, nil
			}
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case int:
		return int64(val), nil
	case int64, float64:
		return val, nil
	case float32:
		return float64(val), nil
	default:
		return nil, fmt.Errorf("unsupported preference value type %T", v)
	}
}

// Values is a preference map whose JSON form keeps float64 values apart
// from integers: 2.0 is written as 2.0, not 2.
type Values map[string]interface{}

func (v Values) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		var vb []byte
		switch f := v[k].(type) {
		case float64:
			vb, err = formatFloat(f)
		case float32:
			vb, err = formatFloat(float64(f))
		default:
			vb, err = json.Marshal(f)
		}
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func formatFloat(f float64) ([]byte, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("unsupported float value %v", f)
	}
	b := strconv.AppendFloat(nil, f, 'g', -1, 64)
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

// Register 将一个模块注册为某个键的订阅者。key 为 ReloadAll 时订阅整体替换事件。
func (s *Store) Register(key string, module ConfigurableModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[key] = append(s.subscribers[key], module)
}

func (s *Store) snapshot() map[string]interface{} {
	return s.values.Load().(map[string]interface{})
}

// All 返回当前全部偏好的副本。
func (s *Store) All() map[string]interface{} {
	cur := s.snapshot()
	out := make(map[string]interface{}, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	cur := s.snapshot()
	keys := make([]string, 0, len(cur))
	for k := range cur {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Get(key string) (interface{}, bool) {
	v, ok := s.snapshot()[key]
	return v, ok
}

func (s *Store) GetString(key, def string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

func (s *Store) GetBool(key string, def bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func (s *Store) GetInt(key string, def int64) int64 {
	if v, ok := s.Get(key); ok {
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		}
	}
	return def
}

// Set 写入一个键，持久化到磁盘，再异步通知该键的订阅者。
func (s *Store) Set(key string, value interface{}) error {
	nv, err := normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next := s.All()
	next[key] = nv
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	s.values.Store(next)
	subs := append([]ConfigurableModule(nil), s.subscribers[key]...)
	s.mu.Unlock()

	go notify(subs, key, nv)
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	next := s.All()
	if _, ok := next[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(next, key)
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	s.values.Store(next)
	subs := append([]ConfigurableModule(nil), s.subscribers[key]...)
	s.mu.Unlock()

	go notify(subs, key, nil)
	return nil
}

// Replace 用 values 整体替换存储内容。
func (s *Store) Replace(values map[string]interface{}) error {
	next := make(map[string]interface{}, len(values))
	for k, v := range values {
		nv, err := normalize(v)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		next[k] = nv
	}

	s.mu.Lock()
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	s.values.Store(next)
	subs := append([]ConfigurableModule(nil), s.subscribers[ReloadAll]...)
	s.mu.Unlock()

	go notify(subs, ReloadAll, nil)
	return nil
}

// Reload 重新从磁盘读取 (用于恢复备份之后)。
func (s *Store) Reload() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	err := s.load()
	subs := append([]ConfigurableModule(nil), s.subscribers[ReloadAll]...)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go notify(subs, ReloadAll, nil)
	return nil
}

// Path is the backing file, "" for in-memory stores.
func (s *Store) Path() string {
	return s.filePath
}

func (s *Store) persist(values map[string]interface{}) error {
	if s.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(Values(values), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

func notify(subs []ConfigurableModule, key string, value interface{}) {
	if len(subs) == 0 {
		return
	}
	log.Debug().Str("key", key).Int("subscribers", len(subs)).Msg("Notifying subscribers of preference update.")
	for _, sub := range subs {
		if err := sub.OnSettingsUpdate(key, value); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Error notifying subscriber.")
		}
	}
}
