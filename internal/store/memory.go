package store

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/match"
)

// entry 是内存存储中的条目定义
type entry struct {
	value     []byte
	expiresAt time.Time // 零值表示永不过期
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore 是一个支持 TTL 的线程安全内存存储，适用于单实例部署、开发和测试。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]entry
	stop  chan struct{} // 用于停止后台清理 goroutine
	once  sync.Once
	now   func() time.Time
}

// MemoryOption 配置 MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock 替换内存存储使用的时钟，测试中用于推进时间。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore 创建一个新的内存存储，并启动一个后台清理 goroutine
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]entry),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	// 只有在 cleanupInterval 大于 0 时才启动清理 goroutine
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}

	return s
}

// Get 读取一个值。过期的条目在被访问时会被删除。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, found := s.items[key]
	s.mu.RUnlock()

	if !found {
		return nil, ErrNotFound
	}

	if e.expired(s.now()) {
		// 获取写锁后再次检查，因为在此期间条目可能已被其他 goroutine 更新
		s.mu.Lock()
		e, found = s.items[key]
		if found && e.expired(s.now()) {
			delete(s.items, key)
			found = false
		}
		s.mu.Unlock()
		if !found {
			return nil, ErrNotFound
		}
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set 写入一个带 TTL 的值
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

// Delete 删除一个键
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// DeletePattern 删除所有匹配 glob 的未过期键
func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for key, e := range s.items {
		if !match.Match(key, pattern) {
			continue
		}
		delete(s.items, key)
		if !e.expired(now) {
			deleted++
		}
	}
	slog.Debug("内存存储按模式删除完成", "pattern", pattern, "deleted", deleted)
	return deleted, nil
}

// IncrWithExpiry 在写锁内完成自增和首次设置过期时间，与 Redis 脚本语义一致
func (s *MemoryStore) IncrWithExpiry(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, found := s.items[key]
	var count int64
	if found && !e.expired(now) {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, 0, err
		}
		count = n
	} else {
		e = entry{}
	}

	count++
	e.value = []byte(strconv.FormatInt(count, 10))
	if count == 1 || e.expiresAt.IsZero() {
		e.expiresAt = now.Add(window)
	}
	s.items[key] = e

	return count, e.expiresAt.Sub(now), nil
}

// Ping 内存存储始终可用
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Status 返回当前的条目数量
func (s *MemoryStore) Status(context.Context) Status {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()

	return Status{Type: "in-memory", Connected: true, Keys: int64(n)}
}

// Close 停止后台清理 goroutine，可重复调用
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		slog.Debug("正在停止内存存储的后台清理任务...")
		close(s.stop)
	})
	return nil
}

// cleanupLoop 定期从存储中删除过期的条目
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deleteExpired()
		case <-s.stop:
			slog.Debug("已停止内存存储的后台清理任务。")
			return
		}
	}
}

// deleteExpired 遍历所有条目并删除任何已过期的条目
func (s *MemoryStore) deleteExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deletedCount := 0
	for key, e := range s.items {
		if e.expired(now) {
			delete(s.items, key)
			deletedCount++
		}
	}
	if deletedCount > 0 {
		slog.Debug("内存存储后台清理完成", "删除数量", deletedCount)
	}
}
