package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"edgegate/internal/store"
)

// KeyPrefix 是响应缓存在共享存储中的命名空间
const KeyPrefix = "cache:"

// DefaultPattern 匹配所有缓存的响应
const DefaultPattern = KeyPrefix + "*"

// Entry 是一条缓存的响应
type Entry struct {
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Cache 以规范化的请求 URL 为键缓存成功的 GET 响应体
type Cache struct {
	store store.Store
}

// New 创建响应缓存
func New(s store.Store) *Cache {
	return &Cache{store: s}
}

// Key 返回请求的缓存键：完整路径加查询串，不同的过滤和分页参数分别缓存
func Key(r *http.Request) string {
	key := KeyPrefix + r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	return key
}

// Lookup 查找缓存。存储出错时按未命中处理，请求会继续转发到上游。
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("响应缓存读取失败，直接转发", "key", key, "error", err)
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("响应缓存条目损坏，已忽略", "key", key, "error", err)
		return nil, false
	}
	return &e, true
}

// Store 写入缓存，失败只记录日志
func (c *Cache) Store(ctx context.Context, key string, e *Entry, ttl time.Duration) {
	raw, err := json.Marshal(e)
	if err != nil {
		slog.Error("序列化缓存条目失败", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		slog.Warn("响应缓存写入失败", "key", key, "error", err)
		return
	}
	slog.Debug("响应已缓存", "key", key, "ttl", ttl.String())
}

// NormalizePattern 将失效模式限制在响应缓存命名空间内，
// 防止管理员误删限流计数器或令牌缓存。空模式表示全部。
func NormalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return DefaultPattern
	}
	if !strings.HasPrefix(pattern, KeyPrefix) {
		pattern = KeyPrefix + pattern
	}
	return pattern
}

// Invalidate 删除所有匹配模式的缓存条目，返回删除数量
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	pattern = NormalizePattern(pattern)
	n, err := c.store.DeletePattern(ctx, pattern)
	if err != nil {
		return n, err
	}
	slog.Info("响应缓存已失效", "pattern", pattern, "cleared", n)
	return n, nil
}
