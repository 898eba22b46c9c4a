package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiryScript 在一次往返内完成自增和首次设置过期时间。
// 计数器没有 TTL 时（例如被外部 INCR 创建）也补上窗口，避免计数器永不重置。
var incrWithExpiryScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

const scanBatchSize = 200

// RedisStoreConfig 定义了 RedisStore 的配置。
type RedisStoreConfig struct {
	Addr         string
	Password     string
	DB           int // 数据库索引
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore 是一个基于 Redis 的 Store 实现。
type RedisStore struct {
	client *redis.Client
	addr   string
}

// NewRedisStore 创建并返回一个新的 RedisStore 实例。
// 启动时 Redis 不可达不会导致失败：go-redis 会在后续请求中重连，
// 在此期间限流放行、缓存直接穿透。
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	// 尝试 Ping Redis 服务器以验证连接。
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisStore: 无法连接到 Redis，将以降级模式运行", "addr", cfg.Addr, "error", err)
	} else {
		slog.Info("RedisStore 初始化成功", "addr", cfg.Addr, "db", cfg.DB)
	}

	return &RedisStore{client: client, addr: cfg.Addr}
}

// NewRedisStoreFromClient 使用已有的客户端创建 RedisStore。
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, addr: client.Options().Addr}
}

// Get 从 Redis 中读取一个值。
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := rs.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set 向 Redis 中写入一个带 TTL 的值。
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := rs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete 删除一个键。
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeletePattern 使用 SCAN 遍历匹配的键并分批删除，避免 KEYS 阻塞 Redis。
func (rs *RedisStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	batch := make([]string, 0, scanBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := rs.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis del batch: %w", err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	iter := rs.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	slog.Debug("RedisStore: 按模式删除完成", "pattern", pattern, "deleted", deleted)
	return deleted, nil
}

// IncrWithExpiry 通过 Lua 脚本原子地自增计数器。
func (rs *RedisStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWithExpiryScript.Run(ctx, rs.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis incr %s: unexpected reply %v", key, res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Ping 检查 Redis 连接。
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Status 返回 Redis 的连接状态、键数量和连接池统计。
func (rs *RedisStore) Status(ctx context.Context) Status {
	st := Status{Type: "redis"}

	stats := rs.client.PoolStats()
	st.Details = map[string]any{
		"addr":        rs.addr,
		"pool_hits":   stats.Hits,
		"pool_misses": stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
	}

	n, err := rs.client.DBSize(ctx).Result()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Connected = true
	st.Keys = n
	return st
}

// Close 关闭 Redis 客户端连接。
func (rs *RedisStore) Close() error {
	if err := rs.client.Close(); err != nil {
		slog.Error("RedisStore: 关闭 Redis 连接失败", "error", err)
		return err
	}
	slog.Info("RedisStore: Redis 连接已关闭")
	return nil
}
