// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 表示键不存在或已过期。
var ErrNotFound = errors.New("store: key not found")

// Store 定义了网关共享缓存存储的通用接口。
// 令牌缓存、限流计数器和响应缓存都只通过这个接口访问存储，
// 任何实现（如内存存储或 Redis 存储）都必须保证每个操作自身是原子的。
type Store interface {
	// Get 读取一个值。键不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入一个带 TTL 的值。ttl <= 0 表示永不过期。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete 删除一个键，键不存在时不报错。
	Delete(ctx context.Context, key string) error

	// DeletePattern 删除所有匹配 Redis 风格 glob 的键，返回删除数量。
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	// IncrWithExpiry 原子地将计数器加一；只有这次自增创建了计数器（结果为 1）时才设置过期时间。
	// 返回自增后的计数和计数器剩余的生存时间。
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// Ping 检查存储是否可用。
	Ping(ctx context.Context) error

	// Status 返回存储的状态快照，用于管理接口。
	Status(ctx context.Context) Status

	// Close 释放资源，用于优雅关闭。
	Close() error
}

// Status 是存储的状态快照。
type Status struct {
	Type      string         `json:"type"`
	Connected bool           `json:"connected"`
	Keys      int64          `json:"keys"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}
