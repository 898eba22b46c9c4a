// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package store

import (
	"fmt"
	"log/slog"

	"edgegate/configs"
)

// NewStoreFactory 根据配置创建并返回一个 Store 实例。
func NewStoreFactory(cfg configs.CacheStoreConfig) (Store, error) {
	switch cfg.Type {
	case "in-memory":
		slog.Info("正在初始化 In-Memory Store")
		return NewMemoryStore(cfg.CleanupInterval), nil
	case "redis":
		slog.Info("正在初始化 Redis Store")
		return NewRedisStore(RedisStoreConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
		}), nil
	default:
		return nil, fmt.Errorf("不支持的 cache_store 类型: %s", cfg.Type)
	}
}
