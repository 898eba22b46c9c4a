// Package ratelimit 实现基于共享存储的固定窗口限流。
//
// 每次请求对 scope 的计数器做一次原子的"自增并在首次创建时设置过期"操作，
// 计数超过上限即拒绝。窗口边界处的突发最多可放行 2×max 个请求，这是固定窗口的
// 已知近似，不做平滑。存储不可用时一律放行。
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"edgegate/internal/store"
)

// Result 是一次限流判断的结果
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// FailedOpen 表示存储出错，请求在未计数的情况下被放行
	FailedOpen bool
}

// Observer 接收限流事件，用于指标统计
type Observer interface {
	RateLimited(limiter string)
	FailedOpen(limiter string)
}

// Limiter 是一个命名的固定窗口限流器
type Limiter struct {
	name     string
	store    store.Store
	observer Observer
}

// New 创建一个限流器。name 会成为计数器键的一部分，不同实例互不干扰。
func New(name string, s store.Store, observer Observer) *Limiter {
	return &Limiter{name: name, store: s, observer: observer}
}

// Name 返回限流器名称
func (l *Limiter) Name() string {
	return l.name
}

// Key 返回 scope 对应的计数器键
func (l *Limiter) Key(scope string) string {
	return "ratelimit:" + l.name + ":" + scope
}

// Allow 为 scope 计数一次并判断是否超出 window 内的 max 配额
func (l *Limiter) Allow(ctx context.Context, scope string, window time.Duration, max int) Result {
	count, ttl, err := l.store.IncrWithExpiry(ctx, l.Key(scope), window)
	if err != nil {
		slog.Warn("限流计数失败，按放行处理", "limiter", l.name, "scope", scope, "error", err)
		if l.observer != nil {
			l.observer.FailedOpen(l.name)
		}
		return Result{Allowed: true, Limit: max, Remaining: max, FailedOpen: true}
	}

	res := Result{Limit: max, Remaining: max - int(count)}
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	if count > int64(max) {
		res.RetryAfter = ttl
		if res.RetryAfter <= 0 {
			res.RetryAfter = window
		}
		slog.Debug("请求超出限流配额", "limiter", l.name, "scope", scope, "count", count, "max", max)
		if l.observer != nil {
			l.observer.RateLimited(l.name)
		}
		return res
	}

	res.Allowed = true
	return res
}
