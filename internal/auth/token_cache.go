package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"edgegate/internal/store"
)

const tokenKeyPrefix = "auth:token:"

// TokenCache 在共享存储中缓存已校验的身份，避免每个请求都重新校验签名。
// 条目是机会性的：丢失只会导致一次重新校验。
type TokenCache struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewTokenCache 创建令牌缓存。ttl 应明显短于令牌自身的有效期，
// 这样被吊销但未过期的令牌最终会被重新检查。
func NewTokenCache(s store.Store, ttl time.Duration) *TokenCache {
	return &TokenCache{store: s, ttl: ttl, now: time.Now}
}

// tokenKey 对令牌做哈希后再用作存储键，原始令牌不会落入存储
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenKeyPrefix + hex.EncodeToString(sum[:])
}

// Lookup 查找缓存的身份。存储出错时按未命中处理。
func (tc *TokenCache) Lookup(ctx context.Context, token string) (*Identity, bool) {
	raw, err := tc.store.Get(ctx, tokenKey(token))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("令牌缓存读取失败，回退到签名校验", "error", err)
		}
		return nil, false
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		slog.Warn("令牌缓存条目损坏，已忽略", "error", err)
		return nil, false
	}
	// 条目的 TTL 不会超过令牌有效期，这里再检查一次以防时钟漂移
	if !id.ExpiresAt.IsZero() && !tc.now().Before(id.ExpiresAt) {
		return nil, false
	}
	id.RawToken = token
	return &id, true
}

// Store 缓存身份，TTL 取配置值与令牌剩余有效期中的较小者
func (tc *TokenCache) Store(ctx context.Context, id *Identity) {
	ttl := tc.ttl
	if remaining := id.ExpiresAt.Sub(tc.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	raw, err := json.Marshal(id)
	if err != nil {
		slog.Error("序列化身份失败", "error", err)
		return
	}
	if err := tc.store.Set(ctx, tokenKey(id.RawToken), raw, ttl); err != nil {
		slog.Warn("令牌缓存写入失败", "error", err)
	}
}

// Authenticator 组合令牌缓存和校验器
type Authenticator struct {
	verifier *Verifier
	cache    *TokenCache
}

// NewAuthenticator 创建认证器。cache 为 nil 时每次都校验签名。
func NewAuthenticator(v *Verifier, cache *TokenCache) *Authenticator {
	return &Authenticator{verifier: v, cache: cache}
}

// Authenticate 先查缓存，未命中时校验签名并写回缓存
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if a.cache != nil {
		if id, ok := a.cache.Lookup(ctx, token); ok {
			return id, nil
		}
	}

	id, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		a.cache.Store(ctx, id)
	}
	return id, nil
}
