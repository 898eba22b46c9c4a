package gateway

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"edgegate/internal/auth"
	"edgegate/internal/middleware"
	"edgegate/internal/ratelimit"
	"edgegate/internal/respcache"
)

// Stage 是请求流水线中的一个阶段。
// 返回 false 表示该阶段已经写出响应（拒绝或缓存命中），后续阶段不再执行；
// 返回的请求可能携带了新的上下文（身份、缓存写入标记）。
type Stage func(w http.ResponseWriter, r *http.Request) (*http.Request, bool)

// Pipeline 是启动时为一条路由组装好的阶段链，末端是转发器或管理接口
type Pipeline struct {
	name    string
	stages  []Stage
	final   http.Handler
	metrics *middleware.GatewayMetrics
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := middleware.NewStatusRecorder(w)
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordRequest(p.name, rec.Status)
		}
	}()

	for _, stage := range p.stages {
		var ok bool
		if r, ok = stage(rec, r); !ok {
			return
		}
	}
	p.final.ServeHTTP(rec, r)
}

// limitStage 对 scope 计数，并在响应上附带配额头部
func limitStage(l *ratelimit.Limiter, rule LimitRule, scope func(*http.Request) string) Stage {
	return func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
		res := l.Allow(r.Context(), scope(r), rule.Window, rule.Max)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed {
			return r, true
		}

		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		writeError(w, r, newError(KindRateLimited, nil))
		return r, false
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// identityScope 已认证请求按主体计数，匿名请求按客户端 IP 计数。
// X-Forwarded-For 只在对端是可信代理时才被采信。
func (rt *Router) identityScope(r *http.Request) string {
	if id := auth.IdentityFrom(r.Context()); id != nil {
		return id.SubjectID
	}
	return rt.proxies.ClientIP(r)
}

func globalScope(*http.Request) string {
	return "global"
}

// authenticateStage 提取并校验令牌，成功后把身份放入请求上下文
func authenticateStage(a *auth.Authenticator, cookieName string) Stage {
	return func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
		token, err := auth.ExtractToken(r, cookieName)
		if err != nil {
			writeError(w, r, newError(KindAuthMissing, err))
			return r, false
		}

		id, err := a.Authenticate(r.Context(), token)
		if err != nil {
			kind := KindAuthInvalid
			if !errors.Is(err, auth.ErrTokenInvalid) {
				kind = KindInternal
			}
			writeError(w, r, newError(kind, err))
			return r, false
		}
		return r.WithContext(auth.WithIdentity(r.Context(), id)), true
	}
}

// authorizeStage 检查身份的角色是否满足要求
func authorizeStage(required auth.Role) Stage {
	return func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
		if !auth.Permits(required, auth.IdentityFrom(r.Context())) {
			writeError(w, r, newError(KindForbidden, nil))
			return r, false
		}
		return r, true
	}
}

// cacheStage 命中时直接返回缓存的响应体，未命中时标记请求，由转发器写回缓存
func cacheStage(c *respcache.Cache, route *Route, metrics *middleware.GatewayMetrics) Stage {
	return func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
		if r.Method != http.MethodGet {
			return r, true
		}

		key := respcache.Key(r)
		if entry, ok := c.Lookup(r.Context(), key); ok {
			if metrics != nil {
				metrics.CacheHit(route.Name)
			}
			writeCached(w, r, entry)
			return r, false
		}

		if metrics != nil {
			metrics.CacheMiss(route.Name)
		}
		return r.WithContext(withCapture(r.Context(), &cacheCapture{key: key, ttl: route.CacheTTL})), true
	}
}

// writeCached 写出缓存的响应体，客户端支持时重新压缩
func writeCached(w http.ResponseWriter, r *http.Request, entry *respcache.Entry) {
	h := w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	h.Set(CacheHeader, "HIT")
	h.Add("Vary", "Accept-Encoding")

	body := entry.Body
	if len(body) >= minCompressSize {
		if enc := negotiateEncoding(r.Header.Get("Accept-Encoding")); enc != "" {
			encoded, err := encodeBody(enc, body)
			if err == nil {
				h.Set("Content-Encoding", enc)
				body = encoded
			} else {
				slog.Warn("压缩缓存响应失败，返回原始响应体", "encoding", enc, "error", err)
			}
		}
	}

	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// buildPipeline 按固定顺序组装阶段：全局限流、认证、鉴权、按身份限流、缓存
func (rt *Router) buildPipeline(route *Route, final http.Handler) *Pipeline {
	stages := []Stage{rt.globalStage}

	if route.RequiresAuth {
		stages = append(stages, authenticateStage(rt.authn, rt.cfg.Auth.TokenCookie))
		stages = append(stages, authorizeStage(route.RequiredRole))
	}
	if route.Limit != nil {
		limiter := ratelimit.New(route.Name, rt.store, rt.metrics)
		stages = append(stages, limitStage(limiter, *route.Limit, rt.identityScope))
	}
	if route.Cacheable() {
		stages = append(stages, cacheStage(rt.cache, route, rt.metrics))
	}

	return &Pipeline{name: route.Name, stages: stages, final: final, metrics: rt.metrics}
}
