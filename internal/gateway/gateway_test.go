package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgegate/configs"
	"edgegate/internal/auth"
	"edgegate/internal/middleware"
	"edgegate/internal/store"
)

const testSecret = "gateway-test-secret"

// upstream 是一个记录调用次数的假上游服务
type upstream struct {
	*httptest.Server
	calls    atomic.Int64
	lastUser atomic.Value
}

func newUpstream(t *testing.T, name string, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.lastUser.Store("")
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.lastUser.Store(r.Header.Get(headerUserID) + "/" + r.Header.Get(headerUserRole))
		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"service":"`+name+`","path":"`+r.URL.RequestURI()+`"}`)
	}))
	t.Cleanup(u.Close)
	return u
}

type testEnv struct {
	router    *Router
	store     store.Store
	upstreams map[string]*upstream
	verifier  *auth.Verifier
}

func newTestEnv(t *testing.T, handlers map[string]http.HandlerFunc, mutate func(*configs.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil, handlers, mutate)
}

// newTestEnvWithStore 为每个默认服务启动一个假上游，s 为 nil 时使用内存存储
func newTestEnvWithStore(t *testing.T, s store.Store, handlers map[string]http.HandlerFunc, mutate func(*configs.Config)) *testEnv {
	t.Helper()
	env := &testEnv{upstreams: map[string]*upstream{}, verifier: auth.NewVerifier(testSecret), store: s}

	cfg := &configs.Config{
		Auth:      configs.AuthConfig{JWTSecret: testSecret, TokenCookie: "token", TokenCacheTTL: time.Minute},
		RateLimit: configs.RateLimitConfig{Global: configs.LimitConfig{Max: 1000, Window: 15 * time.Minute}},
		Dispatch:  configs.DispatchConfig{Timeout: 2 * time.Second},
		Services:  map[string]string{},
		Routes:    configs.DefaultRoutes(),
	}
	for name := range configs.DefaultServices() {
		u := newUpstream(t, name, handlers[name])
		env.upstreams[name] = u
		cfg.Services[name] = u.URL
	}
	if mutate != nil {
		mutate(cfg)
	}

	if env.store == nil {
		ms := store.NewMemoryStore(0)
		t.Cleanup(func() { ms.Close() })
		env.store = ms
	}

	r, err := NewRouter(cfg, env.store, Options{Verifier: env.verifier})
	require.NoError(t, err)
	env.router = r
	return env
}

func (e *testEnv) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := e.verifier.Issue(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestRouteTable_Lookup(t *testing.T) {
	cfg := &configs.Config{
		Services: map[string]string{"a": "http://a.internal", "b": "http://b.internal"},
		Routes: []configs.RouteConfig{
			{Name: "api", Prefix: "/api", Service: "a"},
			{Name: "cart-read", Prefix: "/api/cart", Methods: []string{"get"}, Service: "b"},
			{Name: "cart-items", Prefix: "/api/cart/items", Service: "b"},
		},
	}
	table, err := NewRouteTable(cfg)
	require.NoError(t, err)

	tests := []struct {
		method, path string
		want         string
	}{
		{"GET", "/api/cart", "cart-read"},
		{"GET", "/api/cart/42", "cart-read"},
		{"HEAD", "/api/cart/42", "cart-read"},
		{"GET", "/api/cart/items/7", "cart-items"},
		{"POST", "/api/cart", "api"},
		{"GET", "/api/cartography", "api"},
		{"GET", "/apiv2", ""},
		{"HEAD", "/apiv2", ""},
		{"GET", "/health", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			route, ok := table.Lookup(tt.method, tt.path)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, route.Name)
		})
	}
}

func TestNewRouteTable_UnknownService(t *testing.T) {
	_, err := NewRouteTable(&configs.Config{
		Services: map[string]string{},
		Routes:   []configs.RouteConfig{{Name: "x", Prefix: "/api/x", Service: "missing"}},
	})
	assert.Error(t, err)
}

func TestNewRouteTable_RejectsCachedAuthRoute(t *testing.T) {
	_, err := NewRouteTable(&configs.Config{
		Services: map[string]string{"cart": "http://cart.internal"},
		Routes: []configs.RouteConfig{
			{Name: "cart-read", Prefix: "/api/cart", Service: "cart", RequiresAuth: true, CacheTTL: time.Minute},
		},
	})
	assert.Error(t, err)
}

func TestGateway_HeadOnReadRoutes(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	products := env.upstreams["products"]

	rec := env.do(http.MethodHead, "/api/products/42", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), products.calls.Load())

	// HEAD 不写入响应缓存
	rec = env.do(http.MethodGet, "/api/products/42", "", nil)
	assert.Equal(t, "MISS", rec.Header().Get(CacheHeader))

	// 认证路由的 HEAD 同样需要令牌
	rec = env.do(http.MethodHead, "/api/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_Authentication(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodGet, "/api/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authentication required", decodeEnvelope(t, rec).Message)

	rec = env.do(http.MethodGet, "/api/cart", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)

	expired, err := env.verifier.Issue("u-1", auth.RoleUser, -time.Minute)
	require.NoError(t, err)
	rec = env.do(http.MethodGet, "/api/cart", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, int64(0), env.upstreams["cart"].calls.Load(), "未认证的请求不应到达上游")

	rec = env.do(http.MethodGet, "/api/cart", env.token(t, "u-1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-1/user", env.upstreams["cart"].lastUser.Load())
}

func TestGateway_CookieToken(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: env.token(t, "u-2", auth.RoleUser)})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_IdentityHeadersCannotBeSpoofed(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/deals", nil)
	req.Header.Set(headerUserID, "admin-1")
	req.Header.Set(headerUserRole, "admin")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/", env.upstreams["products"].lastUser.Load())
}

func TestGateway_RoleAuthorization(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodPut, "/api/products/123", env.token(t, "u-1", auth.RoleUser), strings.NewReader(`{"price":1}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Insufficient permissions", decodeEnvelope(t, rec).Message)
	assert.Equal(t, int64(0), env.upstreams["products"].calls.Load())

	rec = env.do(http.MethodPut, "/api/products/123", env.token(t, "a-1", auth.RoleAdmin), strings.NewReader(`{"price":1}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"path":"/api/products/123"`)
	assert.Equal(t, int64(1), env.upstreams["products"].calls.Load())
}

func TestGateway_IdentityRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *configs.Config) {
		for i := range cfg.Routes {
			if cfg.Routes[i].Name == "orders-write" {
				cfg.Routes[i].Limit = &configs.LimitConfig{Max: 3, Window: time.Minute}
			}
		}
	})
	alice := env.token(t, "alice", auth.RoleUser)
	bob := env.token(t, "bob", auth.RoleUser)

	for i := 1; i <= 3; i++ {
		rec := env.do(http.MethodPost, "/api/orders", alice, strings.NewReader(`{}`))
		require.Equal(t, http.StatusOK, rec.Code, "第 %d 个请求", i)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := env.do(http.MethodPost, "/api/orders", alice, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.False(t, decodeEnvelope(t, rec).Success)

	// 配额按主体隔离
	rec = env.do(http.MethodPost, "/api/orders", bob, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	// 读写路由的计数器互不影响
	rec = env.do(http.MethodGet, "/api/orders", alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, int64(5), env.upstreams["orders"].calls.Load())
}

// login 以给定的对端地址和 X-Forwarded-For 调用登录路由
func (e *testEnv) login(remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec.Code
}

func TestGateway_AnonymousRateLimitByClientIP(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *configs.Config) {
		cfg.Routes[0].Limit = &configs.LimitConfig{Max: 1, Window: time.Minute} // auth
	})

	assert.Equal(t, http.StatusOK, env.login("203.0.113.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, env.login("203.0.113.1:5678", ""))
	assert.Equal(t, http.StatusOK, env.login("203.0.113.2:1234", ""))
}

func TestGateway_LoginLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	env := newTestEnv(t, nil, nil) // auth 路由默认 10 次 / 15 分钟

	admitted := 0
	for i := 0; i < 50; i++ {
		if env.login("198.51.100.7:40000", fmt.Sprintf("10.0.0.%d", i)) == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted, "轮换 X-Forwarded-For 不应获得新的配额")
}

func TestGateway_LoginLimitUsesForwardedForFromTrustedProxy(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *configs.Config) {
		cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
		cfg.Routes[0].Limit = &configs.LimitConfig{Max: 1, Window: time.Minute}
	})

	// 同一个可信代理后面的不同客户端各自计数
	assert.Equal(t, http.StatusOK, env.login("10.1.1.1:80", "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, env.login("10.1.1.1:80", "203.0.113.1"))
	assert.Equal(t, http.StatusOK, env.login("10.1.1.1:80", "203.0.113.2"))

	// 客户端在最左侧伪造的地址不影响计数
	assert.Equal(t, http.StatusTooManyRequests, env.login("10.1.1.1:80", "192.0.2.99, 203.0.113.2"))
}

func TestNewRouter_InvalidTrustedProxies(t *testing.T) {
	cfg := &configs.Config{
		Server:    configs.ServerConfig{TrustedProxies: []string{"10.0.0.0/99"}},
		Auth:      configs.AuthConfig{JWTSecret: testSecret},
		RateLimit: configs.RateLimitConfig{Global: configs.LimitConfig{Max: 10, Window: time.Minute}},
	}
	_, err := NewRouter(cfg, store.NewMemoryStore(0), Options{})
	assert.Error(t, err)
}

func TestGateway_GlobalRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *configs.Config) {
		cfg.RateLimit.Global = configs.LimitConfig{Max: 2, Window: time.Minute}
	})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/deals", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/categories", "", nil).Code)

	rec := env.do(http.MethodGet, "/api/recommendations", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	// 管理接口同样受全局配额约束
	rec = env.do(http.MethodGet, "/api/metrics", env.token(t, "a-1", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Prometheus 采集端点不计入配额
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestGateway_ResponseCache(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	products := env.upstreams["products"]
	admin := env.token(t, "a-1", auth.RoleAdmin)

	first := env.do(http.MethodGet, "/api/products?category=books", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(CacheHeader))

	second := env.do(http.MethodGet, "/api/products?category=books", "", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(CacheHeader))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, int64(1), products.calls.Load())

	// 查询参数不同是不同的缓存条目
	other := env.do(http.MethodGet, "/api/products?category=music", "", nil)
	assert.Equal(t, "MISS", other.Header().Get(CacheHeader))
	assert.Equal(t, int64(2), products.calls.Load())

	rec := env.do(http.MethodPost, "/api/cache/clear", admin, strings.NewReader(`{"pattern":"cache:/api/products*"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared cacheClearResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.True(t, cleared.Success)
	assert.Equal(t, int64(2), cleared.Cleared)

	third := env.do(http.MethodGet, "/api/products?category=books", "", nil)
	assert.Equal(t, "MISS", third.Header().Get(CacheHeader))
	assert.Equal(t, int64(3), products.calls.Load())
}

func TestGateway_ResponseCacheExpiresAfterRouteTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ms := store.NewMemoryStore(0, store.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { ms.Close() })

	env := newTestEnvWithStore(t, ms, nil, nil)
	products := env.upstreams["products"]

	// deals 路由的缓存时间为 10 分钟
	assert.Equal(t, "MISS", env.do(http.MethodGet, "/api/deals", "", nil).Header().Get(CacheHeader))
	assert.Equal(t, "HIT", env.do(http.MethodGet, "/api/deals", "", nil).Header().Get(CacheHeader))

	now = now.Add(9 * time.Minute)
	assert.Equal(t, "HIT", env.do(http.MethodGet, "/api/deals", "", nil).Header().Get(CacheHeader))
	assert.Equal(t, int64(1), products.calls.Load())

	now = now.Add(2 * time.Minute)
	rec := env.do(http.MethodGet, "/api/deals", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(CacheHeader))
	assert.Equal(t, int64(2), products.calls.Load())

	assert.Equal(t, "HIT", env.do(http.MethodGet, "/api/deals", "", nil).Header().Get(CacheHeader))
}

func TestGateway_ResponseCache_OnlySuccessfulGets(t *testing.T) {
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"products": func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/missing") {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"success":false,"message":"Product not found"}`)
				return
			}
			io.WriteString(w, `{"success":true}`)
		},
	}, nil)
	products := env.upstreams["products"]

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodGet, "/api/products/missing", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"success":false,"message":"Product not found"}`, rec.Body.String())
	}
	assert.Equal(t, int64(2), products.calls.Load(), "非 200 响应不应被缓存")

	// 写请求不经过缓存
	admin := env.token(t, "a-1", auth.RoleAdmin)
	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/api/products", admin, strings.NewReader(`{}`))
		assert.Empty(t, rec.Header().Get(CacheHeader))
	}
	assert.Equal(t, int64(4), products.calls.Load())
}

func TestGateway_CacheClear(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, "ratelimit:global:global", []byte("1"), time.Minute))
	env.do(http.MethodGet, "/api/deals", "", nil)
	env.do(http.MethodGet, "/api/categories", "", nil)

	rec := env.do(http.MethodPost, "/api/cache/clear", env.token(t, "u-1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/cache/clear", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := env.token(t, "a-1", auth.RoleAdmin)
	rec = env.do(http.MethodPost, "/api/cache/clear", admin, strings.NewReader(`{bad json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 空请求体清除全部响应缓存，但不触碰限流计数器
	rec = env.do(http.MethodPost, "/api/cache/clear", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared cacheClearResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.Equal(t, int64(2), cleared.Cleared)

	_, err := env.store.Get(ctx, "ratelimit:global:global")
	assert.NoError(t, err)
}

func TestGateway_AdminMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(http.MethodGet, "/api/deals", "", nil)
	env.do(http.MethodGet, "/api/deals", "", nil)

	rec := env.do(http.MethodGet, "/api/metrics", env.token(t, "u-1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/metrics", env.token(t, "a-1", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body metricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "in-memory", body.Data.CacheStore.Type)
	assert.True(t, body.Data.CacheStore.Connected)
	assert.Equal(t, int64(1), body.Data.Requests.CacheHits)
	assert.Equal(t, int64(1), body.Data.Requests.CacheMisses)
	assert.GreaterOrEqual(t, body.Data.Requests.TotalRequests, int64(3))
}

func TestGateway_UpstreamIsolation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.upstreams["products"].Close()

	rec := env.do(http.MethodGet, "/api/products", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"products unavailable"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/cart", env.token(t, "u-1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_UpstreamErrors(t *testing.T) {
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"cart": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"pq: connection reset"}`)
		},
		"orders": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"success":false,"message":"quantity must be positive"}`)
		},
	}, nil)
	tok := env.token(t, "u-1", auth.RoleUser)

	// 5xx 映射为 503，不泄露上游错误
	rec := env.do(http.MethodGet, "/api/cart", tok, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.Equal(t, "cart unavailable", decodeEnvelope(t, rec).Message)

	// 4xx 原样透传
	rec = env.do(http.MethodPost, "/api/orders", tok, strings.NewReader(`{"quantity":0}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"quantity must be positive"}`, rec.Body.String())

	assert.Equal(t, int64(1), env.upstreams["cart"].calls.Load(), "不做重试")
}

func TestGateway_DispatchTimeout(t *testing.T) {
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"recommendations": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}, func(cfg *configs.Config) {
		cfg.Dispatch.Timeout = 50 * time.Millisecond
	})

	start := time.Now()
	rec := env.do(http.MethodGet, "/api/recommendations", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateway_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, target := range []string{"/api/unknown", "/favicon.ico"} {
		rec := env.do(http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "Route not found", decodeEnvelope(t, rec).Message)
	}

	// /api/auth 只接受 POST
	rec := env.do(http.MethodGet, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// outageStore 模拟整个缓存存储不可用
type outageStore struct{}

var errOutage = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (outageStore) Get(context.Context, string) ([]byte, error) { return nil, errOutage }
func (outageStore) Set(context.Context, string, []byte, time.Duration) error {
	return errOutage
}
func (outageStore) Delete(context.Context, string) error { return errOutage }
func (outageStore) DeletePattern(context.Context, string) (int64, error) {
	return 0, errOutage
}
func (outageStore) IncrWithExpiry(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errOutage
}
func (outageStore) Ping(context.Context) error { return errOutage }
func (outageStore) Status(context.Context) store.Status {
	return store.Status{Type: "redis", Connected: false, Error: errOutage.Error()}
}
func (outageStore) Close() error { return nil }

func TestGateway_FailOpenOnStoreOutage(t *testing.T) {
	env := newTestEnvWithStore(t, outageStore{}, nil, func(cfg *configs.Config) {
		cfg.RateLimit.Global = configs.LimitConfig{Max: 1, Window: time.Minute}
	})

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodGet, "/api/deals", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "MISS", rec.Header().Get(CacheHeader))
	}
	assert.Equal(t, int64(3), env.upstreams["products"].calls.Load(), "缓存失效时每次都转发")

	rec := env.do(http.MethodGet, "/api/cart", env.token(t, "u-1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "令牌缓存不可用时仍然校验签名")

	rec = env.do(http.MethodPost, "/api/cache/clear", env.token(t, "a-1", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	snap := env.router.metrics.Snapshot()
	assert.Greater(t, snap.RateLimitOpen, int64(0))
}
