package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"edgegate/configs"
	"edgegate/internal/auth"
	"edgegate/internal/middleware"
	"edgegate/internal/ratelimit"
	"edgegate/internal/respcache"
	"edgegate/internal/store"
)

// Options 是 NewRouter 的可选依赖，零值使用默认实现
type Options struct {
	Metrics   *middleware.GatewayMetrics
	Transport http.RoundTripper
	Verifier  *auth.Verifier
}

// Router 封装了网关的路由逻辑和依赖项。
type Router struct {
	mux     *http.ServeMux
	cfg     *configs.Config
	store   store.Store
	routes  *RouteTable
	authn   *auth.Authenticator
	cache   *respcache.Cache
	metrics *middleware.GatewayMetrics
	proxies *middleware.TrustedProxies

	globalStage Stage
	pipelines   map[string]*Pipeline
	notFound    *Pipeline
}

// NewRouter 创建一个新的路由器，为每条路由组装流水线并注册管理接口。
func NewRouter(cfg *configs.Config, s store.Store, opts Options) (*Router, error) {
	if opts.Metrics == nil {
		opts.Metrics = middleware.NewGatewayMetrics()
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport()
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier(cfg.Auth.JWTSecret)
	}

	routes, err := NewRouteTable(cfg)
	if err != nil {
		return nil, err
	}
	proxies, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	rt := &Router{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		store:     s,
		routes:    routes,
		authn:     auth.NewAuthenticator(opts.Verifier, auth.NewTokenCache(s, cfg.Auth.TokenCacheTTL)),
		cache:     respcache.New(s),
		metrics:   opts.Metrics,
		proxies:   proxies,
		pipelines: make(map[string]*Pipeline),
	}

	global := ratelimit.New("global", s, rt.metrics)
	rt.globalStage = limitStage(global, LimitRule{
		Max:    cfg.RateLimit.Global.Max,
		Window: cfg.RateLimit.Global.Window,
	}, globalScope)

	// 每个上游服务一个转发器
	dispatchers := make(map[string]*Dispatcher)
	buffers := newBufferPool()
	for _, route := range routes.Routes() {
		d, ok := dispatchers[route.Service]
		if !ok {
			d = NewDispatcher(route.Service, route.UpstreamURL, cfg.Dispatch.Timeout, opts.Transport, buffers, rt.cache, rt.metrics)
			dispatchers[route.Service] = d
		}
		rt.pipelines[route.Name] = rt.buildPipeline(route, d)
		slog.Debug("路由已注册", "route", route.Name, "prefix", route.Prefix, "methods", route.Methods, "service", route.Service)
	}

	rt.notFound = &Pipeline{
		name:    "unmatched",
		stages:  []Stage{rt.globalStage},
		final:   http.HandlerFunc(notFoundHandler),
		metrics: rt.metrics,
	}

	clearPipeline := rt.buildPipeline(adminRoute("admin-cache-clear"), rt.cacheClearHandler())
	metricsPipeline := rt.buildPipeline(adminRoute("admin-metrics"), rt.metricsHandler())

	rt.mux.Handle("GET /metrics", rt.metrics.Handler())
	rt.mux.Handle("POST /api/cache/clear", clearPipeline)
	rt.mux.Handle("GET /api/metrics", metricsPipeline)
	rt.mux.HandleFunc("/", rt.serveRoute) // 默认捕获所有其他请求

	slog.Info("网关路由表已加载", "routes", len(routes.Routes()), "services", len(dispatchers))
	return rt, nil
}

// ServeHTTP 使 Router 实现 http.Handler 接口。
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt.mux.ServeHTTP(w, req)
}

// Routes 返回路由表
func (rt *Router) Routes() *RouteTable {
	return rt.routes
}

func (rt *Router) serveRoute(w http.ResponseWriter, req *http.Request) {
	route, ok := rt.routes.Lookup(req.Method, req.URL.Path)
	if !ok {
		// API 之外的路径不计入全局配额
		if !strings.HasPrefix(req.URL.Path, "/api/") {
			notFoundHandler(w, req)
			return
		}
		rt.notFound.ServeHTTP(w, req)
		return
	}
	rt.pipelines[route.Name].ServeHTTP(w, req)
}

// adminRoute 描述管理接口：全局限流之后要求 admin 身份，不缓存也不单独限流
func adminRoute(name string) *Route {
	return &Route{Name: name, RequiresAuth: true, RequiredRole: auth.RoleAdmin}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, &Error{
		Kind:    KindNotFound,
		Message: "Route not found",
		Err:     fmt.Errorf("%s %s", r.Method, r.URL.Path),
	})
}
