package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"edgegate/configs"
	"edgegate/internal/auth"
)

// LimitRule 是一条路由的按身份限流配额
type LimitRule struct {
	Max    int
	Window time.Duration
}

// Route 是只读的路由描述符，启动时从配置加载
type Route struct {
	Name         string
	Prefix       string
	Methods      []string // 为空表示所有方法
	Service      string
	UpstreamURL  *url.URL
	RequiresAuth bool
	RequiredRole auth.Role
	CacheTTL     time.Duration
	Limit        *LimitRule
}

// Cacheable 报告该路由的 GET 响应是否进入响应缓存
func (rt *Route) Cacheable() bool {
	return rt.CacheTTL > 0
}

// matchPath 按路径段边界匹配前缀：/api/cart 匹配 /api/cart 和 /api/cart/1，不匹配 /api/cartography
func (rt *Route) matchPath(path string) bool {
	if !strings.HasPrefix(path, rt.Prefix) {
		return false
	}
	if len(path) == len(rt.Prefix) || strings.HasSuffix(rt.Prefix, "/") {
		return true
	}
	return path[len(rt.Prefix)] == '/'
}

// allowsMethod 允许 GET 的路由同样接受 HEAD
func (rt *Route) allowsMethod(method string) bool {
	if len(rt.Methods) == 0 || slices.Contains(rt.Methods, method) {
		return true
	}
	return method == http.MethodHead && slices.Contains(rt.Methods, http.MethodGet)
}

func newRoute(rc configs.RouteConfig, services map[string]string) (*Route, error) {
	raw, ok := services[rc.Service]
	if !ok {
		return nil, fmt.Errorf("路由 %s 引用了未定义的服务 %s", rc.Name, rc.Service)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析服务 %s 的地址失败: %w", rc.Service, err)
	}
	// 缓存键不区分调用者，认证路由的响应不能共享
	if rc.RequiresAuth && rc.CacheTTL > 0 {
		return nil, fmt.Errorf("路由 %s 要求认证，不能启用响应缓存", rc.Name)
	}

	route := &Route{
		Name:         rc.Name,
		Prefix:       rc.Prefix,
		Service:      rc.Service,
		UpstreamURL:  target,
		RequiresAuth: rc.RequiresAuth,
		CacheTTL:     rc.CacheTTL,
	}
	for _, m := range rc.Methods {
		route.Methods = append(route.Methods, strings.ToUpper(m))
	}
	if rc.RequiresAuth {
		role, err := auth.ParseRole(rc.RequiredRole)
		if err != nil {
			return nil, fmt.Errorf("路由 %s: %w", rc.Name, err)
		}
		route.RequiredRole = role
	}
	if rc.Limit != nil {
		route.Limit = &LimitRule{Max: rc.Limit.Max, Window: rc.Limit.Window}
	}
	return route, nil
}

// RouteTable 按最长前缀匹配路由
type RouteTable struct {
	routes []*Route
}

// NewRouteTable 从配置构建路由表
func NewRouteTable(cfg *configs.Config) (*RouteTable, error) {
	t := &RouteTable{}
	for _, rc := range cfg.Routes {
		route, err := newRoute(rc, cfg.Services)
		if err != nil {
			return nil, err
		}
		t.routes = append(t.routes, route)
	}
	// 前缀越长越优先，长度相同时保持配置顺序
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
	})
	return t, nil
}

// Lookup 返回匹配 method 和 path 的最长前缀路由
func (t *RouteTable) Lookup(method, path string) (*Route, bool) {
	for _, route := range t.routes {
		if route.matchPath(path) && route.allowsMethod(method) {
			return route, true
		}
	}
	return nil, false
}

// Routes 返回全部路由
func (t *RouteTable) Routes() []*Route {
	return t.routes
}
