// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package configs

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 存储所有应用程序的配置

type Config struct {
	Server ServerConfig `mapstructure:"server"`

	Log LogConfig `mapstructure:"log"`

	CacheStore CacheStoreConfig `mapstructure:"cache_store"`

	Auth AuthConfig `mapstructure:"auth"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	Dispatch DispatchConfig `mapstructure:"dispatch"`

	Tracing TracingConfig `mapstructure:"tracing"`

	// Services 上游服务名到基础 URL 的映射，例如 products -> http://localhost:5001
	Services map[string]string `mapstructure:"services"`

	Routes []RouteConfig `mapstructure:"routes"`
}

// LogConfig 存储日志相关的配置

type LogConfig struct {
	LogLevel string `mapstructure:"level"`

	// Format 为 "text" 或 "json"
	Format string `mapstructure:"format"`

	OutputPaths []string `mapstructure:"output_paths"`
}

// ServerConfig 存储服务器相关的配置

type ServerConfig struct {
	Port string `mapstructure:"port"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TrustedProxies 是可信反向代理的 CIDR 或 IP，只有来自这些地址的 X-Forwarded-For 才被采信
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// RedisConfig 存储 Redis 连接相关的配置

type RedisConfig struct {
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`

	DB int `mapstructure:"db"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	PoolSize int `mapstructure:"pool_size"`
}

// CacheStoreConfig 存储共享缓存存储的配置

type CacheStoreConfig struct {
	Type string `mapstructure:"type"` // "in-memory" or "redis"

	// CleanupInterval 仅对内存存储生效
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	Redis RedisConfig `mapstructure:"redis"`
}

// AuthConfig 存储令牌校验相关的配置

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`

	TokenCookie string `mapstructure:"token_cookie"`

	TokenCacheTTL time.Duration `mapstructure:"token_cache_ttl"`
}

// LimitConfig 描述一个固定窗口配额

type LimitConfig struct {
	Max int `mapstructure:"max"`

	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig 存储全局限流配置

type RateLimitConfig struct {
	Global LimitConfig `mapstructure:"global"`
}

// DispatchConfig 存储上游转发相关的配置

type DispatchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// TracingConfig 存储 OpenTelemetry 相关的配置

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	ServiceName string `mapstructure:"service_name"`
}

// RouteConfig 是一条路由描述符的配置形式

type RouteConfig struct {
	Name string `mapstructure:"name"`

	Prefix string `mapstructure:"prefix"`

	// Methods 为空表示匹配所有方法
	Methods []string `mapstructure:"methods"`

	Service string `mapstructure:"service"`

	RequiresAuth bool `mapstructure:"requires_auth"`

	RequiredRole string `mapstructure:"required_role"`

	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	Limit *LimitConfig `mapstructure:"limit"`
}

// DefaultServices 返回默认的上游服务表

func DefaultServices() map[string]string {
	return map[string]string{
		"auth":            "http://localhost:5001",
		"products":        "http://localhost:5002",
		"cart":            "http://localhost:5003",
		"orders":          "http://localhost:5004",
		"recommendations": "http://localhost:5005",
	}
}

// DefaultRoutes 返回默认的路由表。读操作配额最高，下单等写操作最低。

func DefaultRoutes() []RouteConfig {
	window := 15 * time.Minute
	limit := func(max int) *LimitConfig { return &LimitConfig{Max: max, Window: window} }
	writes := []string{"POST", "PUT", "PATCH", "DELETE"}

	return []RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Methods: []string{"POST"}, Service: "auth", Limit: limit(10)},
		{Name: "products-read", Prefix: "/api/products", Methods: []string{"GET"}, Service: "products", CacheTTL: 5 * time.Minute, Limit: limit(200)},
		{Name: "products-write", Prefix: "/api/products", Methods: writes, Service: "products", RequiresAuth: true, RequiredRole: "admin", Limit: limit(50)},
		{Name: "categories", Prefix: "/api/categories", Methods: []string{"GET"}, Service: "products", CacheTTL: time.Hour, Limit: limit(200)},
		{Name: "deals", Prefix: "/api/deals", Methods: []string{"GET"}, Service: "products", CacheTTL: 10 * time.Minute, Limit: limit(200)},
		{Name: "recommendations", Prefix: "/api/recommendations", Methods: []string{"GET"}, Service: "recommendations", CacheTTL: 15 * time.Minute, Limit: limit(100)},
		{Name: "cart-read", Prefix: "/api/cart", Methods: []string{"GET"}, Service: "cart", RequiresAuth: true, Limit: limit(200)},
		{Name: "cart-write", Prefix: "/api/cart", Methods: writes, Service: "cart", RequiresAuth: true, Limit: limit(100)},
		{Name: "orders-read", Prefix: "/api/orders", Methods: []string{"GET"}, Service: "orders", RequiresAuth: true, Limit: limit(100)},
		{Name: "orders-write", Prefix: "/api/orders", Methods: writes, Service: "orders", RequiresAuth: true, Limit: limit(20)},
	}
}

// LoadConfig 从文件和环境变量中读取配置

func LoadConfig() (config Config, err error) {
	v := viper.New()

	// 设置默认值

	v.SetDefault("server.port", "8080")

	v.SetDefault("server.read_timeout", "15s")

	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")

	v.SetDefault("log.format", "text")

	v.SetDefault("log.output_paths", []string{"stdout"}) // 默认输出到标准输出

	// CacheStore 默认配置

	v.SetDefault("cache_store.type", "redis")

	v.SetDefault("cache_store.cleanup_interval", "1m")

	v.SetDefault("cache_store.redis.addr", "localhost:6379")

	v.SetDefault("cache_store.redis.password", "")

	v.SetDefault("cache_store.redis.db", 0)

	v.SetDefault("cache_store.redis.dial_timeout", "2s")

	v.SetDefault("cache_store.redis.read_timeout", "1s")

	v.SetDefault("cache_store.redis.write_timeout", "1s")

	v.SetDefault("cache_store.redis.pool_size", 20)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("auth.token_cookie", "token")

	v.SetDefault("auth.token_cache_ttl", "5m")

	v.SetDefault("rate_limit.global.max", 1000)

	v.SetDefault("rate_limit.global.window", "15m")

	v.SetDefault("dispatch.timeout", "5s")

	v.SetDefault("tracing.enabled", false)

	v.SetDefault("tracing.service_name", "edgegate")

	// 从配置文件加载

	v.SetConfigName("config") // 配置文件名 (不带扩展名)

	v.SetConfigType("yaml") // 配置文件类型

	v.AddConfigPath("./configs") // 配置文件路径

	v.AddConfigPath(".") // 可选的当前目录路径

	// 读取配置文件

	err = v.ReadInConfig()

	if err != nil {

		var notFound viper.ConfigFileNotFoundError

		if errors.As(err, &notFound) {

			// 配置文件未找到是可接受的，因为可以使用环境变量

			log.Printf("DEBUG: 配置文件未找到，将使用默认值和环境变量：%v", err)

			err = nil

		} else {

			// 配置文件被找到但解析错误

			log.Printf("ERROR: 读取配置文件失败，文件存在但解析错误：%v", err)

			return config, err

		}

	} else {

		log.Printf("DEBUG: 成功加载配置文件：%s", v.ConfigFileUsed())

	}

	// 启用环境变量绑定

	v.SetEnvPrefix("GATEWAY")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// 将配置解组到结构体

	if err = v.Unmarshal(&config); err != nil {

		return config, fmt.Errorf("解析配置失败: %w", err)

	}

	if len(config.Services) == 0 {

		config.Services = DefaultServices()

	}

	if len(config.Routes) == 0 {

		config.Routes = DefaultRoutes()

	}

	return config, nil

}

// Validate 在启动时检查配置，路由表在运行期间只读，错误必须尽早暴露

func (c *Config) Validate() error {
	switch c.CacheStore.Type {
	case "in-memory", "redis":
	default:
		return fmt.Errorf("不支持的 cache_store 类型: %s", c.CacheStore.Type)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret 不能为空")
	}

	if c.RateLimit.Global.Max <= 0 || c.RateLimit.Global.Window <= 0 {
		return errors.New("rate_limit.global 的 max 和 window 必须为正数")
	}

	for _, p := range c.Server.TrustedProxies {
		if !validProxyEntry(p) {
			return fmt.Errorf("server.trusted_proxies 中的地址无效: %q", p)
		}
	}

	for name, raw := range c.Services {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("服务 %s 的上游地址无效: %q", name, raw)
		}
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("第 %d 条路由缺少 name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("路由名称重复: %s", r.Name)
		}
		seen[r.Name] = true

		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("路由 %s 的 prefix 必须以 / 开头", r.Name)
		}
		if _, ok := c.Services[r.Service]; !ok {
			return fmt.Errorf("路由 %s 引用了未定义的服务: %s", r.Name, r.Service)
		}
		switch r.RequiredRole {
		case "", "user", "admin":
		default:
			return fmt.Errorf("路由 %s 的 required_role 无效: %s", r.Name, r.RequiredRole)
		}
		if r.RequiredRole != "" && !r.RequiresAuth {
			return fmt.Errorf("路由 %s 声明了 required_role 但未要求认证", r.Name)
		}
		if r.Limit != nil && (r.Limit.Max <= 0 || r.Limit.Window <= 0) {
			return fmt.Errorf("路由 %s 的 limit 必须为正数", r.Name)
		}
		if r.CacheTTL < 0 {
			return fmt.Errorf("路由 %s 的 cache_ttl 不能为负数", r.Name)
		}
		// 响应缓存的键只包含路径和查询参数，不区分调用者
		if r.CacheTTL > 0 && r.RequiresAuth {
			return fmt.Errorf("路由 %s 要求认证，不能启用 cache_ttl", r.Name)
		}
	}

	return nil
}

func validProxyEntry(p string) bool {
	p = strings.TrimSpace(p)
	if strings.Contains(p, "/") {
		_, _, err := net.ParseCIDR(p)
		return err == nil
	}
	return net.ParseIP(p) != nil
}
