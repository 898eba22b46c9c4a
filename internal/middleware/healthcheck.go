package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthPath 是健康检查路径，不经过认证和限流
const HealthPath = "/health"

// Pinger 探测共享存储是否可达
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse 是 /health 的响应体
type HealthResponse struct {
	Status              string    `json:"status"`
	CacheStoreConnected bool      `json:"cacheStoreConnected"`
	Timestamp           time.Time `json:"timestamp"`
}

const healthPingTimeout = time.Second

// HealthCheck 是一个中间件，拦截 /health 请求并报告网关和缓存存储的状态。
// 存储不可达时网关仍在降级运行，所以状态始终为 ok，由 cacheStoreConnected 区分。
func HealthCheck(store Pinger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != HealthPath {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()

			connected := true
			if err := store.Ping(ctx); err != nil {
				slog.Warn("健康检查: 缓存存储不可达", "error", err)
				connected = false
			}

			WriteJSON(w, http.StatusOK, HealthResponse{
				Status:              "ok",
				CacheStoreConnected: connected,
				Timestamp:           time.Now().UTC(),
			})
		})
	}
}
