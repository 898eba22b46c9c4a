package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"edgegate/internal/auth"
	"edgegate/internal/middleware"
	"edgegate/internal/store"
)

// 管理接口的请求体上限
const maxAdminBodySize = 4 << 10

type cacheClearRequest struct {
	Pattern string `json:"pattern"`
}

type cacheClearResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Cleared int64  `json:"cleared"`
}

type metricsData struct {
	CacheStore store.Status               `json:"cacheStore"`
	Requests   middleware.MetricsSnapshot `json:"requests"`
}

type metricsResponse struct {
	Success bool        `json:"success"`
	Data    metricsData `json:"data"`
}

// cacheClearHandler 按模式清除响应缓存，请求体可以为空
func (rt *Router) cacheClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body cacheClearRequest
		err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBodySize)).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, &Error{Kind: KindBadRequest, Message: "Invalid request body", Err: err})
			return
		}

		cleared, err := rt.cache.Invalidate(r.Context(), body.Pattern)
		if err != nil {
			writeError(w, r, &Error{Kind: KindInternal, Message: "Failed to clear cache", Err: err})
			return
		}

		var subject string
		if id := auth.IdentityFrom(r.Context()); id != nil {
			subject = id.SubjectID
		}
		slog.Info("管理员清除了响应缓存", "subject", subject, "pattern", body.Pattern, "cleared", cleared)

		middleware.WriteJSON(w, http.StatusOK, cacheClearResponse{
			Success: true,
			Message: "Cache cleared successfully",
			Cleared: cleared,
		})
	}
}

// metricsHandler 返回缓存存储状态和请求计数快照
func (rt *Router) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, metricsResponse{
			Success: true,
			Data: metricsData{
				CacheStore: rt.store.Status(r.Context()),
				Requests:   rt.metrics.Snapshot(),
			},
		})
	}
}
