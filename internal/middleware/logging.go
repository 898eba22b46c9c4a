package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// StatusRecorder 是一个捕获状态码的 ResponseWriter。
type StatusRecorder struct {
	http.ResponseWriter
	Status      int
	wroteHeader bool
}

// NewStatusRecorder 包装 w，默认状态码为 200 OK
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

// WriteHeader 捕获状态码
func (rw *StatusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.Status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *StatusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap 让 http.ResponseController 能拿到底层连接（ReverseProxy 刷新流式响应时需要）
func (rw *StatusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ClientIP 获取客户端 IP 地址，仅用于访问日志。
// 它会优先检查 X-Forwarded-For 头部，如果不存在则回退到 RemoteAddr。
// 该头部可被客户端伪造，限流请使用 TrustedProxies.ClientIP。
func ClientIP(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return remoteHost(r)
}

// Logging 是一个中间件，用于记录 HTTP 请求的信息
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := NewStatusRecorder(w)

		next.ServeHTTP(rw, r)

		slog.Info("http request",
			"method", r.Method,
			"uri", r.RequestURI,
			"proto", r.Proto,
			"status", rw.Status,
			"duration", time.Since(start),
			"client_ip", ClientIP(r),
			"request_id", RequestIDFrom(r.Context()),
		)
	})
}
