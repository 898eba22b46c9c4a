package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"edgegate/internal/auth"
	"edgegate/internal/middleware"
	"edgegate/internal/respcache"
)

const (
	// 转发给上游的身份头部，客户端传入的同名头部会被清除
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"

	// CacheHeader 标记响应是否来自响应缓存
	CacheHeader = "X-Cache"

	// 超过该大小的响应体直接透传，不进入缓存
	maxCachedBodySize = 1 << 20
)

var errUpstreamStatus = errors.New("upstream returned server error")

// cacheCapture 由缓存阶段放入请求上下文，告诉转发器把 200 响应写入缓存
type cacheCapture struct {
	key string
	ttl time.Duration
}

type captureKey struct{}

func withCapture(ctx context.Context, c *cacheCapture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

func captureFrom(ctx context.Context) *cacheCapture {
	c, _ := ctx.Value(captureKey{}).(*cacheCapture)
	return c
}

// NewTransport 返回所有上游共用的 HTTP Transport，并接入 OpenTelemetry
func NewTransport() http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{
		Timeout:   2 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	base.MaxIdleConnsPerHost = 32
	base.IdleConnTimeout = 90 * time.Second
	return otelhttp.NewTransport(base)
}

// Dispatcher 把请求转发到一个上游服务。每个服务一个实例，故障互不影响。
type Dispatcher struct {
	service string
	target  *url.URL
	timeout time.Duration
	proxy   *httputil.ReverseProxy
	cache   *respcache.Cache
	metrics *middleware.GatewayMetrics
}

// NewDispatcher 创建并返回一个配置好的上游转发器
func NewDispatcher(service string, target *url.URL, timeout time.Duration, transport http.RoundTripper,
	buffers httputil.BufferPool, cache *respcache.Cache, metrics *middleware.GatewayMetrics) *Dispatcher {
	d := &Dispatcher{
		service: service,
		target:  target,
		timeout: timeout,
		cache:   cache,
		metrics: metrics,
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = transport
	proxy.BufferPool = buffers

	// NewSingleHostReverseProxy 已经处理了路径拼接和逐跳头部，
	// 这里把 Host 改写为上游地址，并附上身份信息
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host

		req.Header.Del(headerUserID)
		req.Header.Del(headerUserRole)
		if id := auth.IdentityFrom(req.Context()); id != nil {
			req.Header.Set(headerUserID, id.SubjectID)
			req.Header.Set(headerUserRole, string(id.Role))
		}
	}

	proxy.ModifyResponse = d.modifyResponse
	proxy.ErrorHandler = d.errorHandler

	d.proxy = proxy
	return d
}

// Service 返回上游服务名
func (d *Dispatcher) Service() string {
	return d.service
}

// ServeHTTP 转发一次请求，不做重试。
// 客户端断开不会取消上游调用，但整个调用受 dispatch.timeout 约束。
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), d.timeout)
	defer cancel()

	start := time.Now()
	d.proxy.ServeHTTP(w, r.WithContext(ctx))
	if d.metrics != nil {
		d.metrics.ObserveDispatch(d.service, time.Since(start))
	}
}

// modifyResponse 把上游 5xx 转成错误交给 errorHandler，并在需要时缓存成功的响应体。
// 4xx 原样透传，客户端能看到上游的校验错误。
func (d *Dispatcher) modifyResponse(resp *http.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %d", errUpstreamStatus, resp.StatusCode)
	}

	capture := captureFrom(resp.Request.Context())
	if capture == nil {
		return nil
	}
	resp.Header.Set(CacheHeader, "MISS")

	encoding := resp.Header.Get("Content-Encoding")
	if resp.StatusCode != http.StatusOK || !supportedEncoding(encoding) || d.cache == nil {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodySize+1))
	if err != nil {
		return err
	}
	if len(raw) > maxCachedBodySize {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(raw), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	// 客户端收到的仍是上游的原始字节
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	resp.ContentLength = int64(len(raw))
	resp.Header.Set("Content-Length", strconv.Itoa(len(raw)))

	body, err := decodeBody(encoding, raw, maxCachedBodySize)
	if err != nil {
		slog.Warn("无法解码上游响应，跳过缓存", "service", d.service, "encoding", encoding, "error", err)
		return nil
	}
	d.cache.Store(resp.Request.Context(), capture.key, &respcache.Entry{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, capture.ttl)
	return nil
}

// errorHandler 处理连接失败、超时和上游 5xx，不把传输层错误暴露给调用方
func (d *Dispatcher) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if d.metrics != nil {
		d.metrics.UpstreamFailure(d.service)
	}
	slog.Error("上游服务不可用",
		"service", d.service,
		"upstream", d.target.String(),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
		"request_id", middleware.RequestIDFrom(r.Context()),
	)

	writeError(w, r, &Error{
		Kind:    KindUpstreamUnavailable,
		Message: fmt.Sprintf("%s unavailable", d.service),
		Err:     err,
	})
}
