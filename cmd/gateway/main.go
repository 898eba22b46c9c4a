package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"edgegate/configs"
	"edgegate/internal/gateway"
	"edgegate/internal/logging"
	"edgegate/internal/middleware"
	"edgegate/internal/store"
	"edgegate/internal/telemetry"
)

func main() {
	// .env 不存在时直接使用进程环境变量
	_ = godotenv.Load()

	// 加载配置
	config, err := configs.LoadConfig()
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	closeLogs, err := logging.Setup(config.Log)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer closeLogs()

	shutdownTracer, err := telemetry.InitTracer(config.Tracing, os.Stdout)
	if err != nil {
		log.Fatalf("无法初始化链路追踪: %v", err)
	}

	// 初始化共享缓存存储。Redis 不可达时网关降级运行，不阻止启动
	cacheStore, err := store.NewStoreFactory(config.CacheStore)
	if err != nil {
		log.Fatalf("无法初始化缓存存储: %v", err)
	}

	metrics := middleware.NewGatewayMetrics()
	handler, err := newHandler(&config, cacheStore, metrics)
	if err != nil {
		log.Fatalf("无法创建网关路由: %v", err)
	}

	addr := ":" + config.Server.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("edgegate 开始启动", "addr", addr, "cache_store", config.CacheStore.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("收到退出信号，开始优雅关闭", "timeout", config.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if terr := shutdownTracer(shutdownCtx); terr != nil {
			slog.Warn("关闭链路追踪失败", "error", terr)
		}
		if cerr := cacheStore.Close(); cerr != nil {
			slog.Warn("关闭缓存存储失败", "error", cerr)
		}
		metrics.Snapshot().LogMetrics()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("网关异常退出", "error", err)
		closeLogs()
		os.Exit(1)
	}
	slog.Info("edgegate 已停止")
}

// newHandler 创建网关路由并组装中间件链
// 顺序: Tracing -> Recovery -> RequestID -> Logging -> SecurityHeaders -> HealthCheck -> Router
func newHandler(cfg *configs.Config, cacheStore store.Store, metrics *middleware.GatewayMetrics) (http.Handler, error) {
	router, err := gateway.NewRouter(cfg, cacheStore, gateway.Options{Metrics: metrics})
	if err != nil {
		return nil, err
	}

	var handler http.Handler = router
	handler = middleware.HealthCheck(cacheStore)(handler)
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(handler)
	return otelhttp.NewHandler(handler, cfg.Tracing.ServiceName), nil
}
