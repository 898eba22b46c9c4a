// Package logging 根据配置初始化全局 slog 日志记录器。
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"edgegate/configs"
)

// ParseLevel 将配置中的级别字符串转换为 slog.Level，无法识别时使用 Info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 按配置创建日志记录器，返回的 closer 负责关闭打开的日志文件
func New(cfg configs.LogConfig) (*slog.Logger, func() error, error) {
	var writers []io.Writer
	var logFiles []*os.File

	closeFiles := func() error {
		var errs []error
		for _, f := range logFiles {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}

	paths := cfg.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}
	for _, path := range paths {
		switch path {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeFiles()
				return nil, nil, fmt.Errorf("无法打开日志文件 %s: %w", path, err)
			}
			writers = append(writers, f)
			logFiles = append(logFiles, f)
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	w := io.MultiWriter(writers...)

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closeFiles, nil
}

// Setup 创建日志记录器并设为全局默认
func Setup(cfg configs.LogConfig) (func() error, error) {
	logger, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	slog.Info("日志系统初始化完成", "level", cfg.LogLevel, "format", cfg.Format, "outputs", cfg.OutputPaths)
	return closer, nil
}
