package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse 定义了网关统一的 JSON 错误响应格式。
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteJSONError 向客户端发送一个标准化的 JSON 错误响应。
// 客户端错误记为 Warn，服务端错误记为 Error，内部细节不会写入响应体。
func WriteJSONError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "HTTP error response sent",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"message", message,
		"request_id", RequestIDFrom(r.Context()),
	)

	WriteJSON(w, statusCode, ErrorResponse{Success: false, Message: message})
}

// WriteJSON 以给定状态码写出 JSON 响应体
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// 响应头已经写出，只能记录日志
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
