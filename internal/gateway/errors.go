package gateway

import (
	"fmt"
	"log/slog"
	"net/http"

	"edgegate/internal/middleware"
)

// Kind 是网关自身产生的错误类别
type Kind int

const (
	KindAuthMissing Kind = iota + 1
	KindAuthInvalid
	KindForbidden
	KindRateLimited
	KindUpstreamUnavailable
	KindNotFound
	KindBadRequest
	KindInternal
)

// Status 返回错误类别对应的 HTTP 状态码
func (k Kind) Status() int {
	switch k {
	case KindAuthMissing, KindAuthInvalid:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindAuthMissing:
		return "AuthMissing"
	case KindAuthInvalid:
		return "AuthInvalid"
	case KindForbidden:
		return "Forbidden"
	case KindRateLimited:
		return "RateLimited"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindNotFound:
		return "NotFound"
	case KindBadRequest:
		return "BadRequest"
	default:
		return "Internal"
	}
}

// Error 是一个带类别的网关错误。Message 会返回给客户端，Err 只写日志。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var defaultMessages = map[Kind]string{
	KindAuthMissing:         "Authentication required",
	KindAuthInvalid:         "Invalid or expired token",
	KindForbidden:           "Insufficient permissions",
	KindRateLimited:         "Too many requests, please try again later",
	KindUpstreamUnavailable: "Service unavailable",
	KindNotFound:            "Route not found",
	KindBadRequest:          "Bad request",
	KindInternal:            "Internal server error",
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: defaultMessages[kind], Err: err}
}

// writeError 以统一信封写出错误
func writeError(w http.ResponseWriter, r *http.Request, e *Error) {
	if e.Err != nil {
		slog.Debug("请求被拒绝", "kind", e.Kind.String(), "cause", e.Err, "request_id", middleware.RequestIDFrom(r.Context()))
	}
	middleware.WriteJSONError(w, r, e.Kind.Status(), e.Message)
}
