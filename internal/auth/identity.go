package auth

import (
	"context"
	"fmt"
	"time"
)

// Role 是一个封闭的角色枚举。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole 将令牌中的角色声明解析为 Role。空字符串视为普通用户。
func ParseRole(s string) (Role, error) {
	switch s {
	case "", string(RoleUser):
		return RoleUser, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// Identity 是经过校验的调用者身份。附加到请求上下文后不再修改。
type Identity struct {
	SubjectID string    `json:"sub"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"exp"`
	RawToken  string    `json:"-"`
}

// Permits 判断身份是否满足路由要求的角色。required 为空时任何已认证身份都满足。
func Permits(required Role, id *Identity) bool {
	if id == nil {
		return false
	}
	if required == "" {
		return true
	}
	return id.Role.rank() >= required.rank()
}

type identityKey struct{}

// WithIdentity 将身份放入上下文
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom 从上下文取出身份，未认证时返回 nil
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
