// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMissing 表示请求中没有携带令牌
	ErrTokenMissing = errors.New("auth: token missing")
	// ErrTokenInvalid 表示令牌签名错误、格式错误或已过期
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims 是网关接受的 JWT 声明。
// 主体优先取标准的 sub，兼容旧令牌中的 id 字段。
type Claims struct {
	UserID string `json:"id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier 校验 HS256 令牌。它是 (token, now, secret) 的纯函数，没有副作用。
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier 创建一个使用给定签名密钥的校验器
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// WithClock 返回一个使用指定时钟的校验器副本
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	cp := *v
	cp.now = now
	return &cp
}

// Verify 校验令牌并生成身份。
func (v *Verifier) Verify(token string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	role, err := ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	return &Identity{
		SubjectID: subject,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
		RawToken:  token,
	}, nil
}

// Issue 签发一个令牌，供开发工具和测试使用
func (v *Verifier) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ExtractToken 先从 Authorization: Bearer 头部取令牌，再回退到指定名称的 cookie
func ExtractToken(r *http.Request, cookieName string) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1]), nil
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", ErrTokenMissing
}
