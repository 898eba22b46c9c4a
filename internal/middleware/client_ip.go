package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies 记录可信的反向代理网段。
// 只有直连对端属于这些网段时，X-Forwarded-For 才会被采信。
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies 解析 CIDR 列表，单个 IP 视为 /32 或 /128
func ParseTrustedProxies(cidrs []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("无效的可信代理地址: %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			tp.nets = append(tp.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("无效的可信代理网段 %q: %w", raw, err)
		}
		tp.nets = append(tp.nets, ipNet)
	}
	return tp, nil
}

func (tp *TrustedProxies) trusted(ip string) bool {
	if tp == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range tp.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP 返回用于限流的客户端地址。
// 对端不可信时直接使用 RemoteAddr；对端可信时从右向左遍历 X-Forwarded-For，
// 返回第一个不属于可信网段的地址。
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !tp.trusted(peer) {
		return peer
	}

	forwardedFor := r.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return peer
	}

	hops := strings.Split(forwardedFor, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if net.ParseIP(ip) == nil {
			// 无法解析的跳不可信，之前的内容也不再采信
			return peer
		}
		if !tp.trusted(ip) {
			return ip
		}
	}
	// 整条链都是可信代理
	return strings.TrimSpace(hops[0])
}

func remoteHost(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// 没有端口时 RemoteAddr 就是 IP
		return r.RemoteAddr
	}
	return ip
}
