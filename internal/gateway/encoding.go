// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// 响应缓存中始终保存解码后的响应体，命中时再按客户端的 Accept-Encoding 重新压缩。

// 小于该大小的缓存响应体命中时不压缩
const minCompressSize = 1024

// 协商时的优先顺序
var preferredEncodings = []string{"br", "zstd", "gzip", "lz4"}

var errBodyTooLarge = errors.New("decoded body exceeds cache limit")

// supportedEncoding 报告能否解码该 Content-Encoding
func supportedEncoding(encoding string) bool {
	switch encoding {
	case "", "identity", "gzip", "br", "zstd", "lz4":
		return true
	default:
		return false
	}
}

func getDecompressionReader(encoding string, upstream io.Reader) (io.ReadCloser, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(upstream)
	case "br":
		return io.NopCloser(brotli.NewReader(upstream)), nil
	case "zstd":
		r, err := zstd.NewReader(upstream)
		if err != nil {
			return nil, err
		}
		return r.IOReadCloser(), nil
	case "lz4":
		return io.NopCloser(lz4.NewReader(upstream)), nil
	case "", "identity":
		return io.NopCloser(upstream), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func getCompressionWriter(encoding string, downstream io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case "gzip":
		return gzip.NewWriter(downstream), nil
	case "br":
		return brotli.NewWriter(downstream), nil
	case "zstd":
		return zstd.NewWriter(downstream)
	case "lz4":
		return lz4.NewWriter(downstream), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// decodeBody 解码上游响应体，解码后超过 limit 时返回 errBodyTooLarge
func decodeBody(encoding string, body []byte, limit int) ([]byte, error) {
	r, err := getDecompressionReader(encoding, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errBodyTooLarge
	}
	return out, nil
}

// encodeBody 按给定编码压缩响应体
func encodeBody(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := getCompressionWriter(encoding, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// negotiateEncoding 从 Accept-Encoding 中选出支持的编码，没有则返回空串（不压缩）
func negotiateEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" || q == "q=0.00" || q == "q=0.000" {
			continue
		}
		accepted[name] = true
	}

	for _, enc := range preferredEncodings {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}
