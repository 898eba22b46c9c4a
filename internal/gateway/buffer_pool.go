// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package gateway

import (
	"sync"
)

// copyBufferSize 是转发响应体时每次拷贝的缓冲区大小，与 io.Copy 的默认值一致
const copyBufferSize = 32 * 1024

// bufferPool 为所有上游转发器复用响应体拷贝缓冲区，实现 httputil.BufferPool
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, copyBufferSize)
				return &b
			},
		},
	}
}

// Get 获取一个缓冲区
func (bp *bufferPool) Get() []byte {
	return *(bp.pool.Get().(*[]byte))
}

// Put 归还缓冲区。容量不符的缓冲区不进行池化，让 GC 处理
func (bp *bufferPool) Put(buf []byte) {
	if cap(buf) != copyBufferSize {
		return
	}
	buf = buf[:copyBufferSize]
	bp.pool.Put(&buf)
}
