package pool

import (
	"sync"
)

// BytesPool hands out fixed-size scratch slices, e.g. raw frame headers.
type BytesPool struct {
	pool sync.Pool
	size int
}

func NewBytesPool(size int) *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
		size: size,
	}
}

func (p *BytesPool) Size() int {
	return p.size
}

func (p *BytesPool) GetBytesPtr() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BytesPool) PutBytesPtr(buf *[]byte) {
	if cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}
