package pool

import (
	"bytes"
	"sync"
)

// ScratchPool recycles bytes.Buffer values for short-lived encode/decode work.
type ScratchPool struct {
	pool   sync.Pool
	maxCap int
}

func NewScratchPool(initialCap, maxCap int) *ScratchPool {
	if initialCap < 0 {
		initialCap = 0
	}
	if maxCap < initialCap {
		maxCap = initialCap
	}
	return &ScratchPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialCap))
			},
		},
		maxCap: maxCap,
	}
}

func (sp *ScratchPool) Get() *bytes.Buffer {
	buf := sp.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (sp *ScratchPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	// oversized buffers go to the GC
	if buf.Cap() <= sp.maxCap {
		buf.Reset()
		sp.pool.Put(buf)
	}
}
