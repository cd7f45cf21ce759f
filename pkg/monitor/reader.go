package monitor

import (
	"io"
	"sync/atomic"
)

// Progress counts the bytes consumed by all readers of one job.
type Progress struct {
	total    int64
	read     atomic.Int64
	callback func(read, total int64)
}

func NewProgress(total int64, cb func(read, total int64)) *Progress {
	return &Progress{total: total, callback: cb}
}

func (p *Progress) Read() int64 {
	return p.read.Load()
}

func (p *Progress) Total() int64 {
	return p.total
}

// Percent is 0..100, or -1 when the total is unknown.
func (p *Progress) Percent() float64 {
	if p.total <= 0 {
		return -1
	}
	return float64(p.read.Load()) * 100 / float64(p.total)
}

func (p *Progress) add(n int) {
	read := p.read.Add(int64(n))
	if p.callback != nil {
		p.callback(read, p.total)
	}
}

// Wrap returns a reader reporting into p. A nil r stays nil.
func (p *Progress) Wrap(r io.ReadCloser) io.ReadCloser {
	if r == nil {
		return nil
	}
	return &ProgressReader{r: r, p: p}
}

type ProgressReader struct {
	r io.ReadCloser
	p *Progress
}

func NewProgressReader(r io.ReadCloser, cb func(read int64)) *ProgressReader {
	return &ProgressReader{
		r: r,
		p: NewProgress(0, func(read, _ int64) {
			if cb != nil {
				cb(read)
			}
		}),
	}
}

func (pr *ProgressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.p.add(n)
	}
	return n, err
}

func (pr *ProgressReader) Close() error {
	return pr.r.Close()
}
