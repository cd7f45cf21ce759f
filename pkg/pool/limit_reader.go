package pool

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// LimitReader throttles reads to a byte rate.
type LimitReader struct {
	r   io.ReadCloser
	l   *rate.Limiter
	ctx context.Context
}

// NewLimitReader limits r to limit bytes per second. A burst below the
// largest read is raised to limit, and a non-positive limit returns r as is.
func NewLimitReader(ctx context.Context, r io.ReadCloser, limit, burst int) io.ReadCloser {
	if r == nil || limit <= 0 {
		return r
	}
	if burst < limit {
		burst = limit
	}
	return &LimitReader{r: r, l: rate.NewLimiter(rate.Limit(limit), burst), ctx: ctx}
}

func (lr *LimitReader) Read(p []byte) (int, error) {
	if len(p) > lr.l.Burst() {
		p = p[:lr.l.Burst()]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.l.WaitN(lr.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

func (lr *LimitReader) Close() error {
	return lr.r.Close()
}
