package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("pkg", "pool")

var (
	ErrDoubleRecycle = errors.New("buffer recycled twice")
	ErrForeignBuffer = errors.New("buffer does not belong to this pool")
	ErrPoolClosed    = errors.New("buffer pool closed")
)

// Buffer is a pooled access unit. Between Obtain and Recycle it is owned by
// exactly one party: the producer filling it, the queue, or the consumer.
type Buffer struct {
	data  []byte
	owner *BufferPool
	free  atomic.Bool

	Track int
	Info  media.FrameInfo
}

// Bytes returns the filled part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.Info.Offset : b.Info.Offset+b.Info.Size]
}

// Fill copies the frame described by info out of payload. The stored info is
// rebased to offset 0.
func (b *Buffer) Fill(track int, payload []byte, info media.FrameInfo) {
	n := copy(b.data[:info.Size], payload[info.Offset:info.Offset+info.Size])
	b.Track = track
	b.Info = media.FrameInfo{
		Size:               n,
		PresentationTimeUs: info.PresentationTimeUs,
		Flags:              info.Flags,
	}
}

type Options struct {
	// hard cap on buffers alive at once
	MaxBuffers int
	// initial capacity of each buffer, grown on demand
	BufferSize int
	// how long Obtain waits for a recycled buffer once the cap is reached;
	// zero fails immediately
	BlockTimeout time.Duration
}

type Stats struct {
	Max       int   `json:"max"`
	Live      int64 `json:"live"`
	InUse     int64 `json:"in_use"`
	Free      int   `json:"free"`
	HighWater int64 `json:"high_water"`
	Largest   int64 `json:"largest"`
	Obtained  int64 `json:"obtained"`
	Recycled  int64 `json:"recycled"`
	Exhausted int64 `json:"exhausted"`
}

// BufferPool lends reusable buffers up to a hard cap.
type BufferPool struct {
	free         chan *Buffer
	maxBuffers   int
	bufferSize   int
	blockTimeout time.Duration

	live      atomic.Int64
	inUse     atomic.Int64
	highWater atomic.Int64
	largest   atomic.Int64
	obtained  *xsync.Counter
	recycled  *xsync.Counter
	exhausted *xsync.Counter

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewBufferPool(opts Options) *BufferPool {
	if opts.MaxBuffers <= 0 {
		opts.MaxBuffers = 1
	}
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	return &BufferPool{
		free:         make(chan *Buffer, opts.MaxBuffers),
		maxBuffers:   opts.MaxBuffers,
		bufferSize:   opts.BufferSize,
		blockTimeout: opts.BlockTimeout,
		obtained:     xsync.NewCounter(),
		recycled:     xsync.NewCounter(),
		exhausted:    xsync.NewCounter(),
		done:         make(chan struct{}),
	}
}

// Obtain lends a buffer able to hold size bytes.
func (p *BufferPool) Obtain(size int) (*Buffer, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case b := <-p.free:
		return p.lend(b, size), nil
	default:
	}
	if p.grow() {
		return p.lend(&Buffer{owner: p}, size), nil
	}
	if p.blockTimeout <= 0 {
		return nil, p.exhaust()
	}
	timer := time.NewTimer(p.blockTimeout)
	defer timer.Stop()
	select {
	case b := <-p.free:
		return p.lend(b, size), nil
	case <-timer.C:
		return nil, p.exhaust()
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// Recycle hands b back. Recycling twice, or recycling a buffer of another
// pool, is a caller bug: it is logged and reported, the pool is left intact.
func (p *BufferPool) Recycle(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.owner != p {
		logger.Error("recycle of a buffer owned by another pool")
		return ErrForeignBuffer
	}
	if !b.free.CompareAndSwap(false, true) {
		logger.Errorf("buffer recycled twice (track %d, pts %d)", b.Track, b.Info.PresentationTimeUs)
		return ErrDoubleRecycle
	}
	p.inUse.Add(-1)
	p.recycled.Inc()
	if p.closed.Load() {
		p.live.Add(-1)
		return nil
	}
	// cannot block: at most maxBuffers buffers exist
	p.free <- b
	return nil
}

// Close wakes blocked obtainers; buffers recycled afterwards are dropped.
func (p *BufferPool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		for {
			select {
			case <-p.free:
				p.live.Add(-1)
			default:
				return
			}
		}
	})
}

func (p *BufferPool) Stats() Stats {
	return Stats{
		Max:       p.maxBuffers,
		Live:      p.live.Load(),
		InUse:     p.inUse.Load(),
		Free:      len(p.free),
		HighWater: p.highWater.Load(),
		Largest:   p.largest.Load(),
		Obtained:  p.obtained.Value(),
		Recycled:  p.recycled.Value(),
		Exhausted: p.exhausted.Value(),
	}
}

func (p *BufferPool) grow() bool {
	for {
		n := p.live.Load()
		if n >= int64(p.maxBuffers) {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *BufferPool) lend(b *Buffer, size int) *Buffer {
	if cap(b.data) < size {
		b.data = make([]byte, max(size, p.bufferSize))
	} else if b.data == nil {
		b.data = make([]byte, p.bufferSize)
	}
	b.data = b.data[:cap(b.data)]
	b.free.Store(false)
	b.Track = -1
	b.Info = media.FrameInfo{}

	p.obtained.Inc()
	updateMax(&p.highWater, p.inUse.Add(1))
	updateMax(&p.largest, int64(cap(b.data)))
	return b
}

func (p *BufferPool) exhaust() error {
	p.exhausted.Inc()
	return errors.Wrapf(media.ErrOutOfResources, "all %d buffers in use", p.maxBuffers)
}

func updateMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
