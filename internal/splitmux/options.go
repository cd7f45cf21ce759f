package splitmux

import (
	"time"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/spf13/afero"
)

const (
	DefaultSplitSize     int64 = 4_000_000_000
	DefaultCheckEvery          = 1000
	DefaultPollInterval        = 20 * time.Millisecond
	DefaultDrainAttempts       = 100
	DefaultExtension           = "mp4"
)

// SegmentWriter is the container writer behind one segment.
type SegmentWriter interface {
	media.Muxer
	// Size is the current byte size of the segment, including data the
	// writer still buffers.
	Size() int64
}

type WriterFactory func(fs afero.Fs, path string) SegmentWriter

func NewMP4Writer(fs afero.Fs, path string) SegmentWriter {
	return mp4.NewWriter(fs, path)
}

type Options struct {
	// bytes after which the current segment is finalized
	SplitSize int64
	// writes between two segment size checks
	CheckEvery int
	// queue poll timeout, bounds the latency of a stop request
	PollInterval time.Duration
	// max buffers written after a stop request, the rest are dropped
	DrainAttempts int
	Pool          pool.Options
	Extension     string
	NewWriter     WriterFactory

	// called once from the mux goroutine when it terminates on an error
	OnError func(error)
	// called from the mux goroutine after each segment is finalized
	OnSegment func(Segment)
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.SplitSize <= 0 {
		opts.SplitSize = DefaultSplitSize
	}
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = DefaultCheckEvery
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DrainAttempts <= 0 {
		opts.DrainAttempts = DefaultDrainAttempts
	}
	if opts.Pool.MaxBuffers <= 0 {
		opts.Pool.MaxBuffers = 256
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if opts.NewWriter == nil {
		opts.NewWriter = NewMP4Writer
	}
	return opts
}
