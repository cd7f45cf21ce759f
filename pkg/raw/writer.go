package raw

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("pkg", "raw")

// Sinks opens the destination of one track's raw stream.
type Sinks interface {
	Open(t media.Type) (io.WriteCloser, error)
}

type stream struct {
	w      io.WriteCloser
	bytes  int64
	frames int64
}

// Writer is the raw intermediate strategy: every track gets its own sink
// holding a format header followed by frame records.
type Writer struct {
	media.Lifecycle

	sinks Sinks
	seq   atomic.Int32

	mu      sync.Mutex
	streams []*stream
	closed  bool
	failed  error
}

var _ media.Muxer = (*Writer)(nil)

func NewWriter(sinks Sinks) *Writer {
	return &Writer{sinks: sinks}
}

// AddTrack opens the track's sink and writes its format header.
func (w *Writer) AddTrack(format *media.Format) (int, error) {
	if err := w.CheckAddTrack(format); err != nil {
		return -1, err
	}
	header, err := encodeStreamHeader(format)
	if err != nil {
		return -1, errors.Wrap(media.ErrInvalidArgument, err.Error())
	}
	sink, err := w.sinks.Open(format.Type())
	if err != nil {
		return -1, media.IOErrorf(err, "open %s raw sink", format.Type())
	}
	if _, err := sink.Write(header); err != nil {
		sink.Close()
		return -1, media.IOErrorf(err, "write %s raw header", format.Type())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	idx, err := w.Lifecycle.AddTrack(format)
	if err != nil {
		sink.Close()
		return -1, err
	}
	w.streams = append(w.streams, &stream{w: sink, bytes: int64(len(header))})
	return idx, nil
}

func (w *Writer) WriteSampleData(track int, payload []byte, info media.FrameInfo) error {
	if err := w.CheckWrite(track, payload, info); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed != nil {
		return w.failed
	}
	s := w.streams[track]

	hdr := headerPool.GetBytesPtr()
	defer headerPool.PutBytesPtr(hdr)
	putFrameHeader(*hdr, w.seq.Load(), info.Size, info.Flags, info.PresentationTimeUs)

	if _, err := s.w.Write(*hdr); err != nil {
		w.failed = media.IOErrorf(err, "write frame header")
		return w.failed
	}
	if _, err := s.w.Write(info.Bytes(payload)); err != nil {
		w.failed = media.IOErrorf(err, "write frame payload")
		return w.failed
	}
	s.bytes += int64(FrameHeaderSize + info.Size)
	s.frames++
	return nil
}

// NextSequence starts a new write sequence: frames written from now on may
// restart their timeline, the builder stitches them behind the previous ones.
func (w *Writer) NextSequence() int32 {
	n := w.seq.Add(1)
	w.ResetTimestamps()
	logger.Debugf("raw write sequence -> %d", n)
	return n
}

func (w *Writer) Sequence() int32 {
	return w.seq.Load()
}

func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, s := range w.streams {
		n += s.bytes
	}
	return n
}

// Frames is the number of records written per track.
func (w *Writer) Frames() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, len(w.streams))
	for i, s := range w.streams {
		out[i] = s.frames
	}
	return out
}

func (w *Writer) Stop() error {
	if _, err := w.Lifecycle.Stop(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSinks()
}

func (w *Writer) Release() error {
	if _, err := w.Lifecycle.Release(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSinks()
}

func (w *Writer) closeSinks() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var first error
	for _, s := range w.streams {
		if err := s.w.Close(); err != nil && first == nil {
			first = media.IOErrorf(err, "close raw sink")
		}
	}
	return first
}
