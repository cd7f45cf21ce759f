package splitmux

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "splitmux")

// Segment is a finalized output file of a split recording.
type Segment struct {
	Sequence   int       `json:"sequence"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Frames     int64     `json:"frames"`
	OpenedAt   time.Time `json:"opened_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

type Stats struct {
	Enqueued    int64      `json:"enqueued"`
	Written     int64      `json:"written"`
	Dropped     int64      `json:"dropped"`
	Rejected    int64      `json:"rejected"`
	Segments    int        `json:"segments"`
	Current     string     `json:"current,omitempty"`
	CurrentSize int64      `json:"current_size"`
	Queued      int        `json:"queued"`
	QueueCap    int        `json:"queue_cap"`
	Pool        pool.Stats `json:"pool"`
}

type segment struct {
	seq      int
	path     string
	w        SegmentWriter
	frames   int64
	unchkd   int
	openedAt time.Time
}

// SplitMuxer multiplexes a live frame stream into numbered segment files,
// rolling over to the next one once the current reaches SplitSize.
//
// WriteSampleData only copies the frame into a pooled buffer and queues it;
// one goroutine started by Start owns every segment writer.
type SplitMuxer struct {
	media.Lifecycle

	fs       storage.FileSystem
	dir      string
	baseName string
	opts     Options
	log      *logrus.Entry

	pool  *pool.BufferPool
	queue *pool.Queue

	// held shared by producers from validation to enqueue, exclusively by
	// Stop and by the loop when it fails
	writeMu sync.RWMutex
	stopReq atomic.Bool
	failed  atomic.Pointer[error]
	done    chan struct{}

	startedAt time.Time

	mu       sync.Mutex
	current  *segment
	nextSeq  int
	segments []Segment
	stopErr  error

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

var _ media.Muxer = (*SplitMuxer)(nil)

func New(fs storage.FileSystem, dir, baseName string, opts Options) *SplitMuxer {
	o := opts.withDefaults()
	return &SplitMuxer{
		fs:       fs,
		dir:      dir,
		baseName: baseName,
		opts:     o,
		log:      logger.WithField("recording", baseName),
		pool:     pool.NewBufferPool(o.Pool),
		queue:    pool.NewQueue(o.Pool.MaxBuffers),
		done:     make(chan struct{}),
	}
}

// SegmentPath is the file name of the segment with 0-based sequence seq.
func (m *SplitMuxer) SegmentPath(seq int) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s ps%d.%s", m.baseName, seq+1, m.opts.Extension))
}

// Start launches the mux goroutine. No segment exists until the first frame
// arrives.
func (m *SplitMuxer) Start() error {
	err := m.Lifecycle.StartFunc(func() error {
		if err := m.fs.MkdirAll(m.dir, 0755); err != nil {
			return media.IOErrorf(err, "create output directory %s", m.dir)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.startedAt = time.Now()
	go m.loop()
	m.log.Infof("started (split at %d bytes)", m.opts.SplitSize)
	return nil
}

func (m *SplitMuxer) WriteSampleData(track int, payload []byte, info media.FrameInfo) error {
	m.writeMu.RLock()
	defer m.writeMu.RUnlock()

	if err := m.CheckWrite(track, payload, info); err != nil {
		m.rejected.Add(1)
		return err
	}
	if errp := m.failed.Load(); errp != nil {
		m.rejected.Add(1)
		return *errp
	}
	buf, err := m.pool.Obtain(info.Size)
	if err != nil {
		m.rejected.Add(1)
		return err
	}
	buf.Fill(track, payload, info)
	if err := m.queue.Enqueue(buf); err != nil {
		m.pool.Recycle(buf)
		m.rejected.Add(1)
		return errors.Wrap(media.ErrOutOfResources, err.Error())
	}
	m.enqueued.Add(1)
	return nil
}

// Stop requests the loop to drain and finalize the last segment, and waits
// for it. A second call is a no-op.
func (m *SplitMuxer) Stop() error {
	m.writeMu.Lock()
	changed, err := m.Lifecycle.Stop()
	if changed {
		m.stopReq.Store(true)
		m.queue.Close()
	}
	m.writeMu.Unlock()
	if !changed {
		return err
	}

	<-m.done
	st := m.Stats()
	m.log.Infof("stopped: %d written, %d dropped, %d rejected, %d segments",
		st.Written, st.Dropped, st.Rejected, st.Segments)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopErr
}

func (m *SplitMuxer) Release() error {
	if m.State() == media.Started {
		if err := m.Stop(); err != nil {
			m.log.Warnf("stop on release: %v", err)
		}
	}
	if _, err := m.Lifecycle.Release(); err != nil {
		return err
	}
	m.pool.Close()
	return nil
}

// Err is the error that terminated the mux loop, if any.
func (m *SplitMuxer) Err() error {
	if errp := m.failed.Load(); errp != nil {
		return *errp
	}
	return nil
}

// Done is closed once the mux loop has exited.
func (m *SplitMuxer) Done() <-chan struct{} {
	return m.done
}

func (m *SplitMuxer) StartedAt() time.Time {
	return m.startedAt
}

// Segments lists the finalized segments in order.
func (m *SplitMuxer) Segments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Segment(nil), m.segments...)
}

func (m *SplitMuxer) Stats() Stats {
	st := Stats{
		Enqueued: m.enqueued.Load(),
		Written:  m.written.Load(),
		Dropped:  m.dropped.Load(),
		Rejected: m.rejected.Load(),
		Queued:   m.queue.Len(),
		QueueCap: m.queue.Cap(),
		Pool:     m.pool.Stats(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Segments = len(m.segments)
	if m.current != nil {
		st.Current = m.current.path
		st.CurrentSize = m.current.w.Size()
	}
	return st
}

// Check runs the free space and duration guard on the output directory.
func (m *SplitMuxer) Check(limits Limits) (CheckResult, error) {
	return Check(m.fs, m.dir, m.startedAt, limits)
}

func (m *SplitMuxer) loop() {
	defer close(m.done)
	for {
		if m.stopReq.Load() {
			m.drain()
			return
		}
		buf := m.queue.Poll(m.opts.PollInterval)
		if buf == nil {
			continue
		}
		if err := m.write(buf); err != nil {
			m.abort(err)
			return
		}
	}
}

// write hands buf to the current segment and recycles it; this is the only
// place buffers go back to the pool.
func (m *SplitMuxer) write(buf *pool.Buffer) error {
	seg, err := m.segment()
	if err != nil {
		m.recycle(buf)
		m.dropped.Add(1)
		return err
	}
	err = seg.w.WriteSampleData(buf.Track, buf.Bytes(), buf.Info)
	m.recycle(buf)
	if err != nil {
		m.dropped.Add(1)
		return errors.Wrapf(err, "write to %s", filepath.Base(seg.path))
	}
	m.written.Add(1)
	seg.frames++
	seg.unchkd++

	if seg.unchkd >= m.opts.CheckEvery {
		seg.unchkd = 0
		if size := seg.w.Size(); size >= m.opts.SplitSize {
			m.log.Debugf("segment %d reached %d bytes", seg.seq+1, size)
			return m.finalize(seg, nil)
		}
	}
	return nil
}

// segment returns the current segment writer, opening the next one if needed.
func (m *SplitMuxer) segment() (*segment, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		return cur, nil
	}

	m.mu.Lock()
	seq := m.nextSeq
	m.nextSeq++
	m.mu.Unlock()

	path := m.SegmentPath(seq)
	w := m.opts.NewWriter(m.fs, path)
	for _, f := range m.Formats() {
		if _, err := w.AddTrack(f); err != nil {
			w.Release()
			return nil, errors.Wrapf(err, "add %s track to segment %d", f.Type(), seq+1)
		}
	}
	if err := w.Start(); err != nil {
		w.Release()
		return nil, errors.Wrapf(err, "start segment %d", seq+1)
	}

	seg := &segment{seq: seq, path: path, w: w, openedAt: time.Now()}
	m.mu.Lock()
	m.current = seg
	m.mu.Unlock()
	m.log.WithField("segment", seq+1).Infof("segment opened: %s", filepath.Base(path))
	return seg, nil
}

func (m *SplitMuxer) finalize(seg *segment, cause error) error {
	err := seg.w.Stop()
	if rerr := seg.w.Release(); rerr != nil && err == nil {
		err = rerr
	}

	info := Segment{
		Sequence:   seg.seq,
		Path:       seg.path,
		Frames:     seg.frames,
		OpenedAt:   seg.openedAt,
		FinishedAt: time.Now(),
	}
	if fi, serr := m.fs.Stat(seg.path); serr == nil {
		info.Size = fi.Size()
	}
	if cause == nil {
		cause = err
	}
	if cause != nil {
		info.Error = cause.Error()
	}

	m.mu.Lock()
	m.current = nil
	m.segments = append(m.segments, info)
	m.mu.Unlock()

	l := m.log.WithField("segment", seg.seq+1)
	if err != nil {
		l.Errorf("finalize %s: %v", filepath.Base(seg.path), err)
	} else {
		l.Infof("segment finalized: %s (%d bytes, %d frames)", filepath.Base(seg.path), info.Size, info.Frames)
	}
	if m.opts.OnSegment != nil {
		m.opts.OnSegment(info)
	}
	if err != nil {
		return media.IOError(err)
	}
	return nil
}

// drain writes what is still queued after a stop request, at most
// DrainAttempts buffers, then finalizes the last segment.
func (m *SplitMuxer) drain() {
	for i := 0; i < m.opts.DrainAttempts; i++ {
		buf := m.queue.TryPoll()
		if buf == nil {
			break
		}
		if err := m.write(buf); err != nil {
			m.abort(err)
			return
		}
	}
	if n := m.dropAll(); n > 0 {
		m.log.Warnf("drain budget exhausted, dropped %d queued frames", n)
	}

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		if err := m.finalize(cur, nil); err != nil {
			m.mu.Lock()
			m.stopErr = err
			m.mu.Unlock()
			m.report(err)
		}
	}
}

// abort ends the loop after a write failure: nothing queued is retried.
func (m *SplitMuxer) abort(cause error) {
	err := media.IOErrorf(cause, "mux loop terminated")
	m.log.Errorf("%v", err)

	m.writeMu.Lock()
	m.failed.Store(&err)
	m.writeMu.Unlock()

	if n := m.dropAll(); n > 0 {
		m.log.Warnf("dropped %d queued frames", n)
	}
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		m.finalize(cur, cause)
	}
	m.report(err)
}

func (m *SplitMuxer) report(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *SplitMuxer) dropAll() int {
	n := 0
	for buf := m.queue.TryPoll(); buf != nil; buf = m.queue.TryPoll() {
		m.recycle(buf)
		m.dropped.Add(1)
		n++
	}
	return n
}

func (m *SplitMuxer) recycle(buf *pool.Buffer) {
	if err := m.pool.Recycle(buf); err != nil {
		m.log.Errorf("recycle: %v", err)
	}
}
