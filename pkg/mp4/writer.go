package mp4

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var logger = logrus.WithField("pkg", "mp4")

const DefaultPartDuration = time.Second

// rough moof/trun cost of one sample, counted into Size before a flush
const sampleOverhead = 16

type Option func(*Writer)

func WithPartDuration(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.partDuration = d.Microseconds()
		}
	}
}

// Writer is the direct container strategy: one fragmented MP4 file, init
// segment at Start, one moof+mdat part per PartDuration.
type Writer struct {
	media.Lifecycle

	fs           afero.Fs
	path         string
	partDuration int64
	log          *logrus.Entry

	mu        sync.Mutex
	f         afero.File
	tracks    []*track
	seq       uint32
	partStart int64
	flushed   int64
	pending   int64
	failed    error
}

type track struct {
	id         int
	video      bool
	timeScale  uint32
	defaultDur uint32
	lastDur    uint32
	samples    []*fmp4.Sample
	times      []int64
	count      int64
}

var _ media.Muxer = (*Writer)(nil)

func NewWriter(fs afero.Fs, path string, opts ...Option) *Writer {
	w := &Writer{
		fs:           fs,
		path:         path,
		partDuration: DefaultPartDuration.Microseconds(),
		partStart:    -1,
		log:          logger.WithField("file", filepath.Base(path)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) AddTrack(format *media.Format) (int, error) {
	if err := format.Validate(); err != nil {
		return -1, err
	}
	_, timeScale, err := codecOf(format)
	if err != nil {
		return -1, err
	}
	idx, err := w.Lifecycle.AddTrack(format)
	if err != nil {
		return -1, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracks = append(w.tracks, &track{
		id:         idx + 1,
		video:      format.Type() == media.Video,
		timeScale:  timeScale,
		defaultDur: defaultDuration(format, timeScale),
	})
	return idx, nil
}

func (w *Writer) Start() error {
	if err := w.Lifecycle.Start(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	formats := w.Formats()
	init := fmp4.Init{Tracks: make([]*fmp4.InitTrack, len(formats))}
	for i, f := range formats {
		codec, timeScale, err := codecOf(f)
		if err != nil {
			return err
		}
		init.Tracks[i] = &fmp4.InitTrack{ID: i + 1, TimeScale: timeScale, Codec: codec}
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		w.fail(errors.Wrapf(media.ErrInvalidArgument, "marshal init: %v", err))
		return w.failed
	}

	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		w.failed = media.IOErrorf(err, "create directory of %s", w.path)
		return w.failed
	}
	f, err := w.fs.Create(w.path)
	if err != nil {
		w.failed = media.IOErrorf(err, "create %s", w.path)
		return w.failed
	}
	w.f = f
	n, err := f.Write(buf.Bytes())
	w.flushed += int64(n)
	if err != nil {
		w.failed = media.IOErrorf(err, "write init segment")
		return w.failed
	}
	w.log.Debugf("init segment written (%d tracks, %d bytes)", len(formats), n)
	return nil
}

func (w *Writer) WriteSampleData(trackIndex int, payload []byte, info media.FrameInfo) error {
	if err := w.CheckWrite(trackIndex, payload, info); err != nil {
		return err
	}
	// parameter sets live in the sample entry
	if info.Flags.Has(media.FlagCodecConfig) {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed != nil {
		return w.failed
	}

	t := w.tracks[trackIndex]
	var (
		data []byte
		err  error
	)
	if t.video {
		data, err = videoPayload(info.Bytes(payload))
		if err != nil {
			return err
		}
	} else {
		data = append([]byte(nil), info.Bytes(payload)...)
	}

	ts := toTimeScale(info.PresentationTimeUs, t.timeScale)
	if n := len(t.samples); n > 0 {
		t.lastDur = uint32(ts - t.times[n-1])
		t.samples[n-1].Duration = t.lastDur
	}
	t.samples = append(t.samples, &fmp4.Sample{
		IsNonSyncSample: t.video && !info.Flags.Has(media.FlagKeyFrame),
		Payload:         data,
	})
	t.times = append(t.times, ts)
	w.pending += int64(len(data)) + sampleOverhead

	if w.partStart < 0 {
		w.partStart = info.PresentationTimeUs
	} else if info.PresentationTimeUs-w.partStart >= w.partDuration {
		if err := w.flush(false); err != nil {
			return err
		}
		w.partStart = info.PresentationTimeUs
	}
	return nil
}

// Size is the bytes written so far plus the samples waiting for the next part.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed + w.pending
}

// SampleCount is the number of samples accepted per track.
func (w *Writer) SampleCount() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := make([]int64, len(w.tracks))
	for i, t := range w.tracks {
		counts[i] = t.count + int64(len(t.samples))
	}
	return counts
}

func (w *Writer) Stop() error {
	changed, err := w.Lifecycle.Stop()
	if !changed {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalize()
}

func (w *Writer) Release() error {
	if _, err := w.Lifecycle.Release(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		w.log.Warn("released without stop, finalizing")
		return w.finalize()
	}
	return nil
}

func (w *Writer) finalize() error {
	if w.f == nil {
		return nil
	}
	var err error
	if w.failed == nil {
		for _, t := range w.tracks {
			if n := len(t.samples); n > 0 {
				d := t.lastDur
				if d == 0 {
					d = t.defaultDur
				}
				t.samples[n-1].Duration = d
			}
		}
		err = w.flush(true)
	}
	if serr := w.f.Sync(); serr != nil && err == nil {
		err = media.IOErrorf(serr, "sync %s", w.path)
	}
	if cerr := w.f.Close(); cerr != nil && err == nil {
		err = media.IOErrorf(cerr, "close %s", w.path)
	}
	w.f = nil
	w.log.Debugf("finalized at %d bytes", w.flushed)
	return err
}

// flush writes one part. Unless final, the newest sample of every track
// stays pending since its duration is known only once its successor arrives.
func (w *Writer) flush(final bool) error {
	part := &fmp4.Part{SequenceNumber: w.seq}
	for _, t := range w.tracks {
		n := len(t.samples)
		if !final {
			n--
		}
		if n <= 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.times[0]),
			Samples:  t.samples[:n],
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		w.fail(errors.Wrapf(media.ErrInvalidArgument, "marshal part %d: %v", w.seq, err))
		return w.failed
	}
	written, err := w.f.Write(buf.Bytes())
	w.flushed += int64(written)
	if err != nil {
		w.fail(media.IOErrorf(err, "write part %d", w.seq))
		return w.failed
	}
	w.seq++

	w.pending = 0
	for _, t := range w.tracks {
		n := len(t.samples)
		if !final {
			n--
		}
		if n <= 0 {
			continue
		}
		t.count += int64(n)
		t.samples = append(t.samples[:0], t.samples[n:]...)
		t.times = append(t.times[:0], t.times[n:]...)
		for _, s := range t.samples {
			w.pending += int64(len(s.Payload)) + sampleOverhead
		}
	}
	return nil
}

func (w *Writer) fail(err error) {
	if w.failed == nil {
		w.failed = err
		w.log.Errorf("writer failed: %v", err)
	}
}
