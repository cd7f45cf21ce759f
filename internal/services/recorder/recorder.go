package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/internal/splitmux"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/raw"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("service", "recorder")

type State int32

const (
	Uninitialized State = iota
	Prepared
	Started
	Stopped
	Released
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Prepared:
		return "prepared"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Recorder drives one recording through the muxer strategy of its options
// and reports phase transitions to a Callback.
type Recorder struct {
	fs   storage.FileSystem
	opts Options
	cb   Callback
	log  *logrus.Entry

	// guards transitions; WriteSampleData only reads state
	mu    sync.Mutex
	state atomic.Int32

	muxer   media.Muxer
	split   *splitmux.SplitMuxer
	rawW    *raw.Writer
	files   *raw.FileSinks
	channel *raw.ChannelSinks

	ready     bool
	startedAt time.Time
	outputs   []string
	result    *postmux.Result
	asyncErr  atomic.Pointer[error]

	frames atomic.Int64
	bytes  atomic.Int64
}

func New(fs storage.FileSystem, opts Options, cb Callback) *Recorder {
	if cb == nil {
		cb = NopCallback{}
	}
	if opts.Strategy == "" {
		opts.Strategy = Direct
	}
	return &Recorder{
		fs:   fs,
		opts: opts,
		cb:   cb,
		log:  logger.WithField("recording", opts.BaseName),
	}
}

func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) Options() Options {
	return r.opts
}

// Prepare creates the output directory and the strategy muxer.
func (r *Recorder) Prepare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.expect(Uninitialized, "prepare"); err != nil {
		return err
	}
	if err := r.fs.MkdirAll(r.opts.Dir, 0755); err != nil {
		return media.IOErrorf(err, "create %s", r.opts.Dir)
	}

	switch r.opts.Strategy {
	case Direct:
		split := r.opts.Split
		onError := split.OnError
		split.OnError = func(err error) {
			r.fail(err)
			if onError != nil {
				onError(err)
			}
		}
		r.split = splitmux.New(r.fs, r.opts.Dir, r.opts.BaseName, split)
		r.muxer = r.split
	case RawFile:
		r.files = raw.NewFileSinks(r.fs, r.opts.Dir, r.opts.BaseName)
		r.rawW = raw.NewWriter(r.files)
		r.muxer = r.rawW
	case RawChannel:
		r.channel = raw.NewChannelSinks()
		r.rawW = raw.NewWriter(r.channel)
		r.muxer = r.rawW
	default:
		return errors.Wrapf(media.ErrInvalidArgument, "unknown strategy %q", r.opts.Strategy)
	}

	r.state.Store(int32(Prepared))
	r.log.Debugf("prepared with %s strategy in %s", r.opts.Strategy, r.opts.Dir)
	r.cb.OnPrepared()
	return nil
}

func (r *Recorder) AddTrack(format *media.Format) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.expect(Prepared, "add track"); err != nil {
		return -1, err
	}
	track, err := r.muxer.AddTrack(format)
	if err != nil {
		return -1, err
	}
	r.log.Infof("track %d added: %s", track, format.MimeType)
	if !r.ready && r.tracksComplete() {
		r.ready = true
		r.cb.OnReady()
	}
	return track, nil
}

func (r *Recorder) tracksComplete() bool {
	formats := r.formats()
	if !r.opts.ExpectVideo && !r.opts.ExpectAudio {
		return len(formats) > 0
	}
	var video, audio bool
	for _, f := range formats {
		switch f.Type() {
		case media.Video:
			video = true
		case media.Audio:
			audio = true
		}
	}
	return (video || !r.opts.ExpectVideo) && (audio || !r.opts.ExpectAudio)
}

func (r *Recorder) formats() []*media.Format {
	switch m := r.muxer.(type) {
	case *splitmux.SplitMuxer:
		return m.Formats()
	case *raw.Writer:
		return m.Formats()
	}
	return nil
}

// Ready reports whether OnReady fired.
func (r *Recorder) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Recorder) StartRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.expect(Prepared, "start recording"); err != nil {
		return err
	}
	if !r.ready {
		return errors.Wrap(media.ErrInvalidState, "expected tracks not added")
	}
	if err := r.muxer.Start(); err != nil {
		return err
	}
	r.startedAt = time.Now()
	r.state.Store(int32(Started))
	r.log.Infof("recording started")
	return nil
}

// WriteSampleData forwards one frame to the muxer.
func (r *Recorder) WriteSampleData(track int, payload []byte, info media.FrameInfo) error {
	switch State(r.state.Load()) {
	case Started:
	case Released:
		return media.ErrAlreadyReleased
	default:
		return errors.Wrapf(media.ErrInvalidState, "cannot write sample when %s", r.State())
	}
	if err := r.muxer.WriteSampleData(track, payload, info); err != nil {
		return err
	}
	r.frames.Add(1)
	r.bytes.Add(int64(info.Size))
	return nil
}

// Discontinuity marks a timeline restart. Raw strategies open a new write
// sequence that the post-mux build stitches behind the previous one.
func (r *Recorder) Discontinuity() {
	if r.rawW == nil || r.State() != Started {
		return
	}
	seq := r.rawW.NextSequence()
	r.log.Infof("timeline discontinuity, raw write sequence %d", seq)
}

// StopRecording stops the muxer. Raw strategies then build their container
// before returning. It returns the output files; a second call returns the
// same files again, with the mux failure if there was one.
func (r *Recorder) StopRecording(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State() {
	case Released:
		return nil, media.ErrAlreadyReleased
	case Stopped:
		return r.outputs, r.Err()
	case Uninitialized, Prepared:
		r.state.Store(int32(Stopped))
		return nil, nil
	}
	r.state.Store(int32(Stopped))

	err := r.muxer.Stop()
	switch {
	case r.split != nil:
		for _, seg := range r.split.Segments() {
			r.outputs = append(r.outputs, seg.Path)
		}
		if err == nil {
			err = r.split.Err()
		}
	case err != nil:
	case r.channel != nil:
		r.result, err = postmux.New(r.postmuxOptions()).BuildChannels(ctx, r.fs, r.channel, r.opts.Output())
	default:
		r.result, err = r.finalize(ctx)
	}
	if r.result != nil && r.result.Output != "" {
		r.outputs = append(r.outputs, r.result.Output)
	}
	r.log.WithField("outputs", len(r.outputs)).Infof("recording stopped after %v", time.Since(r.startedAt).Round(time.Second))
	return r.outputs, err
}

func (r *Recorder) finalize(ctx context.Context) (*postmux.Result, error) {
	job := postmux.Job{Dir: r.opts.Dir, BaseName: r.opts.BaseName, Output: r.opts.Output()}
	if r.opts.Finalize != nil {
		return r.opts.Finalize(ctx, job)
	}
	return postmux.New(r.postmuxOptions()).BuildFiles(ctx, r.fs, job)
}

func (r *Recorder) postmuxOptions() postmux.Options {
	return postmux.Options{
		FrameInterval: r.opts.FrameInterval,
		Progress: func(read, total int64) {
			r.log.Tracef("post-mux %d/%d bytes", read, total)
		},
	}
}

// Release stops a running recording and frees the muxer.
func (r *Recorder) Release() error {
	if r.State() == Started {
		if _, err := r.StopRecording(context.Background()); err != nil {
			r.log.Warnf("stop before release: %v", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == Released {
		return media.ErrAlreadyReleased
	}
	r.state.Store(int32(Released))
	var err error
	if r.muxer != nil {
		if err = r.muxer.Release(); errors.Is(err, media.ErrAlreadyReleased) {
			err = nil
		}
	}
	if r.files != nil && r.startedAt.IsZero() {
		// headers only, nothing to build
		if rerr := r.files.Remove(); rerr != nil {
			r.log.Warnf("remove unused raw streams: %v", rerr)
		}
	}
	r.cb.OnDisconnected()
	return err
}

// Check evaluates the free space and duration guard. It is advisory: the
// caller decides to stop.
func (r *Recorder) Check() (splitmux.CheckResult, error) {
	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()
	return splitmux.Check(r.fs, r.opts.Dir, startedAt, r.opts.Limits)
}

// Err is the error that ended the mux goroutine, if any.
func (r *Recorder) Err() error {
	if p := r.asyncErr.Load(); p != nil {
		return *p
	}
	return nil
}

// fail runs on the mux goroutine, which StopRecording waits for, so the
// recording is stopped from another goroutine.
func (r *Recorder) fail(err error) {
	if !r.asyncErr.CompareAndSwap(nil, &err) {
		return
	}
	r.log.Errorf("recording failed: %v", err)
	r.cb.OnError(err)
	go func() {
		outputs, serr := r.StopRecording(context.Background())
		if errors.Is(serr, media.ErrAlreadyReleased) {
			return
		}
		r.log.Infof("stopped after failure, %d segment(s) kept", len(outputs))
	}()
}

func (r *Recorder) expect(want State, op string) error {
	switch s := r.State(); s {
	case want:
		return nil
	case Released:
		return media.ErrAlreadyReleased
	default:
		return errors.Wrapf(media.ErrInvalidState, "cannot %s when %s", op, s)
	}
}
