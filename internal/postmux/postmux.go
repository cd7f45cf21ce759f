package postmux

import (
	"context"
	"io"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/raw"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "postmux")

// DefaultFrameInterval is the gap inserted between the last frame of a write
// sequence and the first frame of the next one.
const DefaultFrameInterval int64 = 33333

var ErrNoInput = errors.Wrap(media.ErrInvalidArgument, "no usable raw stream")

type Options struct {
	// µs
	FrameInterval int64
	// called with the bytes consumed so far out of all raw inputs
	Progress func(read, total int64)
	// bytes per second read from raw files, 0 for no limit
	ReadLimit int
}

type TrackResult struct {
	Type        media.Type `json:"type"`
	MimeType    string     `json:"mime_type"`
	Written     int64      `json:"written"`
	Sequences   int        `json:"sequences"`
	FirstPTS    int64      `json:"first_pts"`
	LastPTS     int64      `json:"last_pts"`
	Truncated   bool       `json:"truncated"`
	Disabled    string     `json:"disabled,omitempty"`
	disabledErr error
}

func (t *TrackResult) Err() error {
	return t.disabledErr
}

type Result struct {
	Output      string         `json:"output"`
	Tracks      []*TrackResult `json:"tracks"`
	Transitions int            `json:"transitions"`
}

func (r *Result) Track(t media.Type) *TrackResult {
	for _, tr := range r.Tracks {
		if tr.Type == t {
			return tr
		}
	}
	return nil
}

// Builder reassembles raw intermediate streams into one container.
type Builder struct {
	opts Options
}

func New(opts Options) *Builder {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	return &Builder{opts: opts}
}

type input struct {
	reader *raw.Reader
	track  int
	res    *TrackResult
	log    *logrus.Entry

	next      *raw.Frame
	nextPTS   int64
	seq       int32
	offset    int64
	last      int64
	hasLast   bool
	exhausted bool
}

// Build reads the video and audio raw streams (either may be nil), writes
// them time-ordered into dest and stops and releases dest. Timestamps restart
// per write sequence in the raw logs; every new sequence continues one
// FrameInterval after the last corrected frame of the previous one.
//
// A stream whose format or frames the destination rejects as invalid is
// disabled and the other one continues; any other failure aborts the build.
func (b *Builder) Build(ctx context.Context, dest media.Muxer, video, audio io.Reader) (res *Result, err error) {
	res = &Result{}
	released := false
	defer func() {
		if released {
			return
		}
		dest.Stop()
		if rerr := dest.Release(); rerr != nil && !errors.Is(rerr, media.ErrAlreadyReleased) {
			logger.Warnf("release destination: %v", rerr)
		}
	}()

	var inputs []*input
	for _, src := range []struct {
		t media.Type
		r io.Reader
	}{{media.Video, video}, {media.Audio, audio}} {
		if src.r == nil {
			continue
		}
		l := logger.WithField("stream", src.t.String())
		rd, err := raw.NewReader(src.r)
		if err != nil {
			l.Warnf("stream ignored: %v", err)
			continue
		}
		if rd.Format().Type() != src.t {
			l.Warnf("stream ignored: carries %s format %s", rd.Format().Type(), rd.Format().MimeType)
			continue
		}
		tr := &TrackResult{Type: src.t, MimeType: rd.Format().MimeType}
		track, err := dest.AddTrack(rd.Format())
		if err != nil {
			if !errors.Is(err, media.ErrInvalidArgument) {
				return res, errors.Wrapf(err, "add %s track", src.t)
			}
			l.Warnf("stream disabled, format rejected: %v", err)
			tr.disable(err)
			res.Tracks = append(res.Tracks, tr)
			continue
		}
		res.Tracks = append(res.Tracks, tr)
		inputs = append(inputs, &input{reader: rd, track: track, res: tr, log: l})
	}
	if len(inputs) == 0 {
		return res, ErrNoInput
	}
	if err := dest.Start(); err != nil {
		return res, errors.Wrap(err, "start destination")
	}

	// rebase the first sequence of every stream on the earliest frame
	origin := int64(-1)
	for _, in := range inputs {
		if err := in.read(); err != nil {
			return res, err
		}
		if in.next != nil && (origin < 0 || in.next.PresentationTimeUs < origin) {
			origin = in.next.PresentationTimeUs
		}
	}
	for _, in := range inputs {
		if in.next != nil {
			in.seq = in.next.Sequence
			in.offset = -origin
			in.correct(b.opts.FrameInterval)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		in := pick(inputs)
		if in == nil {
			break
		}
		f := in.next
		info := media.FrameInfo{Size: len(f.Payload), PresentationTimeUs: in.nextPTS, Flags: f.Flags}
		if err := dest.WriteSampleData(in.track, f.Payload, info); err != nil {
			if !errors.Is(err, media.ErrInvalidArgument) {
				return res, errors.Wrapf(err, "write %s frame", in.res.Type)
			}
			in.log.Warnf("stream disabled at %d µs: %v", in.nextPTS, err)
			in.res.disable(err)
			in.next, in.exhausted = nil, true
			continue
		}
		if in.res.Written == 0 {
			in.res.FirstPTS = in.nextPTS
		}
		in.res.Written++
		in.res.LastPTS = in.nextPTS

		if err := in.read(); err != nil {
			return res, err
		}
		if in.next != nil {
			in.correct(b.opts.FrameInterval)
		}
	}

	for _, in := range inputs {
		res.Transitions += in.res.Sequences - 1
	}
	released = true
	serr := dest.Stop()
	rerr := dest.Release()
	if serr != nil {
		return res, errors.Wrap(serr, "stop destination")
	}
	if rerr != nil {
		return res, errors.Wrap(rerr, "release destination")
	}
	return res, nil
}

// pick returns the input with the earliest pending frame, video first on ties.
func pick(inputs []*input) *input {
	var best *input
	for _, in := range inputs {
		if in.next == nil {
			continue
		}
		if best == nil || in.nextPTS < best.nextPTS {
			best = in
		}
	}
	return best
}

// read loads the next raw frame; a clean or truncated end leaves next nil.
func (in *input) read() error {
	if in.exhausted {
		in.next = nil
		return nil
	}
	f, err := in.reader.Next()
	switch {
	case err == nil:
		in.next = f
		return nil
	case errors.Is(err, io.EOF):
	case errors.Is(err, io.ErrUnexpectedEOF):
		in.log.Warnf("truncated trailing record ignored")
		in.res.Truncated = true
	case errors.Is(err, media.ErrInvalidArgument):
		in.log.Warnf("stream disabled, malformed record: %v", err)
		in.res.disable(err)
	default:
		return media.IOErrorf(err, "read %s stream", in.res.Type)
	}
	in.next, in.exhausted = nil, true
	return nil
}

func (in *input) correct(interval int64) {
	f := in.next
	if in.res.Sequences == 0 {
		in.res.Sequences = 1
	} else if f.Sequence != in.seq {
		in.seq = f.Sequence
		if in.hasLast {
			in.offset = in.last + interval - f.PresentationTimeUs
		}
		in.res.Sequences++
		in.log.Debugf("sequence %d starts at %d µs", f.Sequence, f.PresentationTimeUs+in.offset)
	}
	in.nextPTS = f.PresentationTimeUs + in.offset
	in.last, in.hasLast = in.nextPTS, true
}

func (t *TrackResult) disable(err error) {
	t.disabledErr = err
	t.Disabled = err.Error()
}
