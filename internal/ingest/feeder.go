// Package ingest turns FLV tag bodies, from an RTMP publisher or an FLV
// file, into tracks and samples of a recording.
package ingest

import (
	"context"
	"io"

	"github.com/eric2788/splitrec/pkg/flv"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "ingest")

// Target receives the decoded stream. *recorder.Recorder implements it.
type Target interface {
	AddTrack(format *media.Format) (int, error)
	StartRecording() error
	WriteSampleData(track int, payload []byte, info media.FrameInfo) error
	Discontinuity()
}

type Stats struct {
	Tags    int64 `json:"tags"`
	Samples int64 `json:"samples"`
	Dropped int64 `json:"dropped"`
	Jumps   int   `json:"jumps"`
}

// Feeder adds a track per sequence header and forwards media tags once the
// recording is started. Recording starts on the first media tag; sequence
// headers arriving after that are ignored. Not safe for concurrent use.
type Feeder struct {
	target Target
	fixer  *flv.TimestampFixer
	log    *logrus.Entry

	video   int
	audio   int
	started bool
	stats   Stats
}

func NewFeeder(target Target, log *logrus.Entry) *Feeder {
	if log == nil {
		log = logger
	}
	return &Feeder{
		target: target,
		fixer:  flv.NewTimestampFixer(),
		log:    log,
		video:  -1,
		audio:  -1,
	}
}

// Feed handles one tag body of tagType seen at ts milliseconds.
func (f *Feeder) Feed(tagType byte, ts int32, data []byte) error {
	f.stats.Tags++
	switch tagType {
	case flv.TagTypeVideo:
		return f.feedVideo(ts, data)
	case flv.TagTypeAudio:
		return f.feedAudio(ts, data)
	default:
		return nil
	}
}

func (f *Feeder) feedVideo(ts int32, data []byte) error {
	vt, err := flv.ParseVideoTag(data)
	if err != nil {
		return f.skip(err)
	}
	switch {
	case vt.SequenceHeader:
		if f.video >= 0 || f.started {
			f.log.Debugf("ignoring repeated video sequence header")
			return nil
		}
		format, err := flv.VideoFormat(vt.Data)
		if err != nil {
			return f.skip(err)
		}
		f.video, err = f.target.AddTrack(format)
		if err != nil {
			f.video = -1
			return err
		}
		f.log.Infof("video track: %dx%d", format.Width, format.Height)
		return nil
	case vt.EndOfSequence:
		return nil
	}
	flags := media.Flags(0)
	if vt.KeyFrame {
		flags = media.FlagKeyFrame
	}
	return f.write(f.video, flv.TagTypeVideo, ts, vt.Data, flags)
}

func (f *Feeder) feedAudio(ts int32, data []byte) error {
	at, err := flv.ParseAudioTag(data)
	if err != nil {
		return f.skip(err)
	}
	if at.SequenceHeader {
		if f.audio >= 0 || f.started {
			f.log.Debugf("ignoring repeated audio sequence header")
			return nil
		}
		format, err := flv.AudioFormat(at.Data)
		if err != nil {
			return f.skip(err)
		}
		f.audio, err = f.target.AddTrack(format)
		if err != nil {
			f.audio = -1
			return err
		}
		f.log.Infof("audio track: %d Hz, %d channel(s)", format.SampleRate, format.ChannelCount)
		return nil
	}
	return f.write(f.audio, flv.TagTypeAudio, ts, at.Data, 0)
}

func (f *Feeder) write(track int, tagType byte, ts int32, payload []byte, flags media.Flags) error {
	if track < 0 || len(payload) == 0 {
		f.stats.Dropped++
		return nil
	}
	if !f.started {
		if err := f.target.StartRecording(); err != nil {
			if errors.Is(err, media.ErrInvalidState) {
				// expected tracks still missing
				f.stats.Dropped++
				return nil
			}
			return err
		}
		f.started = true
	}

	fixed, jumped := f.fixer.Fix(tagType, ts)
	if jumped {
		f.target.Discontinuity()
	}
	info := media.FrameInfo{Size: len(payload), PresentationTimeUs: int64(fixed) * 1000, Flags: flags}
	if err := f.target.WriteSampleData(track, payload, info); err != nil {
		if errors.Is(err, media.ErrOutOfResources) || errors.Is(err, media.ErrInvalidArgument) {
			f.stats.Dropped++
			f.log.Warnf("sample dropped: %v", err)
			return nil
		}
		return err
	}
	f.stats.Samples++
	return nil
}

// skip drops an undecodable tag; the stream goes on.
func (f *Feeder) skip(err error) error {
	f.stats.Dropped++
	f.log.Debugf("skipping tag: %v", err)
	return nil
}

func (f *Feeder) Started() bool {
	return f.started
}

func (f *Feeder) Stats() Stats {
	st := f.stats
	st.Jumps = f.fixer.Jumps()
	return st
}

// Import feeds every tag of src to target until the end of the file.
// A truncated last tag ends the import without error.
func Import(ctx context.Context, src *flv.Source, target Target) (Stats, error) {
	feeder := NewFeeder(target, nil)
	for {
		if err := ctx.Err(); err != nil {
			return feeder.Stats(), err
		}
		tag, err := src.Next()
		if errors.Is(err, io.EOF) {
			return feeder.Stats(), nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			logger.Warnf("flv truncated: %v", err)
			return feeder.Stats(), nil
		}
		if err != nil {
			return feeder.Stats(), err
		}
		if err := feeder.Feed(tag.Type, tag.Timestamp, tag.Data); err != nil {
			return feeder.Stats(), errors.Wrapf(err, "tag at %d ms", tag.Timestamp)
		}
	}
}
