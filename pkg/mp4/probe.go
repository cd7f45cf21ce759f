package mp4

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type TrackInfo struct {
	ID        int    `json:"id"`
	Codec     string `json:"codec"`
	TimeScale uint32 `json:"time_scale"`
	Samples   int    `json:"samples"`
	KeyFrames int    `json:"key_frames"`
	Bytes     int64  `json:"bytes"`
	// decode times of every sample, in TimeScale units
	Times []uint64 `json:"-"`
}

func (t *TrackInfo) Duration() time.Duration {
	if len(t.Times) == 0 || t.TimeScale == 0 {
		return 0
	}
	span := t.Times[len(t.Times)-1] - t.Times[0]
	return time.Duration(span) * time.Second / time.Duration(t.TimeScale)
}

// TimesUs converts Times to microseconds.
func (t *TrackInfo) TimesUs() []int64 {
	out := make([]int64, len(t.Times))
	for i, v := range t.Times {
		out[i] = int64(v) * 1000000 / int64(t.TimeScale)
	}
	return out
}

type Info struct {
	Path   string       `json:"path"`
	Size   int64        `json:"size"`
	Parts  int          `json:"parts"`
	Tracks []*TrackInfo `json:"tracks"`
}

func (i *Info) Track(id int) *TrackInfo {
	for _, t := range i.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Probe parses a fragmented MP4 file and summarizes its tracks.
func Probe(fs afero.Fs, path string) (*Info, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, media.IOErrorf(err, "read %s", path)
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrapf(media.ErrInvalidArgument, "%s: init: %v", path, err)
	}
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return nil, errors.Wrapf(media.ErrInvalidArgument, "%s: parts: %v", path, err)
	}

	info := &Info{Path: path, Size: int64(len(data)), Parts: len(parts)}
	for _, it := range init.Tracks {
		info.Tracks = append(info.Tracks, &TrackInfo{
			ID:        it.ID,
			Codec:     codecName(it.Codec),
			TimeScale: it.TimeScale,
		})
	}
	for _, p := range parts {
		for _, pt := range p.Tracks {
			ti := info.Track(pt.ID)
			if ti == nil {
				return nil, errors.Wrapf(media.ErrInvalidArgument, "%s: part references unknown track %d", path, pt.ID)
			}
			t := pt.BaseTime
			for _, s := range pt.Samples {
				ti.Samples++
				ti.Bytes += int64(len(s.Payload))
				if !s.IsNonSyncSample {
					ti.KeyFrames++
				}
				ti.Times = append(ti.Times, t)
				t += uint64(s.Duration)
			}
		}
	}
	return info, nil
}

func codecName(c mcmp4.Codec) string {
	switch c.(type) {
	case *mcmp4.CodecH264:
		return "h264"
	case *mcmp4.CodecH265:
		return "h265"
	case *mcmp4.CodecMPEG4Audio:
		return "aac"
	case *mcmp4.CodecOpus:
		return "opus"
	}
	return fmt.Sprintf("%T", c)
}
