package media

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Type int

const (
	Video Type = iota
	Audio
)

func (t Type) String() string {
	switch t {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

const (
	MimeH264 = "video/avc"
	MimeH265 = "video/hevc"
	MimeAAC  = "audio/mp4a-latm"
	MimeOpus = "audio/opus"
)

// Format describes one track: codec, geometry or sampling, and the codec
// specific configuration (csd-0, csd-1, ...) as produced by the encoder.
//
// CodecConfig layout per mime:
//   - video/avc:       SPS, PPS
//   - video/hevc:      VPS, SPS, PPS
//   - audio/mp4a-latm: AudioSpecificConfig
//   - audio/opus:      optional OpusHead
type Format struct {
	MimeType     string
	Width        int
	Height       int
	SampleRate   int
	ChannelCount int
	CodecConfig  [][]byte
}

func (f *Format) Type() Type {
	if strings.HasPrefix(f.MimeType, "audio/") {
		return Audio
	}
	return Video
}

func (f *Format) Validate() error {
	if f == nil {
		return errors.Wrap(ErrInvalidArgument, "nil format")
	}
	need := 0
	switch f.MimeType {
	case MimeH264:
		need = 2
	case MimeH265:
		need = 3
	case MimeAAC:
		need = 1
	case MimeOpus:
		if f.ChannelCount <= 0 {
			return errors.Wrap(ErrInvalidArgument, "opus format without channel count")
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "unsupported mime type %q", f.MimeType)
	}
	if len(f.CodecConfig) < need {
		return errors.Wrapf(ErrInvalidArgument, "%s needs %d codec config entries, got %d", f.MimeType, need, len(f.CodecConfig))
	}
	for i := 0; i < need; i++ {
		if len(f.CodecConfig[i]) == 0 {
			return errors.Wrapf(ErrInvalidArgument, "%s codec config %d is empty", f.MimeType, i)
		}
	}
	return nil
}

// Clone deep copies the format so callers may reuse their csd slices.
func (f *Format) Clone() *Format {
	c := *f
	c.CodecConfig = make([][]byte, len(f.CodecConfig))
	for i, b := range f.CodecConfig {
		c.CodecConfig[i] = append([]byte(nil), b...)
	}
	return &c
}
