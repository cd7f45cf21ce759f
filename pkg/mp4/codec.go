package mp4

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
)

const (
	VideoTimeScale = 90000
	OpusTimeScale  = 48000

	aacFrameSamples = 1024
)

var (
	startCode      = []byte{0, 0, 0, 1}
	shortStartCode = []byte{0, 0, 1}
)

// codecOf maps a track format onto its sample entry and timescale.
func codecOf(f *media.Format) (mcmp4.Codec, uint32, error) {
	switch f.MimeType {
	case media.MimeH264:
		return &mcmp4.CodecH264{
			SPS: stripStartCode(f.CodecConfig[0]),
			PPS: stripStartCode(f.CodecConfig[1]),
		}, VideoTimeScale, nil

	case media.MimeH265:
		return &mcmp4.CodecH265{
			VPS: stripStartCode(f.CodecConfig[0]),
			SPS: stripStartCode(f.CodecConfig[1]),
			PPS: stripStartCode(f.CodecConfig[2]),
		}, VideoTimeScale, nil

	case media.MimeAAC:
		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(f.CodecConfig[0]); err != nil {
			return nil, 0, errors.Wrapf(media.ErrInvalidArgument, "audio specific config: %v", err)
		}
		rate := f.SampleRate
		if rate <= 0 {
			rate = asc.SampleRate
		}
		return &mcmp4.CodecMPEG4Audio{Config: asc}, uint32(rate), nil

	case media.MimeOpus:
		return &mcmp4.CodecOpus{ChannelCount: f.ChannelCount}, OpusTimeScale, nil
	}
	return nil, 0, errors.Wrapf(media.ErrInvalidArgument, "unsupported mime type %q", f.MimeType)
}

// defaultDuration is the nominal frame duration in timescale units, used
// for the last sample of a track when no successor fixes it.
func defaultDuration(f *media.Format, timeScale uint32) uint32 {
	switch f.MimeType {
	case media.MimeAAC:
		return aacFrameSamples
	case media.MimeOpus:
		// 20 ms
		return timeScale / 50
	}
	return timeScale / 30
}

func stripStartCode(b []byte) []byte {
	for _, sc := range [][]byte{startCode, shortStartCode} {
		if bytes.HasPrefix(b, sc) {
			return b[len(sc):]
		}
	}
	return b
}

// videoPayload converts Annex-B access units to length-prefixed NALUs.
// Payloads already in AVCC form are copied as they are. Only the four byte
// start code is recognized: three bytes would be ambiguous with the length
// prefix of a 256..511 byte NALU.
func videoPayload(b []byte) ([]byte, error) {
	if !bytes.HasPrefix(b, startCode) {
		return append([]byte(nil), b...), nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(b); err != nil {
		return nil, errors.Wrapf(media.ErrInvalidArgument, "annex-b access unit: %v", err)
	}
	out, err := h264.AVCC(au).Marshal()
	if err != nil {
		return nil, errors.Wrapf(media.ErrInvalidArgument, "avcc access unit: %v", err)
	}
	return out, nil
}

// toTimeScale converts microseconds to track units, rounding to nearest.
func toTimeScale(us int64, timeScale uint32) int64 {
	return (us*int64(timeScale) + 500000) / 1000000
}
