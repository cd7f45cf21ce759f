package flv

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
)

const (
	videoCodecAVC  = 7
	soundFormatAAC = 10

	avcPacketSequenceHeader = 0
	avcPacketNALU           = 1
	avcPacketEndOfSequence  = 2

	aacPacketSequenceHeader = 0

	frameTypeKey = 1
)

var ErrUnsupportedCodec = errors.Wrap(media.ErrInvalidArgument, "unsupported FLV codec")

// VideoTag is a decoded AVC video tag body. Data holds the decoder
// configuration record for sequence headers, length-prefixed NAL units
// otherwise.
type VideoTag struct {
	KeyFrame        bool
	SequenceHeader  bool
	EndOfSequence   bool
	CompositionTime int32
	Data            []byte
}

type AudioTag struct {
	SequenceHeader bool
	Data           []byte
}

func ParseVideoTag(data []byte) (*VideoTag, error) {
	if len(data) < 5 {
		return nil, errors.Wrapf(ErrInvalidTag, "video tag of %d bytes", len(data))
	}
	if codec := data[0] & 0x0f; codec != videoCodecAVC {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "video codec id %d", codec)
	}
	// signed 24-bit
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
	vt := &VideoTag{
		KeyFrame:        data[0]>>4 == frameTypeKey,
		CompositionTime: cts,
		Data:            data[5:],
	}
	switch data[1] {
	case avcPacketSequenceHeader:
		vt.SequenceHeader = true
	case avcPacketNALU:
	case avcPacketEndOfSequence:
		vt.EndOfSequence = true
	default:
		return nil, errors.Wrapf(ErrInvalidTag, "avc packet type %d", data[1])
	}
	return vt, nil
}

func ParseAudioTag(data []byte) (*AudioTag, error) {
	if len(data) < 2 {
		return nil, errors.Wrapf(ErrInvalidTag, "audio tag of %d bytes", len(data))
	}
	if format := data[0] >> 4; format != soundFormatAAC {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "sound format %d", format)
	}
	return &AudioTag{
		SequenceHeader: data[1] == aacPacketSequenceHeader,
		Data:           data[2:],
	}, nil
}

// DecoderConfig is the parameter sets of an AVCDecoderConfigurationRecord.
type DecoderConfig struct {
	Profile byte
	Level   byte
	SPS     [][]byte
	PPS     [][]byte
}

func ParseDecoderConfig(rec []byte) (*DecoderConfig, error) {
	if len(rec) < 7 || rec[0] != 1 {
		return nil, errors.Wrap(ErrInvalidTag, "malformed AVC decoder configuration record")
	}
	dc := &DecoderConfig{Profile: rec[1], Level: rec[3]}
	pos := 5
	var err error
	if dc.SPS, err = readParameterSets(rec, &pos, 0x1f); err != nil {
		return nil, err
	}
	if dc.PPS, err = readParameterSets(rec, &pos, 0xff); err != nil {
		return nil, err
	}
	if len(dc.SPS) == 0 || len(dc.PPS) == 0 {
		return nil, errors.Wrapf(ErrInvalidTag, "record carries %d SPS and %d PPS", len(dc.SPS), len(dc.PPS))
	}
	return dc, nil
}

func readParameterSets(rec []byte, pos *int, countMask byte) ([][]byte, error) {
	if *pos >= len(rec) {
		return nil, errors.Wrap(ErrInvalidTag, "record ends before parameter set count")
	}
	count := int(rec[*pos] & countMask)
	*pos++
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if *pos+2 > len(rec) {
			return nil, errors.Wrap(ErrInvalidTag, "parameter set length past end of record")
		}
		n := int(binary.BigEndian.Uint16(rec[*pos:]))
		*pos += 2
		if *pos+n > len(rec) {
			return nil, errors.Wrap(ErrInvalidTag, "parameter set past end of record")
		}
		sets = append(sets, append([]byte(nil), rec[*pos:*pos+n]...))
		*pos += n
	}
	return sets, nil
}

// BuildDecoderConfig encodes sps and pps as an AVCDecoderConfigurationRecord
// with 4-byte NALU lengths.
func BuildDecoderConfig(sps, pps []byte) []byte {
	rec := make([]byte, 0, 11+len(sps)+len(pps))
	rec = append(rec, 1, sps[1], sps[2], sps[3], 0xff, 0xe1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	return append(rec, pps...)
}

// VideoFormat builds the H.264 track format of a sequence header.
func VideoFormat(rec []byte) (*media.Format, error) {
	dc, err := ParseDecoderConfig(rec)
	if err != nil {
		return nil, err
	}
	f := &media.Format{
		MimeType:    media.MimeH264,
		CodecConfig: [][]byte{dc.SPS[0], dc.PPS[0]},
	}
	var sps h264.SPS
	if err := sps.Unmarshal(dc.SPS[0]); err != nil {
		logger.Warnf("cannot parse SPS, geometry unknown: %v", err)
	} else {
		f.Width, f.Height = sps.Width(), sps.Height()
	}
	return f, nil
}

// AudioFormat builds the AAC track format of an AudioSpecificConfig.
func AudioFormat(asc []byte) (*media.Format, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(asc); err != nil {
		return nil, errors.Wrapf(ErrInvalidTag, "audio specific config: %v", err)
	}
	return &media.Format{
		MimeType:     media.MimeAAC,
		SampleRate:   conf.SampleRate,
		ChannelCount: conf.ChannelCount,
		CodecConfig:  [][]byte{append([]byte(nil), asc...)},
	}, nil
}

// Marshal encodes the tag body.
func (vt *VideoTag) Marshal() []byte {
	b := make([]byte, 5, 5+len(vt.Data))
	b[0] = 2<<4 | videoCodecAVC
	if vt.KeyFrame {
		b[0] = frameTypeKey<<4 | videoCodecAVC
	}
	switch {
	case vt.SequenceHeader:
		b[1] = avcPacketSequenceHeader
	case vt.EndOfSequence:
		b[1] = avcPacketEndOfSequence
	default:
		b[1] = avcPacketNALU
	}
	b[2] = byte(vt.CompositionTime >> 16)
	b[3] = byte(vt.CompositionTime >> 8)
	b[4] = byte(vt.CompositionTime)
	return append(b, vt.Data...)
}

// Marshal encodes the tag body as 44 kHz 16-bit stereo AAC, the only
// flags FLV allows for AAC.
func (at *AudioTag) Marshal() []byte {
	b := []byte{soundFormatAAC<<4 | 0x0f, 1}
	if at.SequenceHeader {
		b[1] = aacPacketSequenceHeader
	}
	return append(b, at.Data...)
}
