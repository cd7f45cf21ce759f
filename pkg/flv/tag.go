// Package flv reads FLV files and decodes the AVC/AAC payloads carried by
// FLV tags, which are also the bodies of RTMP audio and video messages.
package flv

import (
	"encoding/binary"
	"io"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("pkg", "flv")

const (
	TagTypeAudio  = 0x08
	TagTypeVideo  = 0x09
	TagTypeScript = 0x12

	TagHeaderSize    = 11
	FlvHeaderSize    = 9
	PrevTagSizeBytes = 4
	MaxTagDataSize   = 1<<24 - 1
)

var (
	FlvHeader = []byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}

	ErrNotFlvFile = errors.Wrap(media.ErrInvalidArgument, "not a valid FLV file")
	ErrInvalidTag = errors.Wrap(media.ErrInvalidArgument, "invalid FLV tag")

	headerBytesPool = pool.NewBytesPool(TagHeaderSize)
	smallBytesPool  = pool.NewBytesPool(PrevTagSizeBytes)
)

// Tag is one FLV tag. Timestamp is in milliseconds.
type Tag struct {
	Type      byte
	Timestamp int32
	StreamID  [3]byte
	Data      []byte
}

func WriteHeader(w io.Writer) error {
	if _, err := w.Write(FlvHeader); err != nil {
		return err
	}
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// WriteTag writes the tag followed by its PreviousTagSize field.
func WriteTag(w io.Writer, tag *Tag) error {
	if len(tag.Data) > MaxTagDataSize {
		return errors.Wrapf(ErrInvalidTag, "data size %d", len(tag.Data))
	}
	hp := headerBytesPool.GetBytesPtr()
	defer headerBytesPool.PutBytesPtr(hp)
	header := *hp

	size := uint32(len(tag.Data))
	header[0] = tag.Type
	header[1] = byte(size >> 16)
	header[2] = byte(size >> 8)
	header[3] = byte(size)
	header[4] = byte(tag.Timestamp >> 16)
	header[5] = byte(tag.Timestamp >> 8)
	header[6] = byte(tag.Timestamp)
	header[7] = byte(tag.Timestamp >> 24)
	copy(header[8:11], tag.StreamID[:])

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(tag.Data); err != nil {
		return err
	}

	pp := smallBytesPool.GetBytesPtr()
	defer smallBytesPool.PutBytesPtr(pp)
	binary.BigEndian.PutUint32(*pp, uint32(TagHeaderSize+len(tag.Data)))
	_, err := w.Write(*pp)
	return err
}

func parseTagHeader(header []byte) (typ byte, size uint32, ts int32) {
	typ = header[0]
	size = uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	ts = int32(header[7])<<24 | int32(header[4])<<16 | int32(header[5])<<8 | int32(header[6])
	return
}
