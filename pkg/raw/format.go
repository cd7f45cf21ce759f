// Package raw implements the intermediate per-track frame log used by the
// post-mux strategies.
//
// Layout, big-endian:
//
//	stream header: "SRAW" | uint16 version | uint32 n | n bytes gob(media.Format)
//	frame:         int32 sequence | int32 size | int32 flags | int64 ptsUs | size bytes
package raw

import (
	"encoding/binary"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/pkg/errors"
)

const (
	Version         = 1
	FrameHeaderSize = 20
	// upper bound on a single access unit, anything larger is corruption
	MaxFrameSize = 64 << 20
	maxHeaderLen = 1 << 20
)

var magic = [4]byte{'S', 'R', 'A', 'W'}

var ErrBadHeader = errors.Wrap(media.ErrInvalidArgument, "bad raw stream header")

var headerPool = pool.NewBytesPool(FrameHeaderSize)

// Frame is one record read back from a raw stream.
type Frame struct {
	Sequence           int32
	Flags              media.Flags
	PresentationTimeUs int64
	Payload            []byte
}

func (f *Frame) Info() media.FrameInfo {
	return media.FrameInfo{
		Size:               len(f.Payload),
		PresentationTimeUs: f.PresentationTimeUs,
		Flags:              f.Flags,
	}
}

func putFrameHeader(b []byte, seq int32, size int, flags media.Flags, pts int64) {
	binary.BigEndian.PutUint32(b[0:4], uint32(seq))
	binary.BigEndian.PutUint32(b[4:8], uint32(int32(size)))
	binary.BigEndian.PutUint32(b[8:12], uint32(flags))
	binary.BigEndian.PutUint64(b[12:20], uint64(pts))
}

func encodeStreamHeader(format *media.Format) ([]byte, error) {
	body, err := pool.DefaultSerializer.Serialize(format)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 10, 10+len(body))
	copy(out, magic[:])
	binary.BigEndian.PutUint16(out[4:6], Version)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(body)))
	return append(out, body...), nil
}
