package media

import (
	"github.com/pkg/errors"
)

type Flags int32

const (
	FlagKeyFrame    Flags = 1
	FlagCodecConfig Flags = 2
	FlagEndOfStream Flags = 4
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// FrameInfo locates one access unit inside a payload buffer.
type FrameInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              Flags
}

func (fi FrameInfo) Validate(payload []byte) error {
	if fi.Offset < 0 || fi.Size < 0 {
		return errors.Wrapf(ErrInvalidArgument, "negative offset/size (%d/%d)", fi.Offset, fi.Size)
	}
	if fi.Offset+fi.Size > len(payload) {
		return errors.Wrapf(ErrInvalidArgument, "offset+size %d exceeds payload length %d", fi.Offset+fi.Size, len(payload))
	}
	if fi.PresentationTimeUs < 0 {
		return errors.Wrapf(ErrInvalidArgument, "negative presentation time %d", fi.PresentationTimeUs)
	}
	return nil
}

func (fi FrameInfo) Bytes(payload []byte) []byte {
	return payload[fi.Offset : fi.Offset+fi.Size]
}
