package raw

import (
	"encoding/binary"
	"io"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/pkg/errors"
)

// Reader reads one raw stream back. A trailing record cut short by a crash
// surfaces as a wrapped io.ErrUnexpectedEOF.
type Reader struct {
	r       io.Reader
	format  *media.Format
	header  [FrameHeaderSize]byte
	payload []byte
}

// NewReader consumes and validates the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, errors.Wrapf(ErrBadHeader, "read: %v", err)
	}
	if [4]byte(head[:4]) != magic {
		return nil, errors.Wrapf(ErrBadHeader, "magic %q", head[:4])
	}
	if v := binary.BigEndian.Uint16(head[4:6]); v != Version {
		return nil, errors.Wrapf(ErrBadHeader, "unsupported version %d", v)
	}
	n := binary.BigEndian.Uint32(head[6:10])
	if n == 0 || n > maxHeaderLen {
		return nil, errors.Wrapf(ErrBadHeader, "format length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrapf(ErrBadHeader, "read format: %v", err)
	}
	var format media.Format
	if err := pool.DefaultSerializer.Deserialize(body, &format); err != nil {
		return nil, errors.Wrapf(ErrBadHeader, "%v", err)
	}
	if err := format.Validate(); err != nil {
		return nil, errors.Wrapf(ErrBadHeader, "%v", err)
	}
	return &Reader{r: r, format: &format}, nil
}

func (r *Reader) Format() *media.Format {
	return r.format
}

// Next returns the next frame, or io.EOF at a clean end of stream. The
// payload is only valid until the following call.
func (r *Reader) Next() (*Frame, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "frame header")
	}
	h := r.header[:]
	seq := int32(binary.BigEndian.Uint32(h[0:4]))
	size := int32(binary.BigEndian.Uint32(h[4:8]))
	flags := media.Flags(binary.BigEndian.Uint32(h[8:12]))
	pts := int64(binary.BigEndian.Uint64(h[12:20]))
	if size < 0 || size > MaxFrameSize {
		return nil, errors.Wrapf(media.ErrInvalidArgument, "frame size %d", size)
	}

	if cap(r.payload) < int(size) {
		r.payload = make([]byte, size)
	}
	r.payload = r.payload[:size]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "frame payload")
	}
	return &Frame{Sequence: seq, Flags: flags, PresentationTimeUs: pts, Payload: r.payload}, nil
}
