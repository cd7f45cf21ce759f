package flv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Source reads the tags of an FLV file one by one.
type Source struct {
	r      *bufio.Reader
	closer io.Closer
	header [TagHeaderSize]byte
	Audio  bool
	Video  bool
	tags   int64
}

// OpenFile opens an FLV file on fs.
func OpenFile(fs afero.Fs, path string) (*Source, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewSource checks the FLV file header of r.
func NewSource(r io.Reader) (*Source, error) {
	s := &Source{r: bufio.NewReaderSize(r, 64*1024)}
	var hdr [FlvHeaderSize]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return nil, errors.Wrap(ErrNotFlvFile, err.Error())
	}
	if !bytes.Equal(hdr[:3], FlvHeader[:3]) {
		return nil, ErrNotFlvFile
	}
	s.Audio = hdr[4]&0x04 != 0
	s.Video = hdr[4]&0x01 != 0
	offset := binary.BigEndian.Uint32(hdr[5:])
	if offset < FlvHeaderSize {
		return nil, errors.Wrapf(ErrNotFlvFile, "data offset %d", offset)
	}
	if _, err := s.r.Discard(int(offset-FlvHeaderSize) + PrevTagSizeBytes); err != nil {
		return nil, errors.Wrap(ErrNotFlvFile, err.Error())
	}
	return s, nil
}

// Next returns the next tag, io.EOF at a clean end of file and
// io.ErrUnexpectedEOF when the last tag is cut short.
func (s *Source) Next() (*Tag, error) {
	if _, err := io.ReadFull(s.r, s.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "tag %d header", s.tags)
	}
	typ, size, ts := parseTagHeader(s.header[:])
	tag := &Tag{Type: typ, Timestamp: ts, Data: make([]byte, size)}
	copy(tag.StreamID[:], s.header[8:11])
	if _, err := io.ReadFull(s.r, tag.Data); err != nil {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "tag %d data", s.tags)
	}
	if _, err := s.r.Discard(PrevTagSizeBytes); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	s.tags++
	return tag, nil
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
