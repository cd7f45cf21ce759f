package pool

import (
	"encoding/gob"

	"github.com/pkg/errors"
)

// Serializer gob-encodes values through pooled scratch buffers.
type Serializer struct {
	encPool *ScratchPool
	decPool *ScratchPool
}

func NewSerializer() *Serializer {
	return &Serializer{
		encPool: NewScratchPool(1024, 64*1024),
		decPool: NewScratchPool(1024, 64*1024),
	}
}

// DefaultSerializer is safe for concurrent use.
var DefaultSerializer = NewSerializer()

func (s *Serializer) Serialize(v any) ([]byte, error) {
	buf := s.encPool.Get()
	defer s.encPool.Put(buf)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, errors.Wrapf(err, "encode %T", v)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func (s *Serializer) Deserialize(data []byte, v any) error {
	buf := s.decPool.Get()
	defer s.decPool.Put(buf)
	buf.Write(data)
	if err := gob.NewDecoder(buf).Decode(v); err != nil {
		return errors.Wrapf(err, "decode %T", v)
	}
	return nil
}
