// Package mediatest provides formats, frames and an in-memory muxer for tests.
package mediatest

import (
	"encoding/binary"
	"sync"

	"github.com/eric2788/splitrec/pkg/media"
)

var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	PPS = []byte{0x08, 0x06, 0x07, 0x08}
	// AAC-LC, 44100 Hz, stereo
	ASC = []byte{0x12, 0x10}
)

const FrameIntervalUs = 33333

func H264() *media.Format {
	return &media.Format{
		MimeType:    media.MimeH264,
		Width:       1920,
		Height:      1080,
		CodecConfig: [][]byte{SPS, PPS},
	}
}

func AAC() *media.Format {
	return &media.Format{
		MimeType:     media.MimeAAC,
		SampleRate:   44100,
		ChannelCount: 2,
		CodecConfig:  [][]byte{ASC},
	}
}

// VideoFrame builds a length-prefixed H.264 access unit of exactly size
// bytes (minimum 5).
func VideoFrame(size int, key bool) []byte {
	if size < 5 {
		size = 5
	}
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b, uint32(size-4))
	if key {
		b[4] = 0x65
	} else {
		b[4] = 0x41
	}
	for i := 5; i < size; i++ {
		b[i] = byte(i)
	}
	return b
}

func AudioFrame(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

type Sample struct {
	Track   int
	Payload []byte
	Info    media.FrameInfo
}

// Recorder is a media.Muxer keeping every sample in memory. WriteErr, when
// set, is returned by WriteSampleData after Fail samples were accepted.
type Recorder struct {
	media.Lifecycle

	mu       sync.Mutex
	samples  []Sample
	WriteErr error
	Fail     int
	Stopped  bool
}

func (r *Recorder) WriteSampleData(track int, payload []byte, info media.FrameInfo) error {
	r.mu.Lock()
	failNow := r.WriteErr != nil && len(r.samples) >= r.Fail
	r.mu.Unlock()
	if failNow {
		return r.WriteErr
	}
	if err := r.CheckWrite(track, payload, info); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{
		Track:   track,
		Payload: append([]byte(nil), info.Bytes(payload)...),
		Info:    media.FrameInfo{Size: info.Size, PresentationTimeUs: info.PresentationTimeUs, Flags: info.Flags},
	})
	return nil
}

func (r *Recorder) Stop() error {
	changed, err := r.Lifecycle.Stop()
	if changed {
		r.mu.Lock()
		r.Stopped = true
		r.mu.Unlock()
	}
	return err
}

func (r *Recorder) Release() error {
	_, err := r.Lifecycle.Release()
	return err
}

func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// PTS lists the presentation times written to track.
func (r *Recorder) PTS(track int) []int64 {
	var out []int64
	for _, s := range r.Samples() {
		if s.Track == track {
			out = append(out, s.Info.PresentationTimeUs)
		}
	}
	return out
}
