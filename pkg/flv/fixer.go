package flv

import (
	"sync"
)

const (
	// JumpThreshold is the largest timestamp step in ms accepted as
	// continuous; anything larger, in either direction, is rebased.
	JumpThreshold = 500

	AudioDurationFallback = 22
	VideoDurationFallback = 33
)

// TimestampFixer rebases the shared audio/video timeline of one FLV stream
// so that it starts at zero and keeps going after a publisher reconnects or
// its clock jumps.
type TimestampFixer struct {
	mu           sync.Mutex
	first        bool
	lastOriginal int32
	offset       int32
	nextTarget   int32
	jumps        int
}

func NewTimestampFixer() *TimestampFixer {
	return &TimestampFixer{first: true}
}

// Fix returns the corrected timestamp of a tag of tagType seen at ts (ms),
// and whether a jump was rebased on this tag.
func (f *TimestampFixer) Fix(tagType byte, ts int32) (int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	jumped := false
	if f.first {
		f.first = false
		f.offset = ts
	} else if diff := ts - f.lastOriginal; diff < -JumpThreshold || diff > JumpThreshold {
		f.offset = ts - f.nextTarget
		f.jumps++
		jumped = true
		logger.Debugf("timestamp jump of %d ms rebased on %d ms", diff, f.nextTarget)
	}
	f.lastOriginal = ts

	fixed := ts - f.offset
	if fixed < 0 {
		// interleaved tags older than the one that set the origin
		fixed = 0
	}
	duration := int32(VideoDurationFallback)
	if tagType == TagTypeAudio {
		duration = AudioDurationFallback
	}
	if next := fixed + duration; next > f.nextTarget {
		f.nextTarget = next
	}
	return fixed, jumped
}

func (f *TimestampFixer) Jumps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jumps
}

func (f *TimestampFixer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.first = true
	f.lastOriginal, f.offset, f.nextTarget, f.jumps = 0, 0, 0, 0
}
