package media

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

type State int32

const (
	Uninitialized State = iota
	Started
	Stopped
	Released
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Lifecycle enforces the muxer state machine and the per-track rules shared
// by every strategy: one track per media type, stable indices and
// non-decreasing presentation time per track.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	formats []*Format
	lastPTS []int64
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Formats returns the registered formats indexed by track.
func (l *Lifecycle) Formats() []*Format {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Format(nil), l.formats...)
}

func (l *Lifecycle) Format(track int) (*Format, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if track < 0 || track >= len(l.formats) {
		return nil, errors.Wrapf(ErrInvalidArgument, "track index %d out of range", track)
	}
	return l.formats[track], nil
}

// TrackOf returns the index of the track with the given media type, or -1.
func (l *Lifecycle) TrackOf(t Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, f := range l.formats {
		if f.Type() == t {
			return i
		}
	}
	return -1
}

// CheckAddTrack reports whether AddTrack would accept format, without
// registering it. Strategies that must open resources per track call it first.
func (l *Lifecycle) CheckAddTrack(format *Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkAddLocked(format)
}

func (l *Lifecycle) AddTrack(format *Format) (int, error) {
	if err := format.Validate(); err != nil {
		return -1, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAddLocked(format); err != nil {
		return -1, err
	}
	l.formats = append(l.formats, format.Clone())
	l.lastPTS = append(l.lastPTS, -1)
	return len(l.formats) - 1, nil
}

func (l *Lifecycle) checkAddLocked(format *Format) error {
	switch l.state {
	case Released:
		return ErrAlreadyReleased
	case Uninitialized:
	default:
		return errors.Wrapf(ErrInvalidState, "cannot add track when %s", l.state)
	}
	for _, f := range l.formats {
		if f.Type() == format.Type() {
			return errors.Wrapf(ErrInvalidState, "%s track already added", format.Type())
		}
	}
	return nil
}

func (l *Lifecycle) Start() error {
	return l.StartFunc(nil)
}

// StartFunc runs prepare once the start is known to be valid and only moves
// to Started when it succeeds, so a failed start can be retried.
func (l *Lifecycle) StartFunc(prepare func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Released:
		return ErrAlreadyReleased
	case Uninitialized:
	default:
		return errors.Wrapf(ErrInvalidState, "cannot start when %s", l.state)
	}
	if len(l.formats) == 0 {
		return errors.Wrap(ErrInvalidState, "no track added")
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}
	l.state = Started
	return nil
}

// CheckWrite validates a sample against the current state and the track's
// previous timestamp, and records its timestamp when accepted.
func (l *Lifecycle) CheckWrite(track int, payload []byte, info FrameInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Released:
		return ErrAlreadyReleased
	case Started:
	default:
		return errors.Wrapf(ErrInvalidState, "cannot write sample when %s", l.state)
	}
	if track < 0 || track >= len(l.formats) {
		return errors.Wrapf(ErrInvalidArgument, "track index %d out of range", track)
	}
	if err := info.Validate(payload); err != nil {
		return err
	}
	if info.PresentationTimeUs < l.lastPTS[track] {
		return errors.Wrapf(ErrInvalidArgument, "track %d presentation time went backwards (%d < %d)",
			track, info.PresentationTimeUs, l.lastPTS[track])
	}
	l.lastPTS[track] = info.PresentationTimeUs
	return nil
}

// Stop reports whether this call performed the transition; a second call is a no-op.
func (l *Lifecycle) Stop() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Released:
		return false, ErrAlreadyReleased
	case Stopped:
		return false, nil
	case Uninitialized:
		l.state = Stopped
		return false, nil
	}
	l.state = Stopped
	return true, nil
}

// Release reports whether this call performed the transition.
func (l *Lifecycle) Release() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Released {
		return false, ErrAlreadyReleased
	}
	l.state = Released
	return true, nil
}

// ResetTimestamps forgets the last timestamp of every track, for strategies
// whose timeline may restart (a new raw write sequence).
func (l *Lifecycle) ResetTimestamps() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.lastPTS {
		l.lastPTS[i] = -1
	}
}
