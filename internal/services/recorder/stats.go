package recorder

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/eric2788/splitrec/internal/splitmux"
)

type Stats struct {
	ID             string             `json:"id"`
	Key            string             `json:"key"`
	Strategy       Strategy           `json:"strategy"`
	State          string             `json:"state"`
	StartTime      int64              `json:"start_time"`
	ElapsedSeconds int64              `json:"elapsed_seconds"`
	Frames         int64              `json:"frames"`
	BytesWritten   int64              `json:"bytes_written"`
	Dir            string             `json:"dir"`
	Split          *splitmux.Stats    `json:"split,omitempty"`
	Segments       []splitmux.Segment `json:"segments,omitempty"`
	RawSequence    int32              `json:"raw_sequence,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Stats snapshots the recording counters.
func (r *Recorder) Stats() *Stats {
	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()

	st := &Stats{
		Strategy:     r.opts.Strategy,
		State:        r.State().String(),
		Frames:       r.frames.Load(),
		BytesWritten: r.bytes.Load(),
		Dir:          r.opts.Dir,
	}
	if !startedAt.IsZero() {
		st.StartTime = startedAt.Unix()
		st.ElapsedSeconds = int64(time.Since(startedAt).Seconds())
	}
	if r.split != nil {
		split := r.split.Stats()
		st.Split = &split
		st.Segments = r.split.Segments()
	}
	if r.rawW != nil {
		st.RawSequence = r.rawW.Sequence()
	}
	if err := r.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Service) GetStats(id string) (*Stats, bool) {
	sess, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	st := sess.Stats()
	st.ID, st.Key = sess.ID, sess.Key
	return st, true
}

func (s *Service) IsRecording(key string) bool {
	_, ok := s.keys.Load(key)
	return ok
}

// Finished counts the sessions stopped since the service started.
func (s *Service) Finished() int64 {
	return s.finished.Value()
}

// Done is closed once the session is stopped and released.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// IsRecordingPath reports whether path is, contains or lies in the
// directory of an open session.
func (s *Service) IsRecordingPath(path string) bool {
	path, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	busy := false
	s.sessions.Range(func(_ string, sess *Session) bool {
		dir, err := filepath.Abs(sess.Options().Dir)
		if err != nil {
			return true
		}
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) || strings.HasPrefix(dir, path+string(filepath.Separator)) {
			busy = true
			return false
		}
		return true
	})
	return busy
}

// ListStats snapshots the stats of every open session.
func (s *Service) ListStats() []*Stats {
	out := make([]*Stats, 0, s.sessions.Size())
	for _, id := range s.List() {
		if st, ok := s.GetStats(id); ok {
			out = append(out, st)
		}
	}
	return out
}
