package raw

import (
	"bufio"
	"io"
	"path/filepath"
	"sync"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/spf13/afero"
)

const fileBufferSize = 64 * 1024

// FileSinks stores each track as "{BaseName}.{video|audio}.raw" under Dir.
type FileSinks struct {
	FS       afero.Fs
	Dir      string
	BaseName string
}

func NewFileSinks(fs afero.Fs, dir, baseName string) *FileSinks {
	return &FileSinks{FS: fs, Dir: dir, BaseName: baseName}
}

func (s *FileSinks) Path(t media.Type) string {
	return filepath.Join(s.Dir, s.BaseName+"."+t.String()+".raw")
}

func (s *FileSinks) Open(t media.Type) (io.WriteCloser, error) {
	if err := s.FS.MkdirAll(s.Dir, 0755); err != nil {
		return nil, err
	}
	f, err := s.FS.Create(s.Path(t))
	if err != nil {
		return nil, err
	}
	return &bufferedFile{f: f, w: bufio.NewWriterSize(f, fileBufferSize)}, nil
}

// OpenReader opens the stored stream of t, nil when the track was never written.
func (s *FileSinks) OpenReader(t media.Type) (afero.File, error) {
	f, err := s.FS.Open(s.Path(t))
	if err != nil {
		if exists, _ := afero.Exists(s.FS, s.Path(t)); !exists {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes the stored streams.
func (s *FileSinks) Remove() error {
	for _, t := range []media.Type{media.Video, media.Audio} {
		if err := s.FS.Remove(s.Path(t)); err != nil {
			if exists, _ := afero.Exists(s.FS, s.Path(t)); exists {
				return err
			}
		}
	}
	return nil
}

type bufferedFile struct {
	f afero.File
	w *bufio.Writer
}

func (b *bufferedFile) Write(p []byte) (int, error) {
	return b.w.Write(p)
}

func (b *bufferedFile) Close() error {
	ferr := b.w.Flush()
	serr := b.f.Sync()
	cerr := b.f.Close()
	for _, err := range []error{ferr, serr, cerr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ChannelSinks keeps the streams in memory. Readers may consume a stream
// while it is still written or after the writer closed it.
type ChannelSinks struct {
	mu       sync.Mutex
	channels map[media.Type]*Channel
}

func NewChannelSinks() *ChannelSinks {
	return &ChannelSinks{channels: make(map[media.Type]*Channel)}
}

func (s *ChannelSinks) Open(t media.Type) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newChannel()
	s.channels[t] = c
	return c, nil
}

// Reader returns the stream of t, nil when the track was never opened.
func (s *ChannelSinks) Reader(t media.Type) io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[t]; ok {
		return c
	}
	return nil
}

// Size is the bytes currently held in memory.
func (s *ChannelSinks) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.channels {
		n += c.Len()
	}
	return n
}

// Channel is an unbounded in-memory pipe.
type Channel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	held   int64
	closed bool
}

func newChannel() *Channel {
	c := &Channel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.chunks = append(c.chunks, append([]byte(nil), p...))
	c.held += int64(len(p))
	c.cond.Broadcast()
	return len(p), nil
}

// Read blocks until data is available or the writer closed the channel.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.chunks) == 0 {
		if c.closed {
			return 0, io.EOF
		}
		c.cond.Wait()
	}
	n := copy(p, c.chunks[0])
	if n == len(c.chunks[0]) {
		c.chunks[0] = nil
		c.chunks = c.chunks[1:]
	} else {
		c.chunks[0] = c.chunks[0][n:]
	}
	c.held -= int64(n)
	return n, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

func (c *Channel) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}
