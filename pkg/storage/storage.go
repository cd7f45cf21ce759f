package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
)

// Usage is a snapshot of the volume holding a path.
type Usage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

func (u Usage) FreeRatio() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Free) / float64(u.Total)
}

// FileSystem is the storage capability handed to muxers and builders.
// It is owned by the caller; components use it only for the duration of a call
// or a recording session.
type FileSystem interface {
	afero.Fs
	Usage(path string) (Usage, error)
}

type osFS struct {
	afero.Fs
}

// NewOS is the host filesystem with volume usage from gopsutil.
func NewOS() FileSystem {
	return &osFS{Fs: afero.NewOsFs()}
}

func (o *osFS) Usage(path string) (Usage, error) {
	// the output directory may not exist yet, measure its closest ancestor
	p, err := filepath.Abs(path)
	if err != nil {
		return Usage{}, err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	st, err := disk.Usage(p)
	if err != nil {
		return Usage{}, errors.Wrapf(err, "disk usage of %s", p)
	}
	return Usage{Total: st.Total, Free: st.Free, Used: st.Used}, nil
}

// Sub returns fs rooted at dir, keeping usage reporting relative to it.
func Sub(fs FileSystem, dir string) FileSystem {
	return &subFS{Fs: afero.NewBasePathFs(fs, dir), parent: fs, dir: dir}
}

type subFS struct {
	afero.Fs
	parent FileSystem
	dir    string
}

func (s *subFS) Usage(path string) (Usage, error) {
	return s.parent.Usage(filepath.Join(s.dir, path))
}

// Exists reports whether path exists on fs.
func Exists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}
