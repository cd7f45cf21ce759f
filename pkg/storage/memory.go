package storage

import (
	"os"
	"sync"

	"github.com/spf13/afero"
)

// Memory is an in-memory FileSystem with a fixed capacity. Free space is
// capacity minus the bytes stored, unless pinned with SetFree.
type Memory struct {
	afero.Fs

	mu     sync.Mutex
	total  uint64
	pinned *uint64
	err    error
}

func NewMemory(total uint64) *Memory {
	return &Memory{Fs: afero.NewMemMapFs(), total: total}
}

// SetFree pins the reported free bytes.
func (m *Memory) SetFree(free uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = &free
}

// SetUsageError makes Usage fail, as an unreachable volume would.
func (m *Memory) SetUsageError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Memory) Usage(string) (Usage, error) {
	m.mu.Lock()
	total, pinned, uerr := m.total, m.pinned, m.err
	m.mu.Unlock()
	if uerr != nil {
		return Usage{}, uerr
	}

	var used uint64
	err := afero.Walk(m.Fs, "/", func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			used += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	if pinned != nil {
		return Usage{Total: total, Free: *pinned, Used: total - min(*pinned, total)}, nil
	}
	free := uint64(0)
	if used < total {
		free = total - used
	}
	return Usage{Total: total, Free: free, Used: used}, nil
}
