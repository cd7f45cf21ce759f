package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var logger = logrus.WithField("service", "file")

var (
	ErrInvalidFilePath = errors.New("invalid file path")
	ErrAccessDenied    = errors.New("access denied")
	ErrIsDirectory     = errors.New("path is a directory")
)

// Service exposes the recording output tree.
type Service struct {
	fs   afero.Fs
	root string
}

type Tree struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func NewService(cfg *config.Config) (*Service, error) {
	root, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, errors.Wrapf(err, "output dir %s", cfg.OutputDir)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return New(afero.NewOsFs(), root), nil
}

// New serves the tree under root of fs.
func New(fs afero.Fs, root string) *Service {
	return &Service{fs: fs, root: filepath.Clean(root)}
}

func (s *Service) Root() string {
	return s.root
}

// ListTree lists the directory at path, directories first.
func (s *Service) ListTree(path string) ([]Tree, error) {
	fullPath, err := s.ValidatePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, fullPath)
	if err != nil {
		return nil, err
	}

	files := make([]Tree, 0, len(entries))
	for _, entry := range entries {
		full := filepath.Join(fullPath, entry.Name())
		t := Tree{
			Name:    entry.Name(),
			IsDir:   entry.IsDir(),
			Path:    s.relative(full),
			ModTime: entry.ModTime(),
		}
		if !entry.IsDir() {
			t.Size = entry.Size()
		}
		files = append(files, t)
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// Open opens the regular file at path.
func (s *Service) Open(path string) (afero.File, os.FileInfo, error) {
	fullPath, err := s.ValidatePath(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := s.fs.Stat(fullPath)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, ErrIsDirectory
	}
	f, err := s.fs.Open(fullPath)
	return f, info, err
}

// Delete removes the file or directory at path. The root itself cannot be
// deleted.
func (s *Service) Delete(path string) error {
	fullPath, err := s.ValidatePath(path)
	if err != nil {
		return err
	}
	if fullPath == s.root {
		return ErrAccessDenied
	}
	if _, err := s.fs.Stat(fullPath); err != nil {
		return err
	}
	logger.Infof("deleting %s", fullPath)
	return s.fs.RemoveAll(fullPath)
}

// ValidatePath resolves path under the root and refuses anything outside it.
func (s *Service) ValidatePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", ErrInvalidFilePath
	}
	fullPath := filepath.Clean(filepath.Join(s.root, path))
	if fullPath != s.root && !strings.HasPrefix(fullPath, s.root+string(os.PathSeparator)) {
		logger.Warnf("path traversal detected: %s", path)
		return "", ErrAccessDenied
	}
	return fullPath, nil
}

func (s *Service) relative(full string) string {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return filepath.Base(full)
	}
	return filepath.ToSlash(rel)
}

// Rel is the slash separated form of path relative to the root.
func (s *Service) Rel(path string) (string, error) {
	full, err := s.ValidatePath(path)
	if err != nil {
		return "", err
	}
	return s.relative(full), nil
}
