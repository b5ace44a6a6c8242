package hub

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// InMemory is a Repository held in process memory, for tests and offline
// runs. It enforces the same append-only contract as the hosted service:
// identical re-uploads are no-ops, divergent ones fail with ErrImmutable.
// Safe for concurrent use.
type InMemory struct {
	id string

	mu    sync.Mutex
	files map[string][]byte
}

// NewInMemory creates an empty in-memory repository. Like a freshly created
// hosted repository, it starts out with a ".gitattributes" bookkeeping file,
// which listings must hide.
func NewInMemory(id string) *InMemory {
	return &InMemory{
		id: id,
		files: map[string][]byte{
			".gitattributes": []byte("*.neff filter=lfs diff=lfs merge=lfs -text\n"),
		},
	}
}

// ID implements Repository.
func (m *InMemory) ID() string { return m.id }

// ListFiles implements Repository.
func (m *InMemory) ListFiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := make([]string, 0, len(m.files))
	for name := range m.files {
		files = append(files, name)
	}
	return visibleFiles(files), nil
}

// UploadFile implements Repository.
func (m *InMemory) UploadFile(filePath string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "failed to read content for %q", filePath)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, found := m.files[filePath]; found {
		if bytes.Equal(existing, data) {
			return nil
		}
		return errors.WithMessagef(ErrImmutable, "%q already exists in repository %q with different content", filePath, m.id)
	}
	m.files[filePath] = data
	return nil
}

// DownloadFile implements Repository.
func (m *InMemory) DownloadFile(filePath string, destPath string) error {
	m.mu.Lock()
	data, found := m.files[filePath]
	m.mu.Unlock()
	if !found {
		return errors.Errorf("no file %q in repository %q", filePath, m.id)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", destPath)
	}
	if err := os.WriteFile(destPath, data, 0666); err != nil {
		return errors.Wrapf(err, "failed to write %q", destPath)
	}
	return nil
}

// NumFiles returns how many files the repository holds, bookkeeping
// included.
func (m *InMemory) NumFiles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
