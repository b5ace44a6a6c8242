package cache

import (
	"bytes"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// Store manages the local compile-cache directory of one run. The training
// process writes newly compiled graphs under its root; the Synchronizer pulls
// remote entries into it and pushes new ones out of it.
//
// A Store is single-writer: one process owns the directory for the duration
// of a run. Workers of a multi-worker job each get their own Store.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating the directory if needed.
// The root must be writable: an unusable cache location is a configuration
// error and surfaces here, not at first use.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache root directory cannot be empty")
	}
	root, err := ReplaceTildeInDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve cache root %q", root)
	}
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache root %q", root)
	}
	probe, err := os.CreateTemp(root, ".writable-*")
	if err != nil {
		return nil, errors.Wrapf(err, "cache root %q is not writable", root)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return &Store{root: root}, nil
}

// NewTemp returns a Store rooted at a fresh temporary directory, modelling a
// cold local cache.
func NewTemp() (*Store, error) {
	root, err := os.MkdirTemp("", "neuron-compile-cache-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary cache root")
	}
	return &Store{root: root}, nil
}

// Root returns the absolute directory this Store manages.
func (s *Store) Root() string { return s.root }

// relevantExtensions are the artifact types that take part in cache-hit
// decisions: compiled NEFFs, serialized graph protos and the compiler flags
// sidecar.
var relevantExtensions = map[string]bool{
	".neff": true,
	".pb":   true,
	".txt":  true,
}

// RelevantFile reports whether relPath (slash-separated, relative to a cache
// root) names a cache artifact, as opposed to bookkeeping such as done
// markers, lock files, checkpoints or hidden files.
func RelevantFile(relPath string) bool {
	for part := range strings.SplitSeq(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return relevantExtensions[path.Ext(relPath)]
}

// List returns the relative slash-separated paths of the files currently
// under the root, lexicographically sorted so repeated listings without
// intervening writes compare equal. With onlyRelevant, paths failing
// RelevantFile are dropped.
func (s *Store) List(onlyRelevant bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, filePath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if onlyRelevant && !RelevantFile(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list cache entries under %q", s.root)
	}
	slices.Sort(files)
	return files, nil
}

// Abs resolves the relative slash-separated entry path against the root.
// Paths that would escape the root are refused.
func (s *Store) Abs(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("cache entry path cannot be empty")
	}
	cleaned := path.Clean(relPath)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Errorf("cache entry path %q escapes the cache root", relPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Exists reports whether the entry is already present locally.
func (s *Store) Exists(relPath string) (bool, error) {
	abs, err := s.Abs(relPath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat cache entry %q", relPath)
}

// WriteEntry writes one cache entry under the root, creating parent
// directories as needed. The write is atomic, so a concurrent List never
// observes a partially written artifact.
func (s *Store) WriteEntry(relPath string, data []byte) error {
	abs, err := s.Abs(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for cache entry %q", relPath)
	}
	if err := atomic.WriteFile(abs, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "failed to write cache entry %q", relPath)
	}
	return nil
}

// ReadEntry returns the contents of one cache entry.
func (s *Store) ReadEntry(relPath string) ([]byte, error) {
	abs, err := s.Abs(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cache entry %q", relPath)
	}
	return data, nil
}
