// Package hub talks to the remote side of the Neuron compile cache: a hosted
// repository of versioned files, in the mold of a Hugging Face Hub model
// repository, identified as "owner/name".
//
// The repository is append-only. Files are listed, downloaded and uploaded;
// nothing is ever overwritten or deleted, which is what makes concurrent
// pushes from independent training workers safe without locks.
//
// Client implements the interface over HTTP; InMemory implements it in
// process memory for tests and offline runs.
package hub

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// CacheRepoEnv is the environment variable naming the shared cache
// repository, as "owner/name".
const CacheRepoEnv = "CUSTOM_CACHE_REPO"

var (
	// ErrNoRepository reports a missing, malformed or nonexistent repository
	// id. Fatal: there is nothing to retry.
	ErrNoRepository = errors.New("no usable cache repository")

	// ErrUnavailable reports a transient failure reaching the repository.
	// The caller decides whether to retry the whole operation; nothing in
	// this package retries internally.
	ErrUnavailable = errors.New("cache repository unavailable")

	// ErrImmutable reports a refused attempt to replace an existing remote
	// file with different content. Remote entries never change.
	ErrImmutable = errors.New("cache repository entries are immutable")
)

// Repository is a remote file store that only ever grows.
//
// Implementations must treat re-uploading identical content as a no-op (two
// workers pushing the same compiled graph must both succeed) and refuse
// uploads that would change an existing file with ErrImmutable.
type Repository interface {
	// ID identifies the repository, as "owner/name".
	ID() string

	// ListFiles returns every file path in the repository, sorted, excluding
	// dot-prefixed bookkeeping entries.
	ListFiles() ([]string, error)

	// UploadFile creates path with the contents of r.
	UploadFile(path string, r io.Reader) error

	// DownloadFile copies the remote file at path into the local file
	// destPath, creating parent directories as needed.
	DownloadFile(path string, destPath string) error
}

// FromEnv returns a Client for the repository named by CUSTOM_CACHE_REPO.
// Returns ErrNoRepository if the variable is unset or malformed.
func FromEnv() (*Client, error) {
	id := os.Getenv(CacheRepoEnv)
	if id == "" {
		return nil, errors.WithMessagef(ErrNoRepository, "%s is not set", CacheRepoEnv)
	}
	return New(id)
}

func validRepoID(id string) bool {
	owner, name, found := strings.Cut(id, "/")
	return found && owner != "" && name != "" && !strings.Contains(name, "/")
}

// hiddenPath reports whether any element of the slash-separated path is
// dot-prefixed. Such entries are repository bookkeeping (".gitattributes" and
// friends), never cache content.
func hiddenPath(p string) bool {
	for part := range strings.SplitSeq(p, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// visibleFiles drops hidden entries and sorts the rest, the shared listing
// contract of all Repository implementations.
func visibleFiles(paths []string) []string {
	files := make([]string, 0, len(paths))
	for _, p := range paths {
		if hiddenPath(p) {
			continue
		}
		files = append(files, p)
	}
	slices.Sort(files)
	return files
}
