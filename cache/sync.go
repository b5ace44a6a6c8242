package cache

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/hub"
)

// SyncState is where a Synchronizer stands in its per-run cycle.
type SyncState int

const (
	// StateCold: nothing pulled yet, the remote state for this run's
	// fingerprint is unknown.
	StateCold SyncState = iota

	// StateSynced: the local cache holds everything the remote had at the
	// last pull or push.
	StateSynced

	// StateDirty: the local cache has entries the remote has not seen,
	// written by the training process since the last sync.
	StateDirty
)

func (s SyncState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateSynced:
		return "synced"
	case StateDirty:
		return "dirty"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

const defaultMaxParallel = 20

// Synchronizer keeps one local Store and one shared remote repository in
// agreement: Pull populates the local cache with the remote entries for the
// current fingerprint before training, Push uploads whatever the run compiled
// afterwards. Pushes are additive, so any number of workers can synchronize
// against the same repository concurrently without locks, and the remote only
// ever grows.
//
// A Synchronizer belongs to a single worker and is not safe for concurrent
// use by multiple goroutines. It never retries: failures propagate to the
// caller, and the idempotence of Pull and Push makes retrying a whole run
// always safe.
type Synchronizer struct {
	store *Store
	repo  hub.Repository

	// MaxParallel bounds concurrent uploads and downloads.
	MaxParallel int

	synced bool
	// baseline is the sanitized remote listing as of the last pull or push,
	// the reference against which new local entries are detected.
	baseline map[string]struct{}
}

// NewSynchronizer creates a Synchronizer in the cold state.
func NewSynchronizer(store *Store, repo hub.Repository) *Synchronizer {
	return &Synchronizer{
		store:       store,
		repo:        repo,
		MaxParallel: defaultMaxParallel,
	}
}

// State re-derives the current state: cold until the first successful pull or
// push, then dirty whenever the local listing has relevant entries the
// baseline does not know, synced otherwise.
func (s *Synchronizer) State() (SyncState, error) {
	if !s.synced {
		return StateCold, nil
	}
	local, err := s.store.List(true)
	if err != nil {
		return StateSynced, err
	}
	for _, f := range local {
		if _, known := s.baseline[SanitizePath(f)]; !known {
			return StateDirty, nil
		}
	}
	return StateSynced, nil
}

// Pull downloads the remote entries under prefix that are missing locally and
// returns how many files it fetched. An empty selection for a never-seen
// fingerprint is a normal cold start, not an error. Listing and download
// failures propagate untouched: an unreachable remote must never be mistaken
// for a cold one, or a warm cache would be recompiled from scratch.
func (s *Synchronizer) Pull(prefix string) (int, error) {
	remoteFiles, err := s.repo.ListFiles()
	if err != nil {
		return 0, errors.WithMessagef(err, "pull: failed to list repository %q", s.repo.ID())
	}
	var toFetch []string
	for _, f := range remoteFiles {
		if prefix != "" && !strings.HasPrefix(f, prefix+"/") {
			continue
		}
		exists, err := s.store.Exists(f)
		if err != nil {
			return 0, errors.WithMessage(err, "pull: failed to check local cache")
		}
		if !exists {
			toFetch = append(toFetch, f)
		}
	}

	var group errgroup.Group
	group.SetLimit(s.MaxParallel)
	for _, f := range toFetch {
		group.Go(func() error {
			dest, err := s.store.Abs(f)
			if err != nil {
				return err
			}
			return s.repo.DownloadFile(f, dest)
		})
	}
	if err := group.Wait(); err != nil {
		return 0, errors.WithMessagef(err, "pull: failed to download from repository %q", s.repo.ID())
	}

	s.baseline = sanitizedSet(remoteFiles)
	s.synced = true
	klog.V(1).Infof("cache: pulled %d file(s) under %q from repository %q", len(toFetch), prefix, s.repo.ID())
	return len(toFetch), nil
}

// Push uploads every relevant local entry the remote does not have yet and
// returns how many files it uploaded. Presence is compared by sanitized path
// against a fresh remote listing, so entries compiled on another machine for
// the same graphs are recognized and skipped, and entries are uploaded under
// their sanitized names. Uploads are additive: the repository refuses
// overwrites, and a race with another worker pushing the same entry resolves
// to a single remote copy.
//
// An interrupted push leaves the subset already uploaded in place. That is
// safe to leave for a later retry: entries are immutable and independently
// valid.
func (s *Synchronizer) Push() (int, error) {
	local, err := s.store.List(true)
	if err != nil {
		return 0, errors.WithMessage(err, "push: failed to list local cache")
	}
	remoteFiles, err := s.repo.ListFiles()
	if err != nil {
		return 0, errors.WithMessagef(err, "push: failed to list repository %q", s.repo.ID())
	}
	remote := sanitizedSet(remoteFiles)
	var toUpload []string
	for _, f := range local {
		if _, present := remote[SanitizePath(f)]; !present {
			toUpload = append(toUpload, f)
		}
	}

	var uploadedBytes atomic.Uint64
	var group errgroup.Group
	group.SetLimit(s.MaxParallel)
	for _, f := range toUpload {
		group.Go(func() error {
			abs, err := s.store.Abs(f)
			if err != nil {
				return err
			}
			file, err := os.Open(abs)
			if err != nil {
				return errors.Wrapf(err, "failed to open cache entry %q", f)
			}
			defer func() { _ = file.Close() }()
			if err := s.repo.UploadFile(SanitizePath(f), file); err != nil {
				return errors.WithMessagef(err, "failed to upload %q", f)
			}
			if stat, err := file.Stat(); err == nil {
				uploadedBytes.Add(uint64(stat.Size()))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, errors.WithMessagef(err, "push: failed to upload to repository %q", s.repo.ID())
	}

	// Refresh the baseline from the repository rather than assuming: other
	// workers may have pushed entries of their own in the meantime.
	remoteFiles, err = s.repo.ListFiles()
	if err != nil {
		return len(toUpload), errors.WithMessagef(err, "push: failed to re-list repository %q", s.repo.ID())
	}
	s.baseline = sanitizedSet(remoteFiles)
	s.synced = true
	for _, f := range local {
		if _, present := s.baseline[SanitizePath(f)]; !present {
			// A just-pushed entry missing from the listing means a file type
			// the relevance or sanitization rules do not agree on.
			klog.Warningf("cache: local entry %q not visible in repository %q after push", f, s.repo.ID())
		}
	}
	klog.V(1).Infof("cache: pushed %d file(s) (%s) to repository %q",
		len(toUpload), humanize.Bytes(uploadedBytes.Load()), s.repo.ID())
	return len(toUpload), nil
}

// Diff compares the current local and remote listings after sanitization.
// Entries in onlyLocal exist locally but were never pushed; entries in
// onlyRemote belong to other fingerprints, other workers or earlier runs.
// A non-empty onlyLocal right after a successful Push indicates a file the
// relevance filter and the sanitizer disagree about, which would otherwise
// go unnoticed until a cache that should hit starts missing.
func (s *Synchronizer) Diff() (onlyLocal, onlyRemote []string, err error) {
	local, err := s.store.List(true)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "diff: failed to list local cache")
	}
	remoteFiles, err := s.repo.ListFiles()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "diff: failed to list repository %q", s.repo.ID())
	}
	localSet := sanitizedSet(local)
	remoteSet := sanitizedSet(remoteFiles)
	for f := range localSet {
		if _, present := remoteSet[f]; present {
			delete(localSet, f)
			delete(remoteSet, f)
		}
	}
	onlyLocal = maps.Keys(localSet)
	onlyRemote = maps.Keys(remoteSet)
	slices.Sort(onlyLocal)
	slices.Sort(onlyRemote)
	return onlyLocal, onlyRemote, nil
}

func sanitizedSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[SanitizePath(p)] = struct{}{}
	}
	return set
}
