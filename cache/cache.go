// Package cache implements the two-level compile cache used when training on
// Neuron devices: a local directory with the compiled graph artifacts needed
// by the current run, shadowed by a remote append-only repository shared
// across machines and workers.
//
// The pieces, bottom up:
//
//   - Store manages the local directory: listing (optionally filtered to the
//     files that matter for cache hits), reading and atomically writing
//     entries.
//   - SanitizePath scrubs machine-identifying substrings from entry paths so
//     that listings taken on different hosts compare equal.
//   - NeuronHash fingerprints a training configuration and maps it to the
//     repository prefix its compiled graphs live under.
//   - Synchronizer ties a Store to a remote repository: Pull before training,
//     Push after, never deleting or overwriting anything remote.
//
// A typical run: compute the NeuronHash for the configuration, Pull its
// prefix, train (compilations write into the Store as a side effect), Push.
// A second run anywhere with the same configuration then finds the compiled
// graphs already in place.
package cache

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Artifact files written per compiled graph. Only these three participate in
// synchronization; the markers below are local bookkeeping.
const (
	NeffFileName  = "graph.neff"
	HloFileName   = "graph.hlo.pb"
	FlagsFileName = "compile_flags.txt"

	DoneFileName = "graph.done"
	LockFileName = "graph.lock"
)

// DefaultLocation is the local cache root used when neither the caller nor
// the environment configures one.
const DefaultLocation = "/var/tmp/neuron-compile-cache"

// NeuronCCFlagsEnv is the environment variable the Neuron compiler reads its
// extra flags from. LocationFromEnv honors its --cache_dir flag.
const NeuronCCFlagsEnv = "NEURON_CC_FLAGS"

// LocationFromEnv returns the cache root selected by the --cache_dir flag in
// NEURON_CC_FLAGS, or DefaultLocation if it is not set. Both "--cache_dir=p"
// and "--cache_dir p" forms are accepted.
func LocationFromEnv() string {
	fields := strings.Fields(os.Getenv(NeuronCCFlagsEnv))
	for i, field := range fields {
		if dir, found := strings.CutPrefix(field, "--cache_dir="); found {
			return dir
		}
		if field == "--cache_dir" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return DefaultLocation
}

// ReplaceTildeInDir replaces an initial "~" in the directory path with the
// home directory of the current (or named) user.
func ReplaceTildeInDir(dir string) (string, error) {
	if dir == "" || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, filepath.Separator)
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return dir, err
	}
	homeDir := usr.HomeDir
	return filepath.Join(homeDir, dir[1+len(userName):]), nil
}
