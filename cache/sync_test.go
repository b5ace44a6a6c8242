package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/musunita/optimum-neuron/hub"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// writeGraph fills dir with the triple of files one compilation produces.
// The contents are a deterministic function of dir, so two workers compiling
// the same graph write byte-identical entries.
func writeGraph(t *testing.T, store *Store, dir string) {
	t.Helper()
	require.NoError(t, store.WriteEntry(dir+"/"+NeffFileName, []byte("neff for "+dir)))
	require.NoError(t, store.WriteEntry(dir+"/"+HloFileName, []byte("hlo for "+dir)))
	require.NoError(t, store.WriteEntry(dir+"/"+FlagsFileName, []byte("--model-type=transformer")))
}

func TestSynchronizerLifecycle(t *testing.T) {
	store, err := NewTemp()
	require.NoError(t, err)
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	syncer := NewSynchronizer(store, repo)

	state, err := syncer.State()
	require.NoError(t, err)
	assert.Equal(t, StateCold, state)

	const prefix = "neuronxcc-2.14.227.0+2d4f85be7/MODULE_5f31206b48a1a30f"
	pulled, err := syncer.Pull(prefix)
	require.NoError(t, err)
	assert.Zero(t, pulled)
	state, err = syncer.State()
	require.NoError(t, err)
	assert.Equal(t, StateSynced, state, "an empty repository is still a baseline")

	graphDir := prefix + "/SyncTensorsGraph.8_00000000deadbeef"
	writeGraph(t, store, graphDir)
	require.NoError(t, store.WriteEntry(graphDir+"/"+DoneFileName, nil))
	state, err = syncer.State()
	require.NoError(t, err)
	assert.Equal(t, StateDirty, state)

	pushed, err := syncer.Push()
	require.NoError(t, err)
	assert.Equal(t, 3, pushed, "bookkeeping files must not be pushed")
	remote, err := repo.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{
		graphDir + "/" + FlagsFileName,
		graphDir + "/" + HloFileName,
		graphDir + "/" + NeffFileName,
	}, remote)

	state, err = syncer.State()
	require.NoError(t, err)
	assert.Equal(t, StateSynced, state, "a push must refresh the baseline")
	pushed, err = syncer.Push()
	require.NoError(t, err)
	assert.Zero(t, pushed, "a second push must not re-upload anything")
}

func TestSynchronizerSecondWorker(t *testing.T) {
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	const prefix = "neuronxcc-2.14.227.0+2d4f85be7/MODULE_5f31206b48a1a30f"

	storeA, err := NewTemp()
	require.NoError(t, err)
	syncA := NewSynchronizer(storeA, repo)
	_, err = syncA.Pull(prefix)
	require.NoError(t, err)
	writeGraph(t, storeA, prefix+"/SyncTensorsGraph.8_00000000deadbeef")
	pushed, err := syncA.Push()
	require.NoError(t, err)
	require.Equal(t, 3, pushed)

	storeB, err := NewTemp()
	require.NoError(t, err)
	syncB := NewSynchronizer(storeB, repo)
	pulled, err := syncB.Pull(prefix)
	require.NoError(t, err)
	assert.Equal(t, 3, pulled)

	local, err := storeB.List(true)
	require.NoError(t, err)
	remote, err := repo.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, remote, local, "after a pull the local cache mirrors the repository")

	pulled, err = syncB.Pull(prefix)
	require.NoError(t, err)
	assert.Zero(t, pulled, "files already present are not downloaded again")
	pushed, err = syncB.Push()
	require.NoError(t, err)
	assert.Zero(t, pushed, "nothing to push back after a pull")
}

func TestPullFiltersByPrefix(t *testing.T) {
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	seed, err := NewTemp()
	require.NoError(t, err)
	seedSync := NewSynchronizer(seed, repo)
	_, err = seedSync.Pull("")
	require.NoError(t, err)
	writeGraph(t, seed, "neuronxcc-2.14/MODULE_aaaa/SyncTensorsGraph.8_1111111111111111")
	writeGraph(t, seed, "neuronxcc-2.14/MODULE_bbbb/SyncTensorsGraph.8_2222222222222222")
	_, err = seedSync.Push()
	require.NoError(t, err)

	store, err := NewTemp()
	require.NoError(t, err)
	syncer := NewSynchronizer(store, repo)
	pulled, err := syncer.Pull("neuronxcc-2.14/MODULE_aaaa")
	require.NoError(t, err)
	assert.Equal(t, 3, pulled)
	local, err := store.List(true)
	require.NoError(t, err)
	require.Len(t, local, 3)
	for _, f := range local {
		assert.True(t, strings.HasPrefix(f, "neuronxcc-2.14/MODULE_aaaa/"),
			"pulled file %q is outside the requested prefix", f)
	}
}

func TestPushSanitizesPaths(t *testing.T) {
	store, err := NewTemp()
	require.NoError(t, err)
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	syncer := NewSynchronizer(store, repo)
	_, err = syncer.Pull("")
	require.NoError(t, err)

	localPath := "neuronxcc-2.14/MODULE_aaaa/SyncTensorsGraph.8_f00d.ip-10-0-1-23/graph.neff"
	require.NoError(t, store.WriteEntry(localPath, []byte("neff")))
	pushed, err := syncer.Push()
	require.NoError(t, err)
	require.Equal(t, 1, pushed)

	remote, err := repo.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"neuronxcc-2.14/MODULE_aaaa/SyncTensorsGraph.8_f00d.ip-0-0-0-0/graph.neff"}, remote)

	state, err := syncer.State()
	require.NoError(t, err)
	assert.Equal(t, StateSynced, state,
		"a host-specific entry counts as pushed once its sanitized form is remote")
}

func TestPushSkipsEntriesAnotherMachinePushed(t *testing.T) {
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	first, err := NewTemp()
	require.NoError(t, err)
	firstSync := NewSynchronizer(first, repo)
	_, err = firstSync.Pull("")
	require.NoError(t, err)
	require.NoError(t, first.WriteEntry(
		"neuronxcc-2.14/MODULE_aaaa/SyncTensorsGraph.8_f00d.ip-10-0-1-23/graph.neff", []byte("neff")))
	_, err = firstSync.Push()
	require.NoError(t, err)

	// A second machine compiles the same graph under its own address.
	second, err := NewTemp()
	require.NoError(t, err)
	secondSync := NewSynchronizer(second, repo)
	_, err = secondSync.Pull("neuronxcc-2.14/MODULE_none")
	require.NoError(t, err)
	require.NoError(t, second.WriteEntry(
		"neuronxcc-2.14/MODULE_aaaa/SyncTensorsGraph.8_f00d.ip-10-9-9-9/graph.neff", []byte("neff")))

	pushed, err := secondSync.Push()
	require.NoError(t, err)
	assert.Zero(t, pushed, "the sanitized path is already remote, there is nothing to upload")
	remote, err := repo.ListFiles()
	require.NoError(t, err)
	assert.Len(t, remote, 1)
}

func TestPushNeverOverwrites(t *testing.T) {
	store, err := NewTemp()
	require.NoError(t, err)
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	syncer := NewSynchronizer(store, repo)
	_, err = syncer.Pull("")
	require.NoError(t, err)

	const remotePath = "neuronxcc-2.14/MODULE_aaaa/SyncTensorsGraph.8_f00d/graph.neff"
	require.NoError(t, store.WriteEntry(remotePath, []byte("original")))
	_, err = syncer.Push()
	require.NoError(t, err)

	// Local divergence must not reach the repository.
	require.NoError(t, store.WriteEntry(remotePath, []byte("tampered")))
	pushed, err := syncer.Push()
	require.NoError(t, err)
	assert.Zero(t, pushed)

	dest := filepath.Join(t.TempDir(), "graph.neff")
	require.NoError(t, repo.DownloadFile(remotePath, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data, "remote entries are immutable")
}

func TestConcurrentPushesConverge(t *testing.T) {
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	const prefix = "neuronxcc-2.14/MODULE_cccc"

	storeA, err := NewTemp()
	require.NoError(t, err)
	storeB, err := NewTemp()
	require.NoError(t, err)
	syncA := NewSynchronizer(storeA, repo)
	syncB := NewSynchronizer(storeB, repo)
	_, err = syncA.Pull(prefix)
	require.NoError(t, err)
	_, err = syncB.Pull(prefix)
	require.NoError(t, err)

	// Both workers compiled graph 2222..., each also has one of its own.
	writeGraph(t, storeA, prefix+"/SyncTensorsGraph.8_1111111111111111")
	writeGraph(t, storeA, prefix+"/SyncTensorsGraph.8_2222222222222222")
	writeGraph(t, storeB, prefix+"/SyncTensorsGraph.8_2222222222222222")
	writeGraph(t, storeB, prefix+"/SyncTensorsGraph.16_3333333333333333")

	var group errgroup.Group
	group.Go(func() error {
		_, err := syncA.Push()
		return err
	})
	group.Go(func() error {
		_, err := syncB.Push()
		return err
	})
	require.NoError(t, group.Wait())

	remote, err := repo.ListFiles()
	require.NoError(t, err)
	assert.Len(t, remote, 9, "concurrent pushes must converge to the union of both caches")

	state, err := syncA.State()
	require.NoError(t, err)
	assert.Equal(t, StateSynced, state)
	state, err = syncB.State()
	require.NoError(t, err)
	assert.Equal(t, StateSynced, state)
}

// failingRepo refuses every listing, like a hub behind a broken network.
type failingRepo struct {
	hub.Repository
}

func (failingRepo) ListFiles() ([]string, error) {
	return nil, errors.Wrap(hub.ErrUnavailable, "simulated outage")
}

func TestPullFailurePropagates(t *testing.T) {
	store, err := NewTemp()
	require.NoError(t, err)
	syncer := NewSynchronizer(store, failingRepo{hub.NewInMemory("aws-neuron/optimum-neuron-cache")})

	_, err = syncer.Pull("neuronxcc-2.14/MODULE_aaaa")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hub.ErrUnavailable))

	state, err := syncer.State()
	require.NoError(t, err)
	assert.Equal(t, StateCold, state, "a failed pull must not look like an empty repository")
}

func TestDiff(t *testing.T) {
	store, err := NewTemp()
	require.NoError(t, err)
	repo := hub.NewInMemory("aws-neuron/optimum-neuron-cache")
	const base = "neuronxcc-2.14/MODULE_dddd"

	require.NoError(t, repo.UploadFile(base+"/SyncTensorsGraph.8_4444444444444444/graph.neff",
		strings.NewReader("remote-only")))
	require.NoError(t, repo.UploadFile(base+"/SyncTensorsGraph.8_6666666666666666/graph.neff",
		strings.NewReader("shared")))
	require.NoError(t, store.WriteEntry(base+"/SyncTensorsGraph.8_5555555555555555/graph.neff",
		[]byte("local-only")))
	require.NoError(t, store.WriteEntry(base+"/SyncTensorsGraph.8_6666666666666666/graph.neff",
		[]byte("shared")))

	syncer := NewSynchronizer(store, repo)
	onlyLocal, onlyRemote, err := syncer.Diff()
	require.NoError(t, err)
	assert.Equal(t, []string{base + "/SyncTensorsGraph.8_5555555555555555/graph.neff"}, onlyLocal)
	assert.Equal(t, []string{base + "/SyncTensorsGraph.8_4444444444444444/graph.neff"}, onlyRemote)
}
