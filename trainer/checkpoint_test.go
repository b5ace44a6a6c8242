package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musunita/optimum-neuron/cache"
)

func TestCheckpointSaveLoad(t *testing.T) {
	dir := t.TempDir()
	model := NewTinyModel("tiny", 4, 42)
	handler, err := BuildCheckpoint(model).Dir(dir).Done()
	require.NoError(t, err)

	// Train a little so the weights differ from a freshly seeded model.
	ds := NewDummyDataset("train", 64, 4, 17).BatchSize(16, false)
	for range 4 {
		inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		model.TrainStep(inputs, labels, 0.01)
	}
	require.NoError(t, handler.Save(40))

	probe := [][]float32{{1, 0.5, -0.5, 0.25}, {0, -1, 1, 2}}
	want := model.Forward(probe)

	restored := NewTinyModel("tiny", 4, 42)
	require.NotEqual(t, want, restored.Forward(probe), "training must have moved the weights")
	restoredHandler, err := BuildCheckpoint(restored).Dir(dir).Done()
	require.NoError(t, err)
	step, found, err := restoredHandler.LoadLatest()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 40, step)
	assert.Equal(t, want, restored.Forward(probe), "restored weights must reproduce the model")
}

func TestCheckpointPruning(t *testing.T) {
	dir := t.TempDir()
	model := NewTinyModel("tiny", 4, 42)
	handler, err := BuildCheckpoint(model).Dir(dir).Keep(2).Done()
	require.NoError(t, err)
	for _, step := range []int{10, 20, 30, 40} {
		require.NoError(t, handler.Save(step))
	}

	names, err := ListCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-00000030", "checkpoint-00000040"}, names)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "two files per kept checkpoint")
}

func TestCheckpointReducedPrecision(t *testing.T) {
	dir := t.TempDir()
	model := NewTinyModel("tiny", 4, 42)
	handler, err := BuildCheckpoint(model).Dir(dir).Precision(cache.PrecisionBFloat16).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save(1))

	// Knock the weights of a second instance out of place, then restore.
	restored := NewTinyModel("tiny", 4, 42)
	inputs, labels, err := NewDummyDataset("train", 16, 4, 17).BatchSize(16, false).Yield()
	require.NoError(t, err)
	restored.TrainStep(inputs, labels, 0.05)
	restoredHandler, err := BuildCheckpoint(restored).Dir(dir).Done()
	require.NoError(t, err)
	_, found, err := restoredHandler.LoadLatest()
	require.NoError(t, err)
	require.True(t, found)

	probe := [][]float32{{1, -1, 0.5, 0.25}}
	want := model.Forward(probe)
	got := restored.Forward(probe)
	require.Len(t, got, len(want))
	for b := range want {
		for o := range want[b] {
			assert.InDelta(t, want[b][o], got[b][o], 0.05, "bf16 keeps the coarse weight values")
		}
	}
}

func TestCheckpointBuilderErrors(t *testing.T) {
	_, err := BuildCheckpoint(nil).Dir(t.TempDir()).Done()
	assert.Error(t, err)
	_, err = BuildCheckpoint(NewTinyModel("tiny", 4, 42)).Done()
	assert.Error(t, err, "a directory is required")
	_, err = BuildCheckpoint(NewTinyModel("tiny", 4, 42)).Dir(t.TempDir()).Precision("fp64").Done()
	assert.Error(t, err)
}

func TestCheckpointModelMismatch(t *testing.T) {
	dir := t.TempDir()
	model := NewTinyModel("tiny", 4, 42)
	handler, err := BuildCheckpoint(model).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save(1))

	other := NewTinyModel("other", 4, 42)
	otherHandler, err := BuildCheckpoint(other).Dir(dir).Done()
	require.NoError(t, err)
	_, _, err = otherHandler.LoadLatest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot load")
}

func TestLoadLatestEmpty(t *testing.T) {
	model := NewTinyModel("tiny", 4, 42)
	handler, err := BuildCheckpoint(model).Dir(t.TempDir()).Done()
	require.NoError(t, err)
	_, found, err := handler.LoadLatest()
	require.NoError(t, err)
	assert.False(t, found)

	names, err := ListCheckpoints(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, names)
}
