package trainer

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDatasetBatching(t *testing.T) {
	ds := NewDummyDataset("train", 10, 3, 1).BatchSize(4, false)
	assert.Equal(t, "train", ds.Name())
	assert.Equal(t, 10, ds.NumSamples())

	var sizes []int
	for {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, labels, len(inputs))
		sizes = append(sizes, len(inputs))
	}
	assert.Equal(t, []int{4, 4, 2}, sizes, "the final short batch is yielded")

	ds.Reset()
	inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Len(t, inputs, 4, "Reset restarts from the first batch")
}

func TestInMemoryDatasetDropIncomplete(t *testing.T) {
	ds := NewDummyDataset("train", 10, 3, 1).BatchSize(4, true)
	assert.Equal(t, 8, ds.NumSamples())
	var sizes []int
	for {
		inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(inputs))
	}
	assert.Equal(t, []int{4, 4}, sizes)
}

func TestDummyDatasetDeterminism(t *testing.T) {
	a := NewDummyDataset("train", 16, 4, 7)
	b := NewDummyDataset("train", 16, 4, 7)
	for {
		inputsA, labelsA, errA := a.Yield()
		inputsB, labelsB, errB := b.Yield()
		assert.Equal(t, errA, errB)
		if errA != nil {
			break
		}
		assert.Equal(t, inputsA, inputsB)
		assert.Equal(t, labelsA, labelsB)
	}

	inputsA, _, err := NewDummyDataset("train", 16, 4, 7).Yield()
	require.NoError(t, err)
	inputsC, _, err := NewDummyDataset("train", 16, 4, 8).Yield()
	require.NoError(t, err)
	assert.NotEqual(t, inputsA, inputsC, "the seed drives the data")
}

func TestDummyDatasetLabels(t *testing.T) {
	ds := NewDummyDataset("train", 8, 5, 3)
	for {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for i, row := range inputs {
			var sum float32
			for _, x := range row {
				sum += x
			}
			require.Len(t, labels[i], 1)
			assert.InDelta(t, float64(sum), float64(labels[i][0]), 1e-6)
		}
	}
}

func TestNewInMemoryDatasetValidation(t *testing.T) {
	_, err := NewInMemoryDataset("bad", [][]float32{{1}}, nil)
	assert.Error(t, err)
	_, err = NewInMemoryDataset("empty", nil, nil)
	assert.Error(t, err)

	ds, err := NewInMemoryDataset("ok", [][]float32{{1}, {2}}, [][]float32{{3}, {4}})
	require.NoError(t, err)
	inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}}, inputs)
	assert.Equal(t, [][]float32{{3}}, labels)
}
