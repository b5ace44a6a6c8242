package trainer

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
)

// Dataset provides the data for a Trainer, one batch at a time.
//
// Notice one batch (the unit of data) is a pair of [batch][features] matrices
// for inputs and labels. If the batch shape changes between Yield calls, the
// Trainer creates a new computation graph and compiles it (or loads it from
// the compile cache) -- the usual source of a changing shape is the final
// short batch of an epoch when the batch size does not divide the dataset.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after
	// io.EOF is reached, for instance when starting the next epoch.
	Reset()

	// Yield one batch of inputs and labels, shaped [batchSize][dim]. Inputs
	// and labels always have the same number of rows.
	//
	// It returns io.EOF when the dataset is exhausted, indicating the normal
	// end of an epoch. Any other error interrupts training or evaluation and
	// is returned to the user.
	Yield() (inputs, labels [][]float32, err error)
}

// InMemoryDataset is a Dataset backed by in-memory samples, yielded in order,
// one batch per call.
type InMemoryDataset struct {
	name      string
	inputs    [][]float32
	labels    [][]float32
	batchSize int
	next      int
}

// NewInMemoryDataset wraps pre-built samples. Inputs and labels must have the
// same number of rows. Until BatchSize is called, Yield returns one sample
// per call.
func NewInMemoryDataset(name string, inputs, labels [][]float32) (*InMemoryDataset, error) {
	if len(inputs) != len(labels) {
		return nil, errors.Errorf("dataset %q: %d input rows but %d label rows", name, len(inputs), len(labels))
	}
	if len(inputs) == 0 {
		return nil, errors.Errorf("dataset %q has no samples", name)
	}
	return &InMemoryDataset{name: name, inputs: inputs, labels: labels, batchSize: 1}, nil
}

// NewDummyDataset creates a deterministic random regression dataset of
// numSamples examples with featureDim input features and one label each --
// the usual stand-in when exercising the training and caching machinery
// rather than a real task.
func NewDummyDataset(name string, numSamples, featureDim int, seed int64) *InMemoryDataset {
	rng := rand.New(rand.NewSource(seed))
	inputs := make([][]float32, numSamples)
	labels := make([][]float32, numSamples)
	for i := range numSamples {
		row := make([]float32, featureDim)
		var sum float32
		for j := range row {
			row[j] = rng.Float32()*2 - 1
			sum += row[j]
		}
		inputs[i] = row
		labels[i] = []float32{sum}
	}
	return &InMemoryDataset{name: name, inputs: inputs, labels: labels, batchSize: 1}
}

// BatchSize configures how many samples each Yield returns. The final batch
// of an epoch is short when batchSize does not divide the number of samples;
// set dropIncomplete to discard it instead. Returns the dataset to allow
// chaining.
func (ds *InMemoryDataset) BatchSize(batchSize int, dropIncomplete bool) *InMemoryDataset {
	if batchSize <= 0 {
		batchSize = 1
	}
	clone := *ds
	clone.batchSize = batchSize
	if dropIncomplete {
		n := (len(ds.inputs) / batchSize) * batchSize
		clone.inputs = ds.inputs[:n]
		clone.labels = ds.labels[:n]
	}
	clone.next = 0
	return &clone
}

// NumSamples returns how many samples one epoch yields.
func (ds *InMemoryDataset) NumSamples() int { return len(ds.inputs) }

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (inputs, labels [][]float32, err error) {
	if ds.next >= len(ds.inputs) {
		return nil, nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.inputs))
	inputs = ds.inputs[ds.next:end]
	labels = ds.labels[ds.next:end]
	ds.next = end
	return inputs, labels, nil
}
