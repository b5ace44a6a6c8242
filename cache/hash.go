package cache

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Precision modes a graph can be compiled under. The mode changes the
// compiled code, so it is part of the fingerprint.
const (
	PrecisionFloat32  = "fp32"
	PrecisionBFloat16 = "bf16"
	PrecisionFloat16  = "fp16"
)

var validPrecisions = map[string]bool{
	PrecisionFloat32:  true,
	PrecisionBFloat16: true,
	PrecisionFloat16:  true,
}

// NeuronHash fingerprints one training configuration: everything that changes
// the compiled graphs is in, everything else is out. Two configurations that
// compile to identical graphs map to the same hash; in particular weight
// values are excluded, so a model and its clones share their compiled graphs.
//
// The hash is a pure function of the fields: process state such as working
// directory, PID or wall-clock time never enters it.
type NeuronHash struct {
	// ModelHash fingerprints the model topology (layer kinds and sizes), not
	// the weight values.
	ModelHash uint64

	// InputFeatures is the per-sample feature dimension fed to the model.
	InputFeatures int

	// TrainBatchSize and EvalBatchSize are the per-device batch sizes. Zero
	// means the corresponding phase does not run.
	TrainBatchSize int
	EvalBatchSize  int

	// Precision is one of the Precision* constants.
	Precision string

	// NumCores is the number of Neuron cores the graphs are compiled for.
	NumCores int

	// CompilerVersion of the compiler producing the graphs.
	CompilerVersion string
}

func (h NeuronHash) validate() error {
	if !validPrecisions[h.Precision] {
		return errors.Errorf("invalid precision mode %q", h.Precision)
	}
	if h.CompilerVersion == "" {
		return errors.New("compiler version cannot be empty")
	}
	if h.TrainBatchSize < 0 || h.EvalBatchSize < 0 || h.TrainBatchSize+h.EvalBatchSize == 0 {
		return errors.Errorf("invalid batch sizes: train=%d, eval=%d", h.TrainBatchSize, h.EvalBatchSize)
	}
	if h.InputFeatures <= 0 {
		return errors.Errorf("invalid input feature dimension %d", h.InputFeatures)
	}
	if h.NumCores <= 0 {
		return errors.Errorf("invalid number of Neuron cores %d", h.NumCores)
	}
	return nil
}

// Hash returns the canonical 64-bit digest of the configuration. Fields are
// digested in a fixed order, separated by a zero byte so adjacent values
// cannot alias. Invalid configurations fail fast.
func (h NeuronHash) Hash() (uint64, error) {
	if err := h.validate(); err != nil {
		return 0, errors.WithMessage(err, "cannot fingerprint training configuration")
	}
	digest := xxhash.New()
	for _, field := range []string{
		strconv.FormatUint(h.ModelHash, 16),
		strconv.Itoa(h.InputFeatures),
		strconv.Itoa(h.TrainBatchSize),
		strconv.Itoa(h.EvalBatchSize),
		h.Precision,
		strconv.Itoa(h.NumCores),
		h.CompilerVersion,
	} {
		_, _ = digest.WriteString(field)
		_, _ = digest.Write([]byte{0})
	}
	return digest.Sum64(), nil
}

// CachePrefix returns the directory prefix all of this configuration's
// compiled graphs live under, in both the local cache and the remote
// repository. E.g. "neuronxcc-2.14.227.0+simulated/MODULE_6e0f2bd3a1c47f05".
func (h NeuronHash) CachePrefix() (string, error) {
	sum, err := h.Hash()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("neuronxcc-%s/MODULE_%016x", h.CompilerVersion, sum), nil
}

// GraphKey names the per-shape graph directory under CachePrefix, for a step
// graph synchronizing numTensors tensors of the given batch shape. Distinct
// shapes (e.g. the remainder batch of an epoch) compile to distinct graphs
// and get distinct keys.
func GraphKey(numTensors int, shape []int) string {
	digest := xxhash.New()
	for _, dim := range shape {
		_, _ = digest.WriteString(strconv.Itoa(dim))
		_, _ = digest.Write([]byte{0})
	}
	return fmt.Sprintf("SyncTensorsGraph.%d_%016x", numTensors, digest.Sum64())
}
