package trainer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/cache"
)

const (
	checkpointBasePrefix     = "checkpoint-"
	checkpointMetadataSuffix = ".json"
	checkpointWeightsSuffix  = ".bin"
)

// CheckpointConfig accumulates the configuration of a CheckpointHandler.
// Create it with BuildCheckpoint, chain the options you need and finally
// call Done. Errors along the chain are reported by Done.
type CheckpointConfig struct {
	model     *TinyModel
	dir       string
	keep      int
	precision string
	err       error
}

// BuildCheckpoint starts the configuration of a CheckpointHandler for the
// given model. Call Done when finished configuring.
func BuildCheckpoint(model *TinyModel) *CheckpointConfig {
	c := &CheckpointConfig{
		model:     model,
		keep:      -1,
		precision: cache.PrecisionFloat32,
	}
	if model == nil {
		c.err = errors.New("checkpoint: model is nil")
	}
	return c
}

// Dir sets the directory where checkpoints are saved. It is created if
// needed when Done is called.
func (c *CheckpointConfig) Dir(dir string) *CheckpointConfig {
	if c.err != nil {
		return c
	}
	c.dir = dir
	return c
}

// Keep limits how many checkpoints are kept in the directory. Older
// checkpoints beyond the limit are removed whenever a new one is saved.
// A limit <= 0 keeps everything.
func (c *CheckpointConfig) Keep(n int) *CheckpointConfig {
	if c.err != nil {
		return c
	}
	c.keep = n
	return c
}

// Precision selects how weight values are encoded on disk. Defaults to
// float32. The reduced precisions halve the checkpoint size and lose the
// low mantissa bits.
func (c *CheckpointConfig) Precision(precision string) *CheckpointConfig {
	if c.err != nil {
		return c
	}
	switch precision {
	case cache.PrecisionFloat32, cache.PrecisionBFloat16, cache.PrecisionFloat16:
		c.precision = precision
	default:
		c.err = errors.Errorf("checkpoint: unknown precision %q", precision)
	}
	return c
}

// Done builds the CheckpointHandler with the accumulated configuration.
func (c *CheckpointConfig) Done() (*CheckpointHandler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoint: no directory configured, use Dir()")
	}
	if err := os.MkdirAll(c.dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", c.dir)
	}
	return &CheckpointHandler{
		model:     c.model,
		dir:       c.dir,
		keep:      c.keep,
		precision: c.precision,
	}, nil
}

// CheckpointHandler saves and restores the weights of a TinyModel under a
// directory. Each checkpoint is a pair of files: checkpoint-<step>.json
// holds the metadata and the variable index, checkpoint-<step>.bin holds
// the flattened weight values.
type CheckpointHandler struct {
	model     *TinyModel
	dir       string
	keep      int
	precision string
}

// checkpointMetadata is the JSON-serialized part of a checkpoint.
type checkpointMetadata struct {
	Step      int             `json:"step"`
	Model     string          `json:"model"`
	Precision string          `json:"precision"`
	SavedAt   time.Time       `json:"saved_at"`
	Variables []checkpointVar `json:"variables"`
}

// checkpointVar locates one flattened variable inside the weights file.
type checkpointVar struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	Pos        int64  `json:"pos"`
	Length     int64  `json:"length"`
}

// Dir returns the directory checkpoints are saved under.
func (h *CheckpointHandler) Dir() string { return h.dir }

// Save writes a checkpoint for the given global step, then prunes
// checkpoints beyond the configured limit. The weights file is written
// before the metadata file, so a checkpoint with metadata is always
// complete.
func (h *CheckpointHandler) Save(step int) error {
	base := fmt.Sprintf("%s%08d", checkpointBasePrefix, step)
	metadata := checkpointMetadata{
		Step:      step,
		Model:     h.model.Name(),
		Precision: h.precision,
		SavedAt:   time.Now(),
	}

	var weights bytes.Buffer
	appendVar := func(name string, dims []int, values []float32) {
		pos := int64(weights.Len())
		encodeFloats(&weights, h.precision, values)
		metadata.Variables = append(metadata.Variables, checkpointVar{
			Name:       name,
			Dimensions: dims,
			Pos:        pos,
			Length:     int64(weights.Len()) - pos,
		})
	}
	for i, layer := range h.model.layers {
		appendVar(fmt.Sprintf("layers/%d/weights", i),
			[]int{layer.outputDim, layer.inputDim}, flattenRows(layer.weights))
		appendVar(fmt.Sprintf("layers/%d/bias", i),
			[]int{layer.outputDim}, layer.bias)
	}

	weightsPath := filepath.Join(h.dir, base+checkpointWeightsSuffix)
	if err := atomic.WriteFile(weightsPath, &weights); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint weights to %q", weightsPath)
	}
	encoded, err := json.MarshalIndent(&metadata, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint metadata for step %d", step)
	}
	metadataPath := filepath.Join(h.dir, base+checkpointMetadataSuffix)
	if err := atomic.WriteFile(metadataPath, bytes.NewReader(encoded)); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint metadata to %q", metadataPath)
	}
	klog.V(1).Infof("Saved checkpoint %s (step=%d, precision=%s)", base, step, h.precision)
	return h.prune()
}

// LoadLatest restores the model weights from the newest checkpoint in the
// directory. It returns the step that checkpoint was saved at, or
// found=false when the directory holds no checkpoint.
func (h *CheckpointHandler) LoadLatest() (step int, found bool, err error) {
	names, err := ListCheckpoints(h.dir)
	if err != nil || len(names) == 0 {
		return 0, false, err
	}
	base := names[len(names)-1]
	step, err = h.load(base)
	if err != nil {
		return 0, false, err
	}
	return step, true, nil
}

// load restores the model weights from one checkpoint, given its base name.
func (h *CheckpointHandler) load(base string) (step int, err error) {
	metadataPath := filepath.Join(h.dir, base+checkpointMetadataSuffix)
	encoded, err := os.ReadFile(metadataPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read checkpoint metadata from %q", metadataPath)
	}
	var metadata checkpointMetadata
	if err := json.Unmarshal(encoded, &metadata); err != nil {
		return 0, errors.Wrapf(err, "failed to parse checkpoint metadata from %q", metadataPath)
	}
	if metadata.Model != h.model.Name() {
		return 0, errors.Errorf("checkpoint %q was saved for model %q, cannot load it into model %q",
			base, metadata.Model, h.model.Name())
	}
	if len(metadata.Variables) != 2*len(h.model.layers) {
		return 0, errors.Errorf("checkpoint %q has %d variables, model %q has %d",
			base, len(metadata.Variables), h.model.Name(), 2*len(h.model.layers))
	}
	weightsPath := filepath.Join(h.dir, base+checkpointWeightsSuffix)
	data, err := os.ReadFile(weightsPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read checkpoint weights from %q", weightsPath)
	}

	readVar := func(v checkpointVar, wantDims []int) ([]float32, error) {
		if !equalDims(v.Dimensions, wantDims) {
			return nil, errors.Errorf("checkpoint %q variable %q has dimensions %v, model expects %v",
				base, v.Name, v.Dimensions, wantDims)
		}
		if v.Pos < 0 || v.Pos+v.Length > int64(len(data)) {
			return nil, errors.Errorf("checkpoint %q variable %q points outside the weights file", base, v.Name)
		}
		count := 1
		for _, dim := range wantDims {
			count *= dim
		}
		return decodeFloats(data[v.Pos:v.Pos+v.Length], metadata.Precision, count)
	}
	for i, layer := range h.model.layers {
		flat, err := readVar(metadata.Variables[2*i], []int{layer.outputDim, layer.inputDim})
		if err != nil {
			return 0, err
		}
		for o := range layer.weights {
			copy(layer.weights[o], flat[o*layer.inputDim:(o+1)*layer.inputDim])
		}
		bias, err := readVar(metadata.Variables[2*i+1], []int{layer.outputDim})
		if err != nil {
			return 0, err
		}
		copy(layer.bias, bias)
	}
	klog.V(1).Infof("Loaded checkpoint %s (step=%d, precision=%s)", base, metadata.Step, metadata.Precision)
	return metadata.Step, nil
}

// prune removes the oldest checkpoints beyond the configured keep limit.
func (h *CheckpointHandler) prune() error {
	if h.keep <= 0 {
		return nil
	}
	names, err := ListCheckpoints(h.dir)
	if err != nil {
		return err
	}
	for len(names) > h.keep {
		oldest := names[0]
		names = names[1:]
		for _, suffix := range []string{checkpointMetadataSuffix, checkpointWeightsSuffix} {
			path := filepath.Join(h.dir, oldest+suffix)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove old checkpoint file %q", path)
			}
		}
		klog.V(1).Infof("Removed old checkpoint %s", oldest)
	}
	return nil
}

// ListCheckpoints returns the base names (no file extension) of the
// checkpoints under dir, sorted from oldest to newest. A checkpoint is
// listed only once its metadata file exists. A missing directory is
// reported as no checkpoints.
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointBasePrefix) ||
			!strings.HasSuffix(name, checkpointMetadataSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, checkpointMetadataSuffix))
	}
	// Steps are zero-padded, lexicographic order is step order.
	sort.Strings(names)
	return names, nil
}

// encodeFloats appends values to buf in little-endian order, 4 bytes per
// value for float32 and 2 bytes for the reduced precisions.
func encodeFloats(buf *bytes.Buffer, precision string, values []float32) {
	var scratch [4]byte
	for _, value := range values {
		switch precision {
		case cache.PrecisionFloat16:
			binary.LittleEndian.PutUint16(scratch[:2], float16.Fromfloat32(value).Bits())
			buf.Write(scratch[:2])
		case cache.PrecisionBFloat16:
			binary.LittleEndian.PutUint16(scratch[:2], uint16(math.Float32bits(value)>>16))
			buf.Write(scratch[:2])
		default:
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(value))
			buf.Write(scratch[:4])
		}
	}
}

// decodeFloats is the inverse of encodeFloats.
func decodeFloats(data []byte, precision string, count int) ([]float32, error) {
	width := 4
	if precision != cache.PrecisionFloat32 {
		width = 2
	}
	if len(data) != count*width {
		return nil, errors.Errorf("checkpoint data holds %d bytes, expected %d values of %d bytes",
			len(data), count, width)
	}
	values := make([]float32, count)
	for i := range values {
		switch precision {
		case cache.PrecisionFloat16:
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		case cache.PrecisionBFloat16:
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:])) << 16)
		default:
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	}
	return values, nil
}

func flattenRows(rows [][]float32) []float32 {
	var flat []float32
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return flat
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, dim := range a {
		if dim != b[i] {
			return false
		}
	}
	return true
}
