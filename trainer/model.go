package trainer

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/exceptions"

	"github.com/musunita/optimum-neuron/compiler"
)

// linearLayer is one dense layer, weights shaped [outputDim][inputDim].
type linearLayer struct {
	inputDim, outputDim int
	weights             [][]float32
	bias                []float32
	relu                bool
}

// TinyModel is a small multi-layer perceptron used to exercise the training
// and caching machinery. It is a real model in the ways that matter here: a
// deterministic topology (which fingerprints the compiled graphs), real
// forward/backward passes, and weights that change under training without
// changing the fingerprint.
type TinyModel struct {
	name       string
	featureDim int
	layers     []*linearLayer
}

// NewTinyModel builds a randomly initialized MLP for inputs of featureDim
// features and a single regression output. The seed fixes both the topology
// (number and width of hidden layers) and the initial weights, so two models
// built with the same arguments are identical. Invalid arguments panic with
// a stack trace.
func NewTinyModel(name string, featureDim int, seed int64) *TinyModel {
	if name == "" {
		exceptions.Panicf("model name cannot be empty")
	}
	if featureDim <= 0 {
		exceptions.Panicf("invalid feature dimension %d for model %q", featureDim, name)
	}
	rng := rand.New(rand.NewSource(seed))
	numHidden := 1 + rng.Intn(3)
	hiddenDim := 4 + rng.Intn(5)
	m := &TinyModel{name: name, featureDim: featureDim}
	inputDim := featureDim
	for range numHidden {
		m.layers = append(m.layers, newLinearLayer(rng, inputDim, hiddenDim, true))
		inputDim = hiddenDim
	}
	m.layers = append(m.layers, newLinearLayer(rng, inputDim, 1, false))
	return m
}

func newLinearLayer(rng *rand.Rand, inputDim, outputDim int, relu bool) *linearLayer {
	layer := &linearLayer{
		inputDim:  inputDim,
		outputDim: outputDim,
		weights:   make([][]float32, outputDim),
		bias:      make([]float32, outputDim),
		relu:      relu,
	}
	scale := float32(1.0 / math.Sqrt(float64(inputDim)))
	for o := range outputDim {
		row := make([]float32, inputDim)
		for i := range row {
			row[i] = (rng.Float32()*2 - 1) * scale
		}
		layer.weights[o] = row
	}
	return layer
}

// Name of the model.
func (m *TinyModel) Name() string { return m.name }

// FeatureDim the model's inputs must have.
func (m *TinyModel) FeatureDim() int { return m.featureDim }

// NumLayers of the model, including the output layer.
func (m *TinyModel) NumLayers() int { return len(m.layers) }

// Clone returns a deep copy sharing nothing with the original. The clone has
// the same topology and therefore the same GraphHash: a model and its clones
// reuse each other's compiled graphs.
func (m *TinyModel) Clone() *TinyModel {
	clone := &TinyModel{name: m.name, featureDim: m.featureDim}
	for _, layer := range m.layers {
		layerCopy := &linearLayer{
			inputDim:  layer.inputDim,
			outputDim: layer.outputDim,
			weights:   make([][]float32, layer.outputDim),
			bias:      append([]float32(nil), layer.bias...),
			relu:      layer.relu,
		}
		for o, row := range layer.weights {
			layerCopy.weights[o] = append([]float32(nil), row...)
		}
		clone.layers = append(clone.layers, layerCopy)
	}
	return clone
}

// GraphHash fingerprints the model topology: layer kinds and sizes, in
// order. Weight values are deliberately excluded, so training or cloning the
// model never changes the hash.
func (m *TinyModel) GraphHash() uint64 {
	digest := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(m.featureDim))
	_, _ = digest.Write(buf[:])
	for _, layer := range m.layers {
		_, _ = digest.WriteString("linear")
		binary.LittleEndian.PutUint64(buf[:], uint64(layer.inputDim))
		_, _ = digest.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(layer.outputDim))
		_, _ = digest.Write(buf[:])
		if layer.relu {
			_, _ = digest.WriteString("relu")
		}
		_, _ = digest.Write([]byte{0})
	}
	return digest.Sum64()
}

// Lower produces the compiler input for one batch shape: the graph identity
// plus a stable serialization of the model's computation at that shape. The
// serialization covers topology only, so a model and its clone lower to
// byte-identical graphs.
func (m *TinyModel) Lower(batchSize int, precision string) *compiler.Graph {
	shape := []int{batchSize, m.featureDim}
	var hlo []byte
	hlo = append(hlo, "HLO\x01"...)
	hlo = binary.LittleEndian.AppendUint64(hlo, m.GraphHash())
	for _, dim := range shape {
		hlo = binary.LittleEndian.AppendUint64(hlo, uint64(dim))
	}
	for _, layer := range m.layers {
		hlo = binary.LittleEndian.AppendUint64(hlo, uint64(layer.inputDim))
		hlo = binary.LittleEndian.AppendUint64(hlo, uint64(layer.outputDim))
		if layer.relu {
			hlo = append(hlo, 1)
		} else {
			hlo = append(hlo, 0)
		}
	}
	hlo = append(hlo, precision...)
	return &compiler.Graph{
		Name:       fmt.Sprintf("%s.%d", m.name, batchSize),
		ModelHash:  m.GraphHash(),
		InputShape: shape,
		Precision:  precision,
		HLO:        hlo,
	}
}

// NumGraphTensors is how many tensors one training step graph synchronizes:
// every layer's weights and bias, the inputs and the labels.
func (m *TinyModel) NumGraphTensors() int {
	return 2*len(m.layers) + 2
}

// Forward runs the model on a batch, returning the [batch][1] predictions.
// Panics if a row has the wrong feature dimension.
func (m *TinyModel) Forward(inputs [][]float32) [][]float32 {
	activations := inputs
	for _, layer := range m.layers {
		activations = layer.forward(activations)
	}
	return activations
}

func (layer *linearLayer) forward(inputs [][]float32) [][]float32 {
	outputs := make([][]float32, len(inputs))
	for b, row := range inputs {
		if len(row) != layer.inputDim {
			exceptions.Panicf("layer expects %d features, batch row has %d", layer.inputDim, len(row))
		}
		out := make([]float32, layer.outputDim)
		for o := range out {
			sum := layer.bias[o]
			weights := layer.weights[o]
			for i, x := range row {
				sum += weights[i] * x
			}
			if layer.relu && sum < 0 {
				sum = 0
			}
			out[o] = sum
		}
		outputs[b] = out
	}
	return outputs
}

// TrainStep runs one SGD step on the mean squared error of a batch and
// returns the loss before the update.
func (m *TinyModel) TrainStep(inputs, labels [][]float32, learningRate float32) float32 {
	// Forward, keeping each layer's activations for the backward pass.
	activations := make([][][]float32, len(m.layers)+1)
	activations[0] = inputs
	for l, layer := range m.layers {
		activations[l+1] = layer.forward(activations[l])
	}

	batchSize := len(inputs)
	outputs := activations[len(m.layers)]
	loss := meanSquaredError(outputs, labels)

	// Gradient of the loss w.r.t. the outputs.
	grad := make([][]float32, batchSize)
	for b := range grad {
		row := make([]float32, len(outputs[b]))
		for o := range row {
			row[o] = 2 * (outputs[b][o] - labels[b][o]) / float32(batchSize*len(row))
		}
		grad[b] = row
	}

	// Backward through the layers, applying SGD updates as we go.
	for l := len(m.layers) - 1; l >= 0; l-- {
		grad = m.layers[l].backward(activations[l], activations[l+1], grad, learningRate)
	}
	return loss
}

// backward propagates grad (w.r.t. this layer's outputs) to the layer inputs
// and applies the SGD update to weights and bias. Gradients are accumulated
// over the whole batch before any weight changes.
func (layer *linearLayer) backward(inputs, outputs, grad [][]float32, learningRate float32) [][]float32 {
	inputGrad := make([][]float32, len(inputs))
	for b := range inputGrad {
		inputGrad[b] = make([]float32, layer.inputDim)
	}
	weightGrad := make([][]float32, layer.outputDim)
	for o := range weightGrad {
		weightGrad[o] = make([]float32, layer.inputDim)
	}
	biasGrad := make([]float32, layer.outputDim)

	for b, gradRow := range grad {
		for o, g := range gradRow {
			if layer.relu && outputs[b][o] <= 0 {
				continue
			}
			weights := layer.weights[o]
			for i := range weights {
				inputGrad[b][i] += weights[i] * g
				weightGrad[o][i] += g * inputs[b][i]
			}
			biasGrad[o] += g
		}
	}
	for o, weights := range layer.weights {
		for i := range weights {
			weights[i] -= learningRate * weightGrad[o][i]
		}
		layer.bias[o] -= learningRate * biasGrad[o]
	}
	return inputGrad
}

// EvalLoss computes the mean squared error over one batch without updating
// any weights.
func (m *TinyModel) EvalLoss(inputs, labels [][]float32) float32 {
	return meanSquaredError(m.Forward(inputs), labels)
}

func meanSquaredError(outputs, labels [][]float32) float32 {
	var sum float64
	var count int
	for b := range outputs {
		for o := range outputs[b] {
			diff := float64(outputs[b][o] - labels[b][o])
			sum += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float32(sum / float64(count))
}
