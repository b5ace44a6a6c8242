package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musunita/optimum-neuron/cache"
)

func TestArgumentsDefaults(t *testing.T) {
	args := (&Arguments{OutputDir: "/tmp/neuron-run"}).WithDefaults()
	assert.Equal(t, 8, args.PerDeviceTrainBatchSize)
	assert.Equal(t, 8, args.PerDeviceEvalBatchSize)
	assert.Equal(t, 3, args.NumTrainEpochs)
	assert.Equal(t, float32(5e-5), args.LearningRate)
	assert.EqualValues(t, 42, args.Seed)
	require.NoError(t, args.Validate())
}

func TestArgumentsValidate(t *testing.T) {
	valid := func() *Arguments { return (&Arguments{OutputDir: "/tmp/neuron-run"}).WithDefaults() }
	require.NoError(t, valid().Validate())

	for name, mutate := range map[string]func(*Arguments){
		"missing output dir":  func(a *Arguments) { a.OutputDir = "" },
		"bf16 and fp16":       func(a *Arguments) { a.BF16 = true; a.FP16 = true },
		"bad train batch":     func(a *Arguments) { a.PerDeviceTrainBatchSize = -1 },
		"bad eval batch":      func(a *Arguments) { a.PerDeviceEvalBatchSize = -2 },
		"no epochs or steps":  func(a *Arguments) { a.NumTrainEpochs = -1 },
		"negative save steps": func(a *Arguments) { a.SaveSteps = -5 },
	} {
		args := valid()
		mutate(args)
		assert.Error(t, args.Validate(), "case %q", name)
	}

	args := valid()
	args.NumTrainEpochs = -1
	args.MaxSteps = 10
	assert.NoError(t, args.Validate(), "max_steps alone can drive a run")
}

func TestArgumentsPrecision(t *testing.T) {
	args := &Arguments{}
	assert.Equal(t, cache.PrecisionFloat32, args.Precision())
	args.BF16 = true
	assert.Equal(t, cache.PrecisionBFloat16, args.Precision())
	args = &Arguments{FP16: true}
	assert.Equal(t, cache.PrecisionFloat16, args.Precision())
}

func TestLoadArguments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output_dir: /tmp/neuron-run
do_train: true
do_eval: true
bf16: true
per_device_train_batch_size: 16
per_device_eval_batch_size: 4
save_steps: 5
num_train_epochs: 2
learning_rate: 1e-3
`), 0666))
	args, err := LoadArguments(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/neuron-run", args.OutputDir)
	assert.True(t, args.DoTrain)
	assert.True(t, args.DoEval)
	assert.Equal(t, 16, args.PerDeviceTrainBatchSize)
	assert.Equal(t, 4, args.PerDeviceEvalBatchSize)
	assert.Equal(t, 5, args.SaveSteps)
	assert.Equal(t, cache.PrecisionBFloat16, args.Precision())
	assert.Equal(t, float32(1e-3), args.LearningRate)
	assert.EqualValues(t, 42, args.Seed, "defaults still apply to unset fields")
}

func TestLoadArgumentsRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_dir: /tmp/neuron-run\nlearning_rte: 1e-3\n"), 0666))
	_, err := LoadArguments(path)
	require.Error(t, err, "typos in a training configuration must fail fast")

	_, err = LoadArguments(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
