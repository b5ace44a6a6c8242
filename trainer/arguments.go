package trainer

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/musunita/optimum-neuron/cache"
)

// Arguments configure one training run, mirroring the usual training
// arguments surface: an output directory, what to run, the precision mode
// and the batching and checkpointing cadence. The zero value is not usable,
// call WithDefaults or load from a file.
type Arguments struct {
	// OutputDir receives checkpoints. Required.
	OutputDir string `yaml:"output_dir"`

	// DoTrain and DoEval select the phases a run executes.
	DoTrain bool `yaml:"do_train"`
	DoEval  bool `yaml:"do_eval"`

	// BF16 and FP16 select reduced-precision training. At most one may be
	// set; neither means float32.
	BF16 bool `yaml:"bf16"`
	FP16 bool `yaml:"fp16"`

	// PerDeviceTrainBatchSize and PerDeviceEvalBatchSize shape the step
	// graphs: every distinct batch size is a separate compilation.
	PerDeviceTrainBatchSize int `yaml:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize  int `yaml:"per_device_eval_batch_size"`

	// SaveSteps is the checkpointing cadence in steps. Zero disables
	// checkpointing.
	SaveSteps int `yaml:"save_steps"`

	// SaveTotalLimit caps how many checkpoints are kept; older ones are
	// deleted. Zero or negative keeps everything.
	SaveTotalLimit int `yaml:"save_total_limit"`

	// NumTrainEpochs to run, unless MaxSteps ends training first.
	NumTrainEpochs int `yaml:"num_train_epochs"`

	// MaxSteps, when positive, stops training after that many global steps
	// regardless of epochs.
	MaxSteps int `yaml:"max_steps"`

	// LearningRate for the SGD updates.
	LearningRate float32 `yaml:"learning_rate"`

	// Seed for anything randomized during the run.
	Seed int64 `yaml:"seed"`

	// ResumeFromCheckpoint loads the latest checkpoint in OutputDir before
	// training.
	ResumeFromCheckpoint bool `yaml:"resume_from_checkpoint"`
}

// WithDefaults fills unset fields with the customary defaults and returns
// the arguments to allow chaining.
func (args *Arguments) WithDefaults() *Arguments {
	if args.PerDeviceTrainBatchSize == 0 {
		args.PerDeviceTrainBatchSize = 8
	}
	if args.PerDeviceEvalBatchSize == 0 {
		args.PerDeviceEvalBatchSize = 8
	}
	if args.NumTrainEpochs == 0 {
		args.NumTrainEpochs = 3
	}
	if args.LearningRate == 0 {
		args.LearningRate = 5e-5
	}
	if args.Seed == 0 {
		args.Seed = 42
	}
	return args
}

// Validate fails fast on configurations that cannot run.
func (args *Arguments) Validate() error {
	if args.OutputDir == "" {
		return errors.New("training arguments: output_dir is required")
	}
	if args.BF16 && args.FP16 {
		return errors.New("training arguments: bf16 and fp16 are mutually exclusive")
	}
	if args.PerDeviceTrainBatchSize <= 0 {
		return errors.Errorf("training arguments: invalid per_device_train_batch_size %d", args.PerDeviceTrainBatchSize)
	}
	if args.PerDeviceEvalBatchSize <= 0 {
		return errors.Errorf("training arguments: invalid per_device_eval_batch_size %d", args.PerDeviceEvalBatchSize)
	}
	if args.NumTrainEpochs <= 0 && args.MaxSteps <= 0 {
		return errors.New("training arguments: one of num_train_epochs or max_steps must be positive")
	}
	if args.SaveSteps < 0 {
		return errors.Errorf("training arguments: invalid save_steps %d", args.SaveSteps)
	}
	return nil
}

// Precision returns the cache precision mode the arguments select.
func (args *Arguments) Precision() string {
	switch {
	case args.BF16:
		return cache.PrecisionBFloat16
	case args.FP16:
		return cache.PrecisionFloat16
	default:
		return cache.PrecisionFloat32
	}
}

// LoadArguments reads Arguments from a YAML file, applies defaults and
// validates. Unknown keys are an error, typos in a training configuration
// being too expensive to discover mid-run.
func LoadArguments(path string) (*Arguments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training arguments from %q", path)
	}
	args := &Arguments{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(args); err != nil {
		return nil, errors.Wrapf(err, "failed to parse training arguments from %q", path)
	}
	args.WithDefaults()
	if err := args.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid training arguments in %q", path)
	}
	return args, nil
}
