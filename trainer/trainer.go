// Package trainer runs small training sessions whose compiled step graphs
// flow through the local compilation cache and, optionally, a shared hub
// repository.
//
// A Trainer owns one model and one set of Arguments. Before the first step
// it fingerprints the training configuration (cache.NeuronHash), pulls the
// matching cache entries from the hub repository if one is attached, and
// then trains: every distinct batch shape is lowered to a graph, looked up
// in the local cache and only compiled on a miss. Newly compiled graphs are
// pushed back at every checkpoint save and at the end of the run.
package trainer

import (
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/cache"
	"github.com/musunita/optimum-neuron/compiler"
	"github.com/musunita/optimum-neuron/hub"
)

// Trainer runs the train/eval loops for one model. Create it with New and
// optionally set the exported fields before the first Train or Evaluate
// call.
type Trainer struct {
	model   *TinyModel
	args    *Arguments
	trainDS Dataset
	evalDS  Dataset

	// Compiler turns lowered graphs into executable artifacts. Defaults to
	// compiler.New(), which honors the NEURON_COMPILER environment variable.
	Compiler compiler.Compiler

	// CacheStore is the local compilation cache. Defaults to a store at
	// cache.LocationFromEnv().
	CacheStore *cache.Store

	// Repository is the shared hub repository the cache synchronizes with.
	// When nil the run is local-only.
	Repository hub.Repository

	// NumCores this process trains on. Defaults to 1. It is part of the
	// cache fingerprint, the number of parallel workers is not.
	NumCores int

	// Callbacks observe the run. The cache synchronization callback is
	// appended automatically when Repository is set.
	Callbacks []Callback

	runID       string
	fingerprint cache.NeuronHash
	prefix      string
	sync        *cache.Synchronizer
	checkpoints *CheckpointHandler
	loaded      map[string]*compiler.Artifact

	globalStep      int
	numCompilations int
	numCacheHits    int

	setupDone bool
}

// TrainResult summarizes a finished training run.
type TrainResult struct {
	// RunID is a unique identifier assigned to the run.
	RunID string

	// GlobalSteps run, across epochs.
	GlobalSteps int

	// Epochs started (the last one may have ended early on MaxSteps).
	Epochs int

	// FinalLoss is the training loss of the last step.
	FinalLoss float32

	// EvalLoss is the mean evaluation loss, when the arguments enable
	// evaluation.
	EvalLoss float32

	// NumCompilations is how many graphs missed the cache and were
	// compiled during the run.
	NumCompilations int

	// NumCacheHits is how many graphs were loaded from the local cache
	// instead of being compiled.
	NumCacheHits int

	// Duration of the run, wall clock.
	Duration time.Duration
}

// New returns a Trainer for the model. The arguments are defaulted and
// validated here. evalDS may be nil when the arguments do not enable
// evaluation.
func New(model *TinyModel, args *Arguments, trainDS, evalDS Dataset) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("trainer: model is nil")
	}
	if args == nil {
		return nil, errors.New("trainer: arguments are nil")
	}
	args.WithDefaults()
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if args.DoTrain && trainDS == nil {
		return nil, errors.New("trainer: do_train is set but no training dataset was given")
	}
	if args.DoEval && evalDS == nil {
		return nil, errors.New("trainer: do_eval is set but no evaluation dataset was given")
	}
	return &Trainer{
		model:   model,
		args:    args,
		trainDS: trainDS,
		evalDS:  evalDS,
	}, nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *TinyModel { return t.model }

// Args returns the training arguments.
func (t *Trainer) Args() *Arguments { return t.args }

// setup fills defaulted fields and fingerprints the configuration. It runs
// once, before the first step of the first Train or Evaluate call.
func (t *Trainer) setup() error {
	if t.setupDone {
		return nil
	}
	if t.Compiler == nil {
		t.Compiler = compiler.New()
	}
	if t.NumCores <= 0 {
		t.NumCores = 1
	}
	if t.CacheStore == nil {
		store, err := cache.New(cache.LocationFromEnv())
		if err != nil {
			return err
		}
		t.CacheStore = store
	}

	t.fingerprint = cache.NeuronHash{
		ModelHash:       t.model.GraphHash(),
		InputFeatures:   t.model.FeatureDim(),
		TrainBatchSize:  t.args.PerDeviceTrainBatchSize,
		EvalBatchSize:   t.args.PerDeviceEvalBatchSize,
		Precision:       t.args.Precision(),
		NumCores:        t.NumCores,
		CompilerVersion: t.Compiler.Version(),
	}
	prefix, err := t.fingerprint.CachePrefix()
	if err != nil {
		return errors.WithMessage(err, "failed to fingerprint the training configuration")
	}
	t.prefix = prefix
	t.loaded = make(map[string]*compiler.Artifact)

	if t.Repository != nil {
		t.sync = cache.NewSynchronizer(t.CacheStore, t.Repository)
		t.Callbacks = append(t.Callbacks, NewCacheCallback(t.sync, t.prefix))
	}
	if t.args.SaveSteps > 0 || t.args.ResumeFromCheckpoint {
		handler, err := BuildCheckpoint(t.model).
			Dir(t.args.OutputDir).
			Keep(t.args.SaveTotalLimit).
			Precision(t.args.Precision()).
			Done()
		if err != nil {
			return err
		}
		t.checkpoints = handler
	}

	t.runID = uuid.NewString()
	t.setupDone = true
	klog.V(1).Infof("Training run %s: model=%s, cache prefix=%s, compiler=%s %s",
		t.runID, t.model.Name(), t.prefix, t.Compiler.Name(), t.Compiler.Version())
	return nil
}

// Fingerprint returns the cache fingerprint of the training configuration.
func (t *Trainer) Fingerprint() (cache.NeuronHash, error) {
	if err := t.setup(); err != nil {
		return cache.NeuronHash{}, err
	}
	return t.fingerprint, nil
}

// CachePrefix returns the cache path prefix all of the run's compiled
// graphs are stored under.
func (t *Trainer) CachePrefix() (string, error) {
	if err := t.setup(); err != nil {
		return "", err
	}
	return t.prefix, nil
}

// Synchronizer returns the cache synchronizer, or nil when no repository
// is attached.
func (t *Trainer) Synchronizer() (*cache.Synchronizer, error) {
	if err := t.setup(); err != nil {
		return nil, err
	}
	return t.sync, nil
}

// Train runs the training loop: pulls the compilation cache, iterates the
// training dataset for the configured epochs or MaxSteps, checkpoints every
// SaveSteps steps and pushes newly compiled graphs to the repository. When
// the arguments enable evaluation it is run once after the last step, so
// graphs compiled for evaluation are included in the final push.
func (t *Trainer) Train() (*TrainResult, error) {
	if err := t.setup(); err != nil {
		return nil, err
	}
	if !t.args.DoTrain {
		return nil, errors.New("trainer: training is disabled, set do_train")
	}
	start := time.Now()

	for _, cb := range t.Callbacks {
		if err := cb.OnTrainBegin(t); err != nil {
			return nil, err
		}
	}
	if t.args.ResumeFromCheckpoint {
		step, found, err := t.checkpoints.LoadLatest()
		if err != nil {
			return nil, err
		}
		if found {
			t.globalStep = step
			klog.V(1).Infof("Resumed training run %s at step %d", t.runID, step)
		}
	}

	maxSteps := t.args.MaxSteps
	result := &TrainResult{RunID: t.runID}
	done := false
	for epoch := 0; !done && (maxSteps > 0 || epoch < t.args.NumTrainEpochs); epoch++ {
		t.trainDS.Reset()
		stepsThisEpoch := 0
		for {
			inputs, labels, err := t.trainDS.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "training dataset %q failed", t.trainDS.Name())
			}
			compiled, err := t.ensureCompiled(len(inputs))
			if err != nil {
				return nil, err
			}
			loss := t.model.TrainStep(inputs, labels, t.args.LearningRate)
			t.globalStep++
			stepsThisEpoch++
			result.GlobalSteps++
			result.FinalLoss = loss

			info := StepInfo{
				Epoch:      epoch,
				GlobalStep: t.globalStep,
				Loss:       loss,
				BatchSize:  len(inputs),
				Compiled:   compiled,
			}
			for _, cb := range t.Callbacks {
				if err := cb.OnStepEnd(t, info); err != nil {
					return nil, err
				}
			}
			if t.args.SaveSteps > 0 && t.globalStep%t.args.SaveSteps == 0 {
				if err := t.saveCheckpoint(); err != nil {
					return nil, err
				}
			}
			if maxSteps > 0 && t.globalStep >= maxSteps {
				done = true
				break
			}
		}
		result.Epochs++
		if stepsThisEpoch == 0 {
			if maxSteps > 0 {
				return nil, errors.Errorf("training dataset %q yielded no batches, cannot reach max_steps=%d",
					t.trainDS.Name(), maxSteps)
			}
			break
		}
	}

	if t.args.DoEval {
		evalLoss, err := t.Evaluate()
		if err != nil {
			return nil, err
		}
		result.EvalLoss = evalLoss
	}
	for _, cb := range t.Callbacks {
		if err := cb.OnTrainEnd(t); err != nil {
			return nil, err
		}
	}

	result.NumCompilations = t.numCompilations
	result.NumCacheHits = t.numCacheHits
	result.Duration = time.Since(start)
	klog.V(1).Infof("Training run %s finished: %d step(s), %d compilation(s), %d cache hit(s) in %s",
		t.runID, result.GlobalSteps, result.NumCompilations, result.NumCacheHits, result.Duration)
	return result, nil
}

// Evaluate runs the evaluation dataset through the model and returns the
// mean loss over its batches. Graphs compiled here land in the local cache
// like training graphs and are pushed by the next synchronization.
func (t *Trainer) Evaluate() (float32, error) {
	if err := t.setup(); err != nil {
		return 0, err
	}
	if t.evalDS == nil {
		return 0, errors.New("trainer: no evaluation dataset was given")
	}
	t.evalDS.Reset()
	var total float64
	batches := 0
	for {
		inputs, labels, err := t.evalDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluation dataset %q failed", t.evalDS.Name())
		}
		if _, err := t.ensureCompiled(len(inputs)); err != nil {
			return 0, err
		}
		total += float64(t.model.EvalLoss(inputs, labels))
		batches++
	}
	if batches == 0 {
		return 0, errors.Errorf("evaluation dataset %q yielded no batches", t.evalDS.Name())
	}
	loss := float32(total / float64(batches))
	for _, cb := range t.Callbacks {
		if err := cb.OnEvaluate(t, loss); err != nil {
			return 0, err
		}
	}
	return loss, nil
}

// ensureCompiled makes the step graph for the given batch size available,
// compiling it only when it is in neither the in-run graph table nor the
// local cache. It reports whether a compilation happened.
func (t *Trainer) ensureCompiled(batchSize int) (compiled bool, err error) {
	graph := t.model.Lower(batchSize, t.args.Precision())
	key := cache.GraphKey(t.model.NumGraphTensors(), graph.InputShape)
	if _, found := t.loaded[key]; found {
		return false, nil
	}

	entryDir := path.Join(t.prefix, key)
	neffPath := path.Join(entryDir, cache.NeffFileName)
	exists, err := t.CacheStore.Exists(neffPath)
	if err != nil {
		return false, err
	}
	if exists {
		neff, err := t.CacheStore.ReadEntry(neffPath)
		if err != nil {
			return false, err
		}
		t.loaded[key] = &compiler.Artifact{NEFF: neff}
		t.numCacheHits++
		klog.V(1).Infof("Cache hit for graph %s", key)
		return false, nil
	}

	artifact, err := t.Compiler.Compile(graph)
	if err != nil {
		return false, errors.WithMessagef(err, "failed to compile graph %s", key)
	}
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{cache.NeffFileName, artifact.NEFF},
		{cache.HloFileName, artifact.HLO},
		{cache.FlagsFileName, []byte(artifact.Flags)},
		{cache.DoneFileName, nil},
	} {
		if err := t.CacheStore.WriteEntry(path.Join(entryDir, entry.name), entry.data); err != nil {
			return false, err
		}
	}
	t.loaded[key] = artifact
	t.numCompilations++
	klog.V(1).Infof("Compiled graph %s (batch size %d)", key, batchSize)
	return true, nil
}

// saveCheckpoint writes a checkpoint for the current step and notifies the
// callbacks.
func (t *Trainer) saveCheckpoint() error {
	if err := t.checkpoints.Save(t.globalStep); err != nil {
		return err
	}
	for _, cb := range t.Callbacks {
		if err := cb.OnSave(t, t.globalStep); err != nil {
			return err
		}
	}
	return nil
}
