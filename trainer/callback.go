package trainer

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/cache"
)

// StepInfo describes one finished training step for callbacks.
type StepInfo struct {
	// Epoch the step belongs to, starting at 0.
	Epoch int

	// GlobalStep counts steps across epochs, starting at 1.
	GlobalStep int

	// Loss of the batch before the weight update.
	Loss float32

	// BatchSize of the step. The last batch of an epoch may be smaller
	// than the configured batch size.
	BatchSize int

	// Compiled is true when this step's graph missed the cache and was
	// compiled.
	Compiled bool
}

// Callback observes the phases of a training run. Any returned error
// aborts the run. Implementations should embed BaseCallback so they only
// declare the hooks they care about.
type Callback interface {
	OnTrainBegin(t *Trainer) error
	OnStepEnd(t *Trainer, info StepInfo) error
	OnSave(t *Trainer, step int) error
	OnEvaluate(t *Trainer, loss float32) error
	OnTrainEnd(t *Trainer) error
}

// BaseCallback implements Callback with no-ops.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(*Trainer) error        { return nil }
func (BaseCallback) OnStepEnd(*Trainer, StepInfo) error { return nil }
func (BaseCallback) OnSave(*Trainer, int) error         { return nil }
func (BaseCallback) OnEvaluate(*Trainer, float32) error { return nil }
func (BaseCallback) OnTrainEnd(*Trainer) error          { return nil }

// CacheCallback connects a training run to a compilation cache
// synchronizer: it pulls the entries under the run's cache prefix before
// the first step, and pushes newly compiled entries at every checkpoint
// save and once more when training ends.
//
// Errors from the remote repository abort the run. A failed pull must not
// be mistaken for a cold cache, that would recompile graphs another worker
// already paid for and later push them under the same names.
type CacheCallback struct {
	BaseCallback
	sync   *cache.Synchronizer
	prefix string
}

// NewCacheCallback returns a CacheCallback pulling and pushing through
// sync, restricted to entries under prefix.
func NewCacheCallback(sync *cache.Synchronizer, prefix string) *CacheCallback {
	return &CacheCallback{sync: sync, prefix: prefix}
}

func (c *CacheCallback) OnTrainBegin(t *Trainer) error {
	numPulled, err := c.sync.Pull(c.prefix)
	if err != nil {
		return errors.WithMessagef(err, "failed to pull compilation cache for prefix %q", c.prefix)
	}
	if numPulled > 0 {
		klog.V(1).Infof("Pulled %d compilation cache file(s) for prefix %q", numPulled, c.prefix)
	}
	return nil
}

func (c *CacheCallback) OnSave(t *Trainer, step int) error {
	return c.push("checkpoint save")
}

func (c *CacheCallback) OnTrainEnd(t *Trainer) error {
	return c.push("end of training")
}

func (c *CacheCallback) push(when string) error {
	numPushed, err := c.sync.Push()
	if err != nil {
		return errors.WithMessagef(err, "failed to push compilation cache at %s", when)
	}
	if numPushed > 0 {
		klog.V(1).Infof("Pushed %d new compilation cache file(s) at %s", numPushed, when)
	}
	return nil
}
