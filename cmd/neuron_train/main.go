// neuron_train runs a small demo training session through the Neuron
// compilation cache: graphs are compiled on first use, cached locally and,
// when a repository is configured (-repo or CUSTOM_CACHE_REPO), shared
// through the hub so later runs and other machines skip compilation.
//
// A cold and a warm run, with a simulated compiler that takes 500ms per
// graph:
//
//	neuron_train -compiler="simulated:delay=500ms" -repo=org/compile-cache
//	neuron_train -compiler="simulated:delay=500ms" -repo=org/compile-cache
//
// The second run pulls the compiled graphs and finishes without a single
// compilation. With -workers=N the same training is launched N times in
// parallel worker processes sharing the cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/cache"
	"github.com/musunita/optimum-neuron/compiler"
	"github.com/musunita/optimum-neuron/hub"
	"github.com/musunita/optimum-neuron/launcher"
	"github.com/musunita/optimum-neuron/trainer"

	_ "github.com/musunita/optimum-neuron/compiler/default"
)

var (
	flagModel = flag.String("model", "tiny", "Name of the model to train. The name is part of the "+
		"checkpoint metadata but not of the cache fingerprint.")
	flagFeatures = flag.Int("features", 1, "Number of input features of the model and dataset.")
	flagSeed     = flag.Int64("seed", 42, "Seed for the model initialization and the generated datasets.")

	flagTrainSamples = flag.Int("train_samples", 1000, "Number of generated training samples.")
	flagEvalSamples  = flag.Int("eval_samples", 100, "Number of generated evaluation samples.")
	flagBatchSize    = flag.Int("batch_size", 32, "Training batch size. Every distinct batch shape is "+
		"a separate graph compilation, including the short final batch of an epoch.")
	flagEvalBatchSize = flag.Int("eval_batch_size", 16, "Evaluation batch size.")

	flagEpochs    = flag.Int("epochs", 2, "Number of training epochs.")
	flagMaxSteps  = flag.Int("max_steps", 0, "If > 0, stop after this many steps regardless of epochs.")
	flagLR        = flag.Float64("learning_rate", 5e-5, "Learning rate for the SGD updates.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model at the end of training.")
	flagSaveSteps = flag.Int("save_steps", 10, "Checkpoint (and push the cache) every this many steps. "+
		"0 disables checkpointing.")
	flagKeep   = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep.")
	flagOutput = flag.String("output", "~/work/neuron-demo", "Directory for checkpoints.")

	flagCacheDir = flag.String("cache_dir", "", "Local compilation cache directory. Defaults to the "+
		"--cache_dir flag in NEURON_CC_FLAGS, or "+cache.DefaultLocation+".")
	flagRepo = flag.String("repo", "", "Hub repository id (\"owner/name\") to share the compilation cache "+
		"through. Defaults to the "+hub.CacheRepoEnv+" environment variable; empty keeps the run local-only.")
	flagCompiler = flag.String("compiler", "", "Compiler configuration, \"name\" or \"name:options\", e.g. "+
		"\"simulated:delay=500ms\" or \"neuronx-cc\". Defaults to the "+compiler.NEURON_COMPILER+
		" environment variable, or the first registered compiler.")
	flagBF16 = flag.Bool("bf16", false, "Train in bfloat16 precision. Changes the cache fingerprint.")

	flagProgress = flag.Bool("progress", true, "Display a progress bar while training.")
	flagWorkers  = flag.Int("workers", 1, "Number of worker processes to launch. Each worker re-executes "+
		"this binary with its RANK and WORLD_SIZE set, all sharing the same cache configuration.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagWorkers > 1 {
		launchWorkers()
		return
	}
	train()
}

// launchWorkers re-executes this binary *flagWorkers times in parallel.
func launchWorkers() {
	binary := must.M1(os.Executable())
	args := append(stripWorkersFlag(os.Args[1:]), "-workers=1")
	start := time.Now()
	must.M(launcher.New(binary, *flagWorkers, args...).Run(context.Background()))
	fmt.Printf("All %d worker(s) finished in %s.\n", *flagWorkers, time.Since(start).Round(time.Millisecond))
}

// stripWorkersFlag removes the -workers flag from args, so the re-executed
// workers do not launch workers themselves.
func stripWorkersFlag(args []string) []string {
	var kept []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(arg, "-") {
			name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
			if name == "workers" {
				skipNext = !hasValue
				continue
			}
		}
		kept = append(kept, arg)
	}
	return kept
}

func train() {
	rank := launcher.Rank()
	args := &trainer.Arguments{
		OutputDir:               must.M1(cache.ReplaceTildeInDir(*flagOutput)),
		DoTrain:                 true,
		DoEval:                  *flagEval,
		BF16:                    *flagBF16,
		PerDeviceTrainBatchSize: *flagBatchSize,
		PerDeviceEvalBatchSize:  *flagEvalBatchSize,
		SaveSteps:               *flagSaveSteps,
		SaveTotalLimit:          *flagKeep,
		NumTrainEpochs:          *flagEpochs,
		MaxSteps:                *flagMaxSteps,
		LearningRate:            float32(*flagLR),
		Seed:                    *flagSeed,
	}
	if rank != 0 {
		// All workers train the same model, only the first one checkpoints.
		args.SaveSteps = 0
	}

	model := trainer.NewTinyModel(*flagModel, *flagFeatures, *flagSeed)
	trainDS := trainer.NewDummyDataset("train", *flagTrainSamples, *flagFeatures, *flagSeed).
		BatchSize(*flagBatchSize, false)
	evalDS := trainer.NewDummyDataset("eval", *flagEvalSamples, *flagFeatures, *flagSeed+1).
		BatchSize(*flagEvalBatchSize, false)

	t := must.M1(trainer.New(model, args, trainDS, evalDS))
	if *flagCompiler != "" {
		t.Compiler = compiler.NewWithConfig(*flagCompiler)
	}
	if *flagCacheDir != "" {
		t.CacheStore = must.M1(cache.New(*flagCacheDir))
	}
	if repo := repository(); repo != nil {
		t.Repository = repo
		fmt.Printf("Synchronizing the compilation cache with %q.\n", repo.ID())
	}
	if *flagProgress && launcher.WorldSize() == 1 {
		trainer.AttachProgressBar(t)
	}
	fmt.Printf("Compilation cache prefix: %s\n", must.M1(t.CachePrefix()))

	result := must.M1(t.Train())
	prefix := ""
	if launcher.WorldSize() > 1 {
		prefix = fmt.Sprintf("[worker %d] ", rank)
	}
	fmt.Printf("%sRun %s: %s step(s) in %s, final loss %.4f\n",
		prefix, result.RunID, humanize.Comma(int64(result.GlobalSteps)),
		result.Duration.Round(time.Millisecond), result.FinalLoss)
	if *flagEval {
		fmt.Printf("%s\teval loss: %.4f\n", prefix, result.EvalLoss)
	}
	fmt.Printf("%s\tcompilations: %d, cache hits: %d\n", prefix, result.NumCompilations, result.NumCacheHits)
}

// repository resolves the hub repository from the flag or environment, nil
// for a local-only run.
func repository() hub.Repository {
	if *flagRepo != "" {
		return must.M1(hub.New(*flagRepo))
	}
	repo, err := hub.FromEnv()
	if err == nil {
		return repo
	}
	if errors.Is(err, hub.ErrNoRepository) {
		return nil
	}
	must.M(err)
	return nil
}
