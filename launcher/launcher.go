// Package launcher starts multi-worker training runs: it spawns N copies
// of a worker binary, each with its rank and the world size in the
// environment. The workers inherit the parent environment, so cache
// configuration (NEURON_CC_FLAGS, CUSTOM_CACHE_REPO, NEURON_COMPILER)
// reaches every worker unchanged and all workers share the same cache
// fingerprint.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Environment variables set for each worker process.
const (
	// RankEnv is the global rank of the worker, 0-based.
	RankEnv = "RANK"

	// LocalRankEnv is the rank on the local machine. Single-machine
	// launches make it equal to RankEnv.
	LocalRankEnv = "LOCAL_RANK"

	// WorldSizeEnv is the total number of workers in the run.
	WorldSizeEnv = "WORLD_SIZE"
)

// Launcher runs one worker binary NumProcs times in parallel.
type Launcher struct {
	// Binary is the worker executable path.
	Binary string

	// Args passed to every worker.
	Args []string

	// NumProcs is the number of worker processes, the world size.
	NumProcs int

	// Env entries ("KEY=VALUE") added to every worker's environment on
	// top of the inherited one.
	Env []string

	// Stdout and Stderr receive the output of all workers. They default
	// to the launcher's own.
	Stdout, Stderr io.Writer
}

// New returns a Launcher for numProcs copies of binary.
func New(binary string, numProcs int, args ...string) *Launcher {
	return &Launcher{
		Binary:   binary,
		Args:     args,
		NumProcs: numProcs,
	}
}

// WorkerEnv returns the environment for the worker with the given rank:
// the inherited environment, the extra Env entries and the rank variables.
func (l *Launcher) WorkerEnv(rank int) []string {
	env := append(os.Environ(), l.Env...)
	return append(env,
		fmt.Sprintf("%s=%d", RankEnv, rank),
		fmt.Sprintf("%s=%d", LocalRankEnv, rank),
		fmt.Sprintf("%s=%d", WorldSizeEnv, l.NumProcs),
	)
}

// Run starts all workers and waits for them to finish. The first worker
// failure cancels the remaining ones through ctx and is returned.
func (l *Launcher) Run(ctx context.Context) error {
	if l.Binary == "" {
		return errors.New("launcher: no worker binary configured")
	}
	if l.NumProcs <= 0 {
		return errors.Errorf("launcher: invalid number of workers %d", l.NumProcs)
	}
	stdout := l.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	klog.V(1).Infof("Launching %d worker(s): %s %v", l.NumProcs, l.Binary, l.Args)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < l.NumProcs; rank++ {
		g.Go(func() error {
			cmd := exec.CommandContext(ctx, l.Binary, l.Args...)
			cmd.Env = l.WorkerEnv(rank)
			cmd.Stdout = stdout
			cmd.Stderr = stderr
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "worker %d of %d failed", rank, l.NumProcs)
			}
			klog.V(1).Infof("Worker %d of %d finished", rank, l.NumProcs)
			return nil
		})
	}
	return g.Wait()
}

// Rank returns the rank of the current process, as set by a Launcher.
// Processes not started by a Launcher are rank 0.
func Rank() int {
	return envInt(RankEnv, 0)
}

// WorldSize returns the number of workers in the current run, 1 for
// processes not started by a Launcher.
func WorldSize() int {
	size := envInt(WorldSizeEnv, 1)
	if size < 1 {
		return 1
	}
	return size
}

func envInt(name string, deflt int) int {
	value := os.Getenv(name)
	if value == "" {
		return deflt
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		klog.Warningf("Invalid %s=%q in environment, using %d: %v", name, value, deflt, err)
		return deflt
	}
	return parsed
}
