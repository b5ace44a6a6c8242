// Package neuronxcc drives an installed neuronx-cc binary, the real Neuron
// graph compiler.
//
// It registers itself as "neuronx-cc". The configuration string, when
// non-empty, is the path of the binary to run; by default it is looked up in
// PATH. Constructing the compiler panics if the binary cannot be found or
// does not report a version, the same fail-fast treatment every
// configuration error gets.
package neuronxcc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/musunita/optimum-neuron/compiler"
)

// CompilerName to be used in NEURON_COMPILER to specify this compiler.
const CompilerName = "neuronx-cc"

func init() {
	compiler.Register(CompilerName, New)
}

// Compiler wraps one neuronx-cc installation.
type Compiler struct {
	binaryPath string
	version    string
}

// versionRegexp extracts the release from "--version" output such as
// "NeuronX Compiler version 2.14.227.0+2d4f85be7".
var versionRegexp = regexp.MustCompile(`[0-9]+(\.[0-9]+)+(\+[0-9a-f]+)?`)

// New locates the neuronx-cc binary and queries its version. The config, if
// non-empty, overrides the binary path.
func New(config string) compiler.Compiler {
	binary := config
	if binary == "" {
		binary = CompilerName
	}
	binaryPath, err := exec.LookPath(binary)
	if err != nil {
		exceptions.Panicf("Neuron compiler binary %q not found -- install the neuronx-cc package or select the simulated compiler with %s=%q: %v",
			binary, compiler.NEURON_COMPILER, "simulated", err)
	}
	output, err := exec.Command(binaryPath, "--version").CombinedOutput()
	if err != nil {
		exceptions.Panicf("failed to run %q --version: %v", binaryPath, err)
	}
	version := versionRegexp.FindString(string(output))
	if version == "" {
		exceptions.Panicf("could not parse a version from %q --version output %q", binaryPath, strings.TrimSpace(string(output)))
	}
	return &Compiler{binaryPath: binaryPath, version: version}
}

// Name implements compiler.Compiler.
func (c *Compiler) Name() string { return CompilerName }

// Version implements compiler.Compiler.
func (c *Compiler) Version() string { return c.version }

// Compile implements compiler.Compiler: it writes the graph's HLO into a
// scratch directory, invokes neuronx-cc on it and reads the NEFF back.
func (c *Compiler) Compile(g *compiler.Graph) (*compiler.Artifact, error) {
	if len(g.HLO) == 0 {
		return nil, errors.Errorf("graph %q carries no HLO to compile", g.Name)
	}
	workDir, err := os.MkdirTemp("", "neuronxcc-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory for neuronx-cc")
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	hloPath := filepath.Join(workDir, "graph.hlo.pb")
	neffPath := filepath.Join(workDir, "graph.neff")
	if err := os.WriteFile(hloPath, g.HLO, 0666); err != nil {
		return nil, errors.Wrapf(err, "failed to write HLO for graph %q", g.Name)
	}

	flags := c.flagsFor(g)
	args := append(strings.Fields(flags), hloPath, "--output", neffPath)
	cmd := exec.Command(c.binaryPath, args...)
	cmd.Dir = workDir
	klog.V(1).Infof("compiling graph %q: %s %s", g.Name, c.binaryPath, strings.Join(args, " "))
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Wrapf(err, "neuronx-cc failed for graph %q: %s", g.Name, strings.TrimSpace(string(output)))
	}
	neff, err := os.ReadFile(neffPath)
	if err != nil {
		return nil, errors.Wrapf(err, "neuronx-cc produced no NEFF for graph %q", g.Name)
	}
	return &compiler.Artifact{NEFF: neff, HLO: g.HLO, Flags: flags}, nil
}

func (c *Compiler) flagsFor(g *compiler.Graph) string {
	flags := "compile --framework=XLA --target=trn1"
	if g.Precision != "fp32" {
		flags += fmt.Sprintf(" --auto-cast=all --auto-cast-type=%s", g.Precision)
	}
	return flags
}
