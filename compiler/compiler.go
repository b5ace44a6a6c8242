// Package compiler defines the interface a Neuron graph compiler needs to
// implement to feed the compile cache, and a registry to select one at
// runtime.
//
// Implementations register themselves on import: the simulated compiler
// (subpackage simulated) always works and is the default; the real
// neuronx-cc wrapper (subpackage neuronxcc) needs the compiler installed.
// Import the default set with:
//
//	import _ "github.com/musunita/optimum-neuron/compiler/default"
//
// To simplify error handling during setup, registry lookups panic with a
// stack trace in case of errors. See package github.com/gomlx/exceptions.
package compiler

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Graph describes one computation to compile: inputs of a fixed shape
// feeding a model with a stable topology hash. Everything a compiler needs
// to produce deterministic artifacts is here.
type Graph struct {
	// Name of the graph, used in diagnostics and artifact metadata.
	Name string

	// ModelHash fingerprints the model topology the graph executes.
	ModelHash uint64

	// InputShape of the batch fed to the graph, e.g. [32, 1]. Each distinct
	// shape is a separate compilation.
	InputShape []int

	// Precision the graph is compiled under ("fp32", "bf16" or "fp16").
	Precision string

	// HLO is the serialized input computation, as produced by the framework
	// lowering the model for this shape. Compilers that need a real input
	// program (neuronx-cc) require it; the simulated compiler echoes it into
	// its artifacts when present.
	HLO []byte
}

// Artifact holds the outputs of one compilation, as they are laid out in the
// compile cache.
type Artifact struct {
	// NEFF is the compiled Neuron executable.
	NEFF []byte

	// HLO is the serialized input graph the executable was compiled from.
	HLO []byte

	// Flags the compiler ran with, stored as a sidecar for reproducibility.
	Flags string
}

// Compiler compiles graphs for Neuron devices.
type Compiler interface {
	// Name returns the short name the compiler was registered under.
	Name() string

	// Version of the underlying compiler. It prefixes every cache path, so
	// artifacts from different compiler releases never mix.
	Version() string

	// Compile the graph. Compilation is deterministic: the same graph always
	// yields the same artifacts.
	Compile(g *Graph) (*Artifact, error)
}

// Constructor takes a config string (optionally empty) and returns a
// Compiler.
type Constructor func(config string) Compiler

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a compiler with the given name and a constructor taking a
// compiler-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the compiler configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// NEURON_COMPILER is the environment variable with the default compiler
// configuration to use.
//
// The format of config is "<compiler_name>:<compiler_configuration>".
// The "<compiler_name>" is the name of a registered compiler (e.g.
// "simulated") and "<compiler_configuration>" is compiler specific.
const NEURON_COMPILER = "NEURON_COMPILER"

// New returns a new default Compiler.
//
// The default is:
//
// 1. The environment NEURON_COMPILER is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered compiler is used with an empty configuration.
//
// It panics if no compiler was registered.
func New() Compiler {
	config, found := os.LookupEnv(NEURON_COMPILER)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as
// "<compiler_name>:<compiler_configuration>" and returns the corresponding
// compiler. An empty name selects the first registered compiler.
func NewWithConfig(config string) Compiler {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered Neuron compilers -- maybe import the default set with import _ "github.com/musunita/optimum-neuron/compiler/default"?`)
	}
	compilerName := firstRegistered
	compilerConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		compilerName = config[:idx]
		compilerConfig = config[idx+1:]
	} else if config != "" {
		compilerName = config
		compilerConfig = ""
	}
	constructor, found := registeredConstructors[compilerName]
	if !found {
		exceptions.Panicf("can't find Neuron compiler %q for configuration %q given", compilerName, config)
	}
	return constructor(compilerConfig)
}
