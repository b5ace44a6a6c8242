// Package _default includes the default Neuron compilers, namely the
// simulated one and the neuronx-cc wrapper.
//
// To use it simply include:
//
//	import _ "github.com/musunita/optimum-neuron/compiler/default"
//
// Unless NEURON_COMPILER says otherwise, the simulated compiler is the
// default: it always works, while neuronx-cc requires the real compiler
// installed.
package _default

import (
	"github.com/musunita/optimum-neuron/compiler"
	_ "github.com/musunita/optimum-neuron/compiler/neuronxcc"
	"github.com/musunita/optimum-neuron/compiler/simulated"
)

func init() {
	if compiler.DefaultConfig == "" {
		compiler.DefaultConfig = simulated.CompilerName
	}
}
