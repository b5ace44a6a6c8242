// Package simulated implements a pure-Go stand-in for the Neuron graph
// compiler: artifacts are deterministic bytes derived from the graph
// identity, and an optional synthetic compile delay models the real
// compiler's cost so that cache hits show up in wall-clock time.
//
// It registers itself as "simulated". The configuration string accepts
// "delay=<duration>", e.g. NEURON_COMPILER="simulated:delay=500ms".
package simulated

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/exceptions"

	"github.com/musunita/optimum-neuron/compiler"
)

// CompilerName to be used in NEURON_COMPILER to specify this compiler.
const CompilerName = "simulated"

// Version reported by the simulated compiler. The "+simulated" build suffix
// keeps its cache entries apart from any real compiler's.
const Version = "2.14.227.0+simulated"

func init() {
	compiler.Register(CompilerName, New)
}

// Compiler is the simulated Neuron compiler.
type Compiler struct {
	// CompileDelay is slept through on every Compile call. Zero disables
	// the simulated cost.
	CompileDelay time.Duration

	// NumCompilations counts Compile calls, for tests asserting that a warm
	// cache skips compilation.
	NumCompilations atomic.Int64
}

// New constructs a simulated Compiler. The config accepts "delay=<duration>"
// and panics on anything it cannot parse.
func New(config string) compiler.Compiler {
	c := &Compiler{}
	if config == "" {
		return c
	}
	for part := range strings.SplitSeq(config, ",") {
		value, found := strings.CutPrefix(part, "delay=")
		if !found {
			exceptions.Panicf("invalid configuration %q for the %q compiler, expected \"delay=<duration>\"", config, CompilerName)
		}
		delay, err := time.ParseDuration(value)
		if err != nil {
			exceptions.Panicf("invalid delay %q for the %q compiler: %v", value, CompilerName, err)
		}
		c.CompileDelay = delay
	}
	return c
}

// Name implements compiler.Compiler.
func (c *Compiler) Name() string { return CompilerName }

// Version implements compiler.Compiler.
func (c *Compiler) Version() string { return Version }

// Compile implements compiler.Compiler: it sleeps through CompileDelay and
// fabricates artifacts that are a pure function of the graph.
func (c *Compiler) Compile(g *compiler.Graph) (*compiler.Artifact, error) {
	c.NumCompilations.Add(1)
	if c.CompileDelay > 0 {
		time.Sleep(c.CompileDelay)
	}
	seed := graphSeed(g)
	hlo := g.HLO
	if len(hlo) == 0 {
		hlo = deterministicBytes("HLO\x00"+g.Name, seed, 512)
	}
	return &compiler.Artifact{
		NEFF:  deterministicBytes("NEFF", seed, 2048),
		HLO:   hlo,
		Flags: flagsFor(g),
	}, nil
}

func flagsFor(g *compiler.Graph) string {
	autoCast := "none"
	if g.Precision != "fp32" {
		autoCast = "all"
	}
	return fmt.Sprintf("--target=trn1 --model-type=transformer --auto-cast=%s --auto-cast-type=%s --optlevel=2",
		autoCast, g.Precision)
}

// graphSeed digests the fields that identify a compilation.
func graphSeed(g *compiler.Graph) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(g.Name)
	_, _ = digest.Write([]byte{0})
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], g.ModelHash)
	_, _ = digest.Write(buf[:])
	for _, dim := range g.InputShape {
		binary.LittleEndian.PutUint64(buf[:], uint64(dim))
		_, _ = digest.Write(buf[:])
	}
	_, _ = digest.WriteString(g.Precision)
	_, _ = digest.Write(g.HLO)
	return digest.Sum64()
}

// deterministicBytes expands a seed into n bytes by chaining digests. Same
// tag and seed, same bytes, always.
func deterministicBytes(tag string, seed uint64, n int) []byte {
	out := make([]byte, 0, n)
	out = append(out, tag...)
	state := seed
	var counter uint64
	var buf [16]byte
	for len(out) < n {
		digest := xxhash.New()
		binary.LittleEndian.PutUint64(buf[:8], state)
		binary.LittleEndian.PutUint64(buf[8:], counter)
		_, _ = digest.Write(buf[:])
		state = digest.Sum64()
		binary.LittleEndian.PutUint64(buf[:8], state)
		out = append(out, buf[:8]...)
		counter++
	}
	return out[:n]
}
