package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	for _, test := range []struct {
		name, path, want string
	}{
		{"dashed address as segment",
			"MODULE_3a/ip-172-31-10-7/graph.neff",
			"MODULE_3a/ip-0-0-0-0/graph.neff"},
		{"dashed address inside a segment",
			"MODULE_3a/host-ip-10-0-12-71-worker/graph.neff",
			"MODULE_3a/host-ip-0-0-0-0-worker/graph.neff"},
		{"two dashed addresses",
			"ip-10-0-0-1/ip-10-0-0-2/graph.neff",
			"ip-0-0-0-0/ip-0-0-0-0/graph.neff"},
		{"dotted quad segment",
			"MODULE_3a/172.31.10.7/graph.neff",
			"MODULE_3a/0.0.0.0/graph.neff"},
		{"dotted quad inside a segment survives",
			"neuronxcc-2.14.227.0+2d4f85be7/MODULE_3a/graph.neff",
			"neuronxcc-2.14.227.0+2d4f85be7/MODULE_3a/graph.neff"},
		{"mixed forms",
			"neuronxcc-2.14.227.0/ip-10-0-12-71/10.0.12.71/compile_flags.txt",
			"neuronxcc-2.14.227.0/ip-0-0-0-0/0.0.0.0/compile_flags.txt"},
		{"nothing to do",
			"neuronxcc-2.14.227.0/MODULE_3a/SyncTensorsGraph.8_f00d/graph.hlo.pb",
			"neuronxcc-2.14.227.0/MODULE_3a/SyncTensorsGraph.8_f00d/graph.hlo.pb"},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := SanitizePath(test.path)
			assert.Equal(t, test.want, got)
			assert.Equal(t, test.want, SanitizePath(got), "sanitizing twice must change nothing")
		})
	}
}

// Listings taken on two machines that compiled the same graphs must compare
// equal once sanitized, or workers would re-upload entries that are already
// there under another host's name.
func TestSanitizeAllMachineEquality(t *testing.T) {
	machineA := []string{
		"neuronxcc-2.14.227.0/MODULE_3a/ip-172-31-10-7/graph.neff",
		"neuronxcc-2.14.227.0/MODULE_3a/ip-172-31-10-7/graph.hlo.pb",
		"neuronxcc-2.14.227.0/MODULE_3a/compile_flags.txt",
	}
	machineB := []string{
		"neuronxcc-2.14.227.0/MODULE_3a/compile_flags.txt",
		"neuronxcc-2.14.227.0/MODULE_3a/ip-10-0-0-42/graph.hlo.pb",
		"neuronxcc-2.14.227.0/MODULE_3a/ip-10-0-0-42/graph.neff",
	}
	require.Equal(t, SanitizeAll(machineA), SanitizeAll(machineB))
}

func TestSanitizeAllKeepsInput(t *testing.T) {
	paths := []string{"z/ip-1-2-3-4/graph.neff", "a/graph.neff"}
	got := SanitizeAll(paths)
	assert.Equal(t, []string{"a/graph.neff", "z/ip-0-0-0-0/graph.neff"}, got, "output is sanitized and sorted")
	assert.Equal(t, []string{"z/ip-1-2-3-4/graph.neff", "a/graph.neff"}, paths, "input must not be modified")
}
