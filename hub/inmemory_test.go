package hub

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryAppendOnly(t *testing.T) {
	repo := NewInMemory("aws-neuron/optimum-neuron-cache")
	assert.Equal(t, "aws-neuron/optimum-neuron-cache", repo.ID())

	files, err := repo.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files, "bookkeeping files must stay hidden")
	assert.Equal(t, 1, repo.NumFiles(), "a fresh repository only holds its bookkeeping file")

	require.NoError(t, repo.UploadFile("module/graph.neff", strings.NewReader("neff")))
	require.NoError(t, repo.UploadFile("module/graph.neff", strings.NewReader("neff")),
		"an identical re-upload is a no-op")
	err = repo.UploadFile("module/graph.neff", strings.NewReader("different"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImmutable))

	files, err = repo.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"module/graph.neff"}, files)
}

func TestInMemoryDownload(t *testing.T) {
	repo := NewInMemory("aws-neuron/optimum-neuron-cache")
	require.NoError(t, repo.UploadFile("module/graph.neff", strings.NewReader("neff")))

	dest := filepath.Join(t.TempDir(), "nested", "dirs", "graph.neff")
	require.NoError(t, repo.DownloadFile("module/graph.neff", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("neff"), data)

	assert.Error(t, repo.DownloadFile("module/missing.neff", dest))
}

func TestVisibleFiles(t *testing.T) {
	files := visibleFiles([]string{
		"b/graph.neff",
		".gitattributes",
		"a/.cache/graph.neff",
		"a/graph.neff",
	})
	assert.Equal(t, []string{"a/graph.neff", "b/graph.neff"}, files)
}
