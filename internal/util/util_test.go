package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("base", "data", "x.db"), ResolvePath("base", "data/x.db"))
	assert.Equal(t, "/abs/x.db", ResolvePath("base", "/abs/../abs/x.db"))
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "c.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 1, got["n"])
}
