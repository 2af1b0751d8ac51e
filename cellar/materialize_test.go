package cellar_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/cellar"
)

func TestMaterializeClonesAsSymlinks(t *testing.T) {
	root := t.TempDir()
	storeEntry := filepath.Join(root, "store", "abc123")
	require.NoError(t, os.MkdirAll(filepath.Join(storeEntry, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeEntry, "bin", "tool"), []byte("hi"), 0o755))

	c, err := cellar.NewCellar(filepath.Join(root, "Cellar"))
	require.NoError(t, err)
	kegPath, err := c.Materialize("tool", "1.0.0", storeEntry)
	require.NoError(t, err)

	linkPath := filepath.Join(kegPath, "bin", "tool")
	info, err := os.Lstat(linkPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "expected materialized file to be a symlink")

	data, err := os.ReadFile(linkPath)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data), "expected symlink to resolve to original content")
}

func TestMaterializeIsIdempotent(t *testing.T) {
	root := t.TempDir()
	storeEntry := filepath.Join(root, "store", "abc123")
	require.NoError(t, os.MkdirAll(storeEntry, 0o755))

	c, err := cellar.NewCellar(filepath.Join(root, "Cellar"))
	require.NoError(t, err)
	first, err := c.Materialize("tool", "1.0.0", storeEntry)
	require.NoError(t, err)
	second, err := c.Materialize("tool", "1.0.0", storeEntry)
	require.NoError(t, err)
	assert.Equal(t, first, second, "expected same keg path")
}
