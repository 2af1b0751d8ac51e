package storage_test

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/storage"
	"github.com/maxmcd/zb/zberr"
)

func TestBlobCacheCommit(t *testing.T) {
	root := t.TempDir()
	c, err := storage.NewBlobCache(root)
	require.NoError(t, err)
	body := []byte("bottle contents")
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	w, err := c.StartWrite(hexSum)
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	assert.True(t, c.HasBlob(hexSum), "expected blob to be present after commit")

	got, err := os.ReadFile(c.BlobPath(hexSum))
	require.NoError(t, err)
	assert.Equal(t, string(body), string(got))
}

func TestBlobCacheCommitMismatchDeletesPart(t *testing.T) {
	root := t.TempDir()
	c, err := storage.NewBlobCache(root)
	require.NoError(t, err)
	w, err := c.StartWrite("0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	_, err = w.Write([]byte("wrong content"))
	require.NoError(t, err)

	err = w.Commit()
	_, ok := zberr.As(err, zberr.KindDigestMismatch)
	require.True(t, ok, "expected KindDigestMismatch, got %v", err)
	assert.False(t, c.HasBlob("0000000000000000000000000000000000000000000000000000000000000000"), "expected mismatched blob to not be committed")
	_, statErr := os.Stat(filepath.Join(root, "cache", "tmp", "0000000000000000000000000000000000000000000000000000000000000000.tar.gz.part"))
	assert.True(t, os.IsNotExist(statErr), "expected part file to be deleted, stat err: %v", statErr)
}

func TestRemoveBlob(t *testing.T) {
	root := t.TempDir()
	c, err := storage.NewBlobCache(root)
	require.NoError(t, err)
	assert.NoError(t, c.RemoveBlob("doesnotexist"), "removing a missing blob should be a no-op")
}
