package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/maxmcd/zb/zberr"
)

// BlobCache holds downloaded bottle archives on disk, named by their
// sha256 digest, under root/cache/blobs. In-flight downloads are written
// to root/cache/tmp under a .part name and only promoted to their final
// name once the digest has been verified.
type BlobCache struct {
	root string
}

// NewBlobCache creates a BlobCache rooted at root, creating its
// subdirectories if needed.
func NewBlobCache(root string) (*BlobCache, error) {
	if err := os.MkdirAll(filepath.Join(root, "cache", "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "cache", "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob cache tmp directory: %w", err)
	}
	return &BlobCache{root: root}, nil
}

// BlobPath returns the final on-disk path for a blob named by sha256.
func (c *BlobCache) BlobPath(sha256Hex string) string {
	return filepath.Join(c.root, "cache", "blobs", sha256Hex+".tar.gz")
}

func (c *BlobCache) partPath(sha256Hex string) string {
	return filepath.Join(c.root, "cache", "tmp", sha256Hex+".tar.gz.part")
}

// HasBlob reports whether a fully-committed blob for sha256Hex exists.
func (c *BlobCache) HasBlob(sha256Hex string) bool {
	_, err := os.Stat(c.BlobPath(sha256Hex))
	return err == nil
}

// RemoveBlob deletes a cached blob, used to force a redownload after a
// checksum mismatch or store corruption is detected downstream.
func (c *BlobCache) RemoveBlob(sha256Hex string) error {
	if err := os.Remove(c.BlobPath(sha256Hex)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", sha256Hex, err)
	}
	return nil
}

// Write is a hashing writer returned by StartWrite. Callers stream the
// download body through it and call Commit once the body is exhausted;
// Commit verifies the running digest against the expected sha256 before
// promoting the part file into place.
type Write struct {
	cache    *BlobCache
	expected string
	part     *os.File
	hasher   hash.Hash
}

// StartWrite opens a new part file for expectedSHA256 and returns a
// writer that hashes everything written to it.
func (c *BlobCache) StartWrite(expectedSHA256 string) (*Write, error) {
	part, err := os.Create(c.partPath(expectedSHA256))
	if err != nil {
		return nil, fmt.Errorf("creating part file for %s: %w", expectedSHA256, err)
	}
	return &Write{
		cache:    c,
		expected: expectedSHA256,
		part:     part,
		hasher:   sha256.New(),
	}, nil
}

func (w *Write) Write(p []byte) (int, error) {
	w.hasher.Write(p)
	return w.part.Write(p)
}

// Commit flushes and closes the part file, verifies its digest matches
// the expected sha256, and atomically renames it into the blob cache. On
// a digest mismatch the part file is deleted and a DigestMismatch error
// is returned.
func (w *Write) Commit() error {
	if err := w.part.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("flushing part file: %w", err)
	}
	if err := w.part.Close(); err != nil {
		w.abort()
		return fmt.Errorf("closing part file: %w", err)
	}

	got := hex.EncodeToString(w.hasher.Sum(nil))
	if got != w.expected {
		_ = os.Remove(w.cache.partPath(w.expected))
		return zberr.DigestMismatch(w.cache.partPath(w.expected), w.expected, got)
	}
	if err := os.Rename(w.cache.partPath(w.expected), w.cache.BlobPath(w.expected)); err != nil {
		return fmt.Errorf("committing blob %s: %w", w.expected, err)
	}
	return nil
}

// Abort discards the part file without committing, for callers that
// encounter an error before all bytes have been written.
func (w *Write) Abort() {
	w.abort()
}

func (w *Write) abort() {
	_ = w.part.Close()
	_ = os.Remove(w.cache.partPath(w.expected))
}

var _ io.Writer = (*Write)(nil)
