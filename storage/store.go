// Package storage implements the content-addressed store, the blob cache,
// and the sqlite-backed metadata/API-cache database that together hold
// all durable installer state.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/maxmcd/zb/archive"
	"github.com/maxmcd/zb/zberr"
)

// Store is a content-addressed directory set rooted at root/store, guarded
// by per-key advisory locks under root/locks so that only one process
// extracts a given archive digest at a time.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root, creating the store and locks
// subdirectories if they don't exist.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "store"), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "locks"), 0o755); err != nil {
		return nil, fmt.Errorf("creating locks directory: %w", err)
	}
	return &Store{root: root}, nil
}

// EntryPath returns the path a store entry for key would occupy, whether
// or not it currently exists.
func (s *Store) EntryPath(key string) string {
	return filepath.Join(s.root, "store", key)
}

// HasEntry reports whether a complete store entry for key exists.
func (s *Store) HasEntry(key string) bool {
	info, err := os.Stat(s.EntryPath(key))
	return err == nil && info.IsDir()
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.root, "locks", key+".lock")
}

// EnsureEntry extracts the archive at blobPath into the store under key if
// it is not already present, and returns the entry's path. Extraction is
// serialized per key by an exclusive OS-level advisory lock, so concurrent
// callers racing to install the same bottle converge on a single
// extraction; the loser simply observes the winner's completed entry.
func (s *Store) EnsureEntry(key, blobPath string) (string, error) {
	entryPath := s.EntryPath(key)
	if s.HasEntry(key) {
		return entryPath, nil
	}

	lockFile, err := os.OpenFile(s.lockPath(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening lock file for %s: %w", key, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("locking store entry %s: %w", key, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	if s.HasEntry(key) {
		return entryPath, nil
	}

	tmpDir := filepath.Join(s.root, "store", fmt.Sprintf(".%s.tmp.%d", key, os.Getpid()))
	if err := os.RemoveAll(tmpDir); err != nil {
		return "", fmt.Errorf("purging stale temp dir for %s: %w", key, err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp dir for %s: %w", key, err)
	}

	if err := archive.Extract(blobPath, tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", zberr.StoreCorruption(blobPath, err)
	}

	if err := os.Rename(tmpDir, entryPath); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", fmt.Errorf("committing store entry %s: %w", key, err)
	}
	return entryPath, nil
}

// RemoveEntry deletes the store entry and its lock file for key, under the
// same per-key lock used by EnsureEntry.
func (s *Store) RemoveEntry(key string) error {
	lockFile, err := os.OpenFile(s.lockPath(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file for %s: %w", key, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking store entry %s: %w", key, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	if err := os.RemoveAll(s.EntryPath(key)); err != nil {
		return fmt.Errorf("removing store entry %s: %w", key, err)
	}
	return os.Remove(s.lockPath(key))
}

// keyFromEntryPath recovers a store key from one of its entry paths, used
// by Keys when walking the store during GC's orphan sweep.
func keyFromEntryPath(root, path string) (string, bool) {
	rel, err := filepath.Rel(filepath.Join(root, "store"), path)
	if err != nil || strings.Contains(rel, string(filepath.Separator)) || strings.HasPrefix(rel, ".") {
		return "", false
	}
	return rel, true
}

// Keys lists every complete entry currently on disk, keyed the same way
// EntryPath expects. Used by GC to find entries with no store_refs row at
// all (left behind by a process that crashed between EnsureEntry
// extracting an entry and the installer recording it), which
// UnreferencedStoreKeys can't see since it only queries existing rows.
func (s *Store) Keys() ([]string, error) {
	dir := filepath.Join(s.root, "store")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing store directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if key, ok := keyFromEntryPath(s.root, filepath.Join(dir, e.Name())); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
