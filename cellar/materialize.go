package cellar

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maxmcd/zb/zberr"
)

// Cellar manages the per-formula Cellar/<name>/<version> directories that
// kegs live in, materialized as symlink farms pointing back into the
// content-addressed store so that file contents are never duplicated on
// disk.
type Cellar struct {
	root string // prefix/Cellar
}

// NewCellar ensures root exists and returns a Cellar rooted there.
func NewCellar(root string) (*Cellar, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Cellar{root: root}, nil
}

// KegPath returns the keg directory for a given formula name and version,
// regardless of whether it has been materialized yet.
func (c *Cellar) KegPath(name, version string) string {
	return filepath.Join(c.root, name, version)
}

// HasKeg reports whether the keg has already been materialized.
func (c *Cellar) HasKeg(name, version string) bool {
	_, err := os.Stat(c.KegPath(name, version))
	return err == nil
}

// Materialize clones storeEntryPath (an extracted, content-addressed store
// entry) into this formula's keg directory, as a tree of symlinks back into
// the store rather than copied file contents. The clone is built under a
// process-unique temp name and atomically renamed into place so that a
// crash mid-materialize never leaves a partial keg visible under its real
// name.
func (c *Cellar) Materialize(name, version, storeEntryPath string) (string, error) {
	kegPath := c.KegPath(name, version)
	if _, err := os.Stat(kegPath); err == nil {
		return kegPath, nil
	}

	if err := os.MkdirAll(filepath.Join(c.root, name), 0o755); err != nil {
		return "", err
	}
	tmpDir, err := os.MkdirTemp(filepath.Join(c.root, name), fmt.Sprintf(".materialize-%d-", os.Getpid()))
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	if err := cloneDirWithSymlinks(storeEntryPath, tmpDir); err != nil {
		return "", zberr.StoreCorruption(storeEntryPath, err)
	}

	if err := os.Rename(tmpDir, kegPath); err != nil {
		if _, statErr := os.Stat(kegPath); statErr == nil {
			return kegPath, nil // another materialize won the race
		}
		return "", zberr.StoreCorruption(kegPath, err)
	}
	return kegPath, nil
}

// Remove deletes a materialized keg directory entirely. It does not touch
// the underlying store entry the keg's symlinks point into.
func (c *Cellar) Remove(name, version string) error {
	return os.RemoveAll(c.KegPath(name, version))
}

// cloneDirWithSymlinks clones a directory but writes each file as a
// symbolic link to the source file, so that the shared prefix never
// duplicates file contents already held in the store. Directories are
// created as needed; src must exist.
func cloneDirWithSymlinks(src, dst string) error {
	dst, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("finding absolute path for %q: %w", dst, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.Mkdir(dstPath, 0o777); err != nil && !os.IsExist(err) {
				return fmt.Errorf("creating dir %q: %w", dstPath, err)
			}
			return nil
		}
		relTarget, err := filepath.Rel(filepath.Dir(dstPath), path)
		if err != nil {
			return err
		}
		if err := os.Symlink(relTarget, dstPath); err != nil {
			return fmt.Errorf("symlinking %q to %q: %w", relTarget, dstPath, err)
		}
		return nil
	})
}
