// Package cellar manages the on-disk keg layout: materializing a package's
// extracted store entry into its own Cellar/<name>/<version> directory, and
// linking that keg's bin/lib/libexec/include/share/etc trees into a shared
// prefix via per-file symlinks.
package cellar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxmcd/zb/zberr"
)

// linkDirs are the keg subdirectories considered for linking into the
// shared prefix, in the order they're processed.
var linkDirs = []string{"bin", "lib", "libexec", "include", "share", "etc"}

// libexecSkipFiles lists libexec metadata files that Python virtualenv
// formulae commonly drop (ranger, ansible-lint, ...). Linking them into a
// shared prefix/libexec causes spurious cross-formula conflicts even though
// they aren't entrypoints anyone needs on PATH.
var libexecSkipFiles = map[string]bool{".gitignore": true, "pyvenv.cfg": true}

func shouldSkipLinkEntry(srcDir, entryName string) bool {
	return filepath.Base(srcDir) == "libexec" && libexecSkipFiles[entryName]
}

// LinkedFile records one symlink created (or, for IsLinked/unlink purposes,
// discovered) by the linker.
type LinkedFile struct {
	LinkPath   string
	TargetPath string
}

// Linker manages the prefix-level symlink farm that exposes installed kegs
// on PATH and in the standard lib/include/share locations.
type Linker struct {
	prefix string
	binDir string
	optDir string
}

// NewLinker creates the prefix's bin, opt, and link-target directories and
// returns a Linker rooted there.
func NewLinker(prefix string) (*Linker, error) {
	binDir := filepath.Join(prefix, "bin")
	optDir := filepath.Join(prefix, "opt")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(optDir, 0o755); err != nil {
		return nil, err
	}
	for _, dir := range linkDirs {
		if dir == "bin" {
			continue
		}
		if err := os.MkdirAll(filepath.Join(prefix, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &Linker{prefix: prefix, binDir: binDir, optDir: optDir}, nil
}

// kegNameFromPath extracts the formula name from a path containing a
// "cellar" (case-insensitive) path component, e.g.
// ".../Cellar/ffmpeg/7.1/bin/ffmpeg" -> "ffmpeg".
func kegNameFromPath(path string) (string, bool) {
	parts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	for i, p := range parts {
		if strings.EqualFold(p, "cellar") && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}

// kegNameFromSymlink resolves dst's symlink target (relative targets are
// joined against dst's directory) and extracts the owning formula name from
// the resolved path.
func kegNameFromSymlink(dst string) (string, bool) {
	target, err := os.Readlink(dst)
	if err != nil {
		return "", false
	}
	resolved := target
	if !filepath.IsAbs(target) {
		resolved = filepath.Join(filepath.Dir(dst), target)
	}
	canonical, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return "", false
	}
	return kegNameFromPath(canonical)
}

func sameTarget(dstSymlink, srcPath string) bool {
	target, err := os.Readlink(dstSymlink)
	if err != nil {
		return false
	}
	resolved := target
	if !filepath.IsAbs(target) {
		resolved = filepath.Join(filepath.Dir(dstSymlink), target)
	}
	a, errA := filepath.EvalSymlinks(resolved)
	b, errB := filepath.EvalSymlinks(srcPath)
	return errA == nil && errB == nil && a == b
}

// CheckConflicts scans every destination a link of kegPath would touch and
// reports every collision without creating any symlinks. It is the
// pre-flight half of Apply.
func (l *Linker) CheckConflicts(kegPath string) error {
	var conflicts []string
	for _, dir := range linkDirs {
		srcDir := filepath.Join(kegPath, dir)
		dstDir := filepath.Join(l.prefix, dir)
		if _, err := os.Stat(srcDir); err == nil {
			l.collectConflicts(srcDir, dstDir, &conflicts)
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	return zberr.LinkConflict(conflicts)
}

func (l *Linker) collectConflicts(src, dst string, conflicts *[]string) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if shouldSkipLinkEntry(src, name) {
			continue
		}
		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)

		srcIsDir := entry.IsDir()
		if !srcIsDir {
			if info, err := os.Stat(srcPath); err == nil && info.IsDir() {
				srcIsDir = true // symlink to a directory (e.g. man -> ../gnuman)
			}
		}

		if srcIsDir {
			if isSymlink(dstPath) {
				if oldTarget, err := os.Readlink(dstPath); err == nil {
					resolved := oldTarget
					if !filepath.IsAbs(oldTarget) {
						resolved = filepath.Join(filepath.Dir(dstPath), oldTarget)
					}
					l.collectConflictsMerged(srcPath, resolved, dstPath, conflicts)
					continue
				}
			}
			l.collectConflicts(srcPath, dstPath, conflicts)
			continue
		}

		if isSymlink(dstPath) {
			if sameTarget(dstPath, srcPath) {
				continue
			}
			owner, _ := kegNameFromSymlink(dstPath)
			*conflicts = append(*conflicts, formatConflict(dstPath, owner))
		} else if pathExists(dstPath) {
			*conflicts = append(*conflicts, formatConflict(dstPath, ""))
		}
	}
}

// collectConflictsMerged checks conflicts for the case where dst was a
// symlink to a directory (oldTarget) that linkRecursive would expand into
// individual file symlinks rather than replace outright.
func (l *Linker) collectConflictsMerged(src, oldTarget, dst string, conflicts *[]string) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		matchingOld := filepath.Join(oldTarget, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if pathExists(matchingOld) {
				l.collectConflictsMerged(srcPath, matchingOld, dstPath, conflicts)
			} else {
				l.collectConflicts(srcPath, dstPath, conflicts)
			}
			continue
		}

		if pathExists(matchingOld) {
			a, errA := filepath.EvalSymlinks(matchingOld)
			b, errB := filepath.EvalSymlinks(srcPath)
			if errA != nil || errB != nil || a != b {
				owner, ok := kegNameFromSymlink(dst)
				if !ok {
					owner, _ = kegNameFromPath(oldTarget)
				}
				*conflicts = append(*conflicts, formatConflict(dstPath, owner))
			}
		}
	}
}

func formatConflict(path, owner string) string {
	if owner == "" {
		return path
	}
	return fmt.Sprintf("%s (owned by %s)", path, owner)
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Apply checks for conflicts, links the opt/<name> convenience symlink, and
// then links every linkDirs subdirectory present in kegPath into the
// prefix. It is all-or-nothing: on conflict, nothing is linked.
func (l *Linker) Apply(kegPath string) ([]LinkedFile, error) {
	if err := l.CheckConflicts(kegPath); err != nil {
		return nil, err
	}
	if err := l.LinkOpt(kegPath); err != nil {
		return nil, err
	}
	var linked []LinkedFile
	for _, dir := range linkDirs {
		srcDir := filepath.Join(kegPath, dir)
		dstDir := filepath.Join(l.prefix, dir)
		if _, err := os.Stat(srcDir); err == nil {
			files, err := l.linkRecursive(srcDir, dstDir)
			if err != nil {
				return nil, err
			}
			linked = append(linked, files...)
		}
	}
	return linked, nil
}

func (l *Linker) linkRecursive(src, dst string) ([]LinkedFile, error) {
	var linked []LinkedFile
	if !pathExists(dst) {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return nil, zberr.StoreCorruption(dst, err)
		}
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, zberr.StoreCorruption(src, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if shouldSkipLinkEntry(src, name) {
			continue
		}
		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)

		srcIsDir := entry.IsDir()
		if !srcIsDir {
			if info, err := os.Stat(srcPath); err == nil && info.IsDir() {
				srcIsDir = true
			}
		}

		if srcIsDir {
			if isSymlink(dstPath) {
				oldTarget, err := os.Readlink(dstPath)
				if err != nil {
					return nil, zberr.StoreCorruption(dstPath, err)
				}
				if err := os.Remove(dstPath); err != nil {
					return nil, zberr.StoreCorruption(dstPath, err)
				}
				if _, err := l.linkRecursive(oldTarget, dstPath); err != nil {
					return nil, err
				}
			}
			files, err := l.linkRecursive(srcPath, dstPath)
			if err != nil {
				return nil, err
			}
			linked = append(linked, files...)
			continue
		}

		if isSymlink(dstPath) {
			if sameTarget(dstPath, srcPath) {
				if target, err := os.Readlink(dstPath); err == nil {
					resolved := target
					if !filepath.IsAbs(target) {
						resolved = filepath.Join(filepath.Dir(dstPath), target)
					}
					if pathExists(resolved) {
						linked = append(linked, LinkedFile{LinkPath: dstPath, TargetPath: srcPath})
						continue
					}
				}
				_ = os.Remove(dstPath)
			} else {
				owner, _ := kegNameFromSymlink(dstPath)
				return nil, zberr.LinkConflict([]string{formatConflict(dstPath, owner)})
			}
		} else if pathExists(dstPath) {
			return nil, zberr.LinkConflict([]string{dstPath})
		}

		relTarget, err := filepath.Rel(filepath.Dir(dstPath), srcPath)
		if err != nil {
			relTarget = srcPath
		}
		if err := os.Symlink(relTarget, dstPath); err != nil {
			return nil, zberr.StoreCorruption(dstPath, err)
		}
		linked = append(linked, LinkedFile{LinkPath: dstPath, TargetPath: srcPath})
	}
	return linked, nil
}

// Unlink removes the opt/<name> link and every symlink Apply created for
// kegPath, returning the paths removed.
func (l *Linker) Unlink(kegPath string) ([]string, error) {
	if err := l.UnlinkOpt(kegPath); err != nil {
		return nil, err
	}
	var unlinked []string
	for _, dir := range linkDirs {
		srcDir := filepath.Join(kegPath, dir)
		dstDir := filepath.Join(l.prefix, dir)
		if _, err := os.Stat(srcDir); err == nil {
			paths, err := l.unlinkRecursive(srcDir, dstDir)
			if err != nil {
				return nil, err
			}
			unlinked = append(unlinked, paths...)
		}
	}
	return unlinked, nil
}

func (l *Linker) unlinkRecursive(src, dst string) ([]string, error) {
	var unlinked []string
	if !pathExists(src) || !pathExists(dst) {
		return unlinked, nil
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, zberr.StoreCorruption(src, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		dstInfo, dstErr := os.Stat(dstPath)
		if entry.IsDir() && dstErr == nil && dstInfo.IsDir() && !isSymlink(dstPath) {
			paths, err := l.unlinkRecursive(srcPath, dstPath)
			if err != nil {
				return nil, err
			}
			unlinked = append(unlinked, paths...)
			if remaining, err := os.ReadDir(dstPath); err == nil && len(remaining) == 0 {
				_ = os.Remove(dstPath)
			}
			continue
		}

		if target, err := os.Readlink(dstPath); err == nil {
			resolved := target
			if !filepath.IsAbs(target) {
				resolved = filepath.Join(filepath.Dir(dstPath), target)
			}
			a, errA := filepath.EvalSymlinks(resolved)
			b, errB := filepath.EvalSymlinks(srcPath)
			if errA == nil && errB == nil && a == b {
				_ = os.Remove(dstPath)
				unlinked = append(unlinked, dstPath)
			}
		}
	}
	return unlinked, nil
}

func kegOptName(kegPath string) (string, bool) {
	name := filepath.Base(filepath.Dir(kegPath))
	return name, name != "" && name != "."
}

// LinkOpt creates (or repairs) the opt/<name> symlink that always points at
// kegPath regardless of which version is currently linked into bin/lib/etc.
func (l *Linker) LinkOpt(kegPath string) error {
	name, ok := kegOptName(kegPath)
	if !ok {
		return zberr.StoreCorruption(kegPath, fmt.Errorf("invalid keg path"))
	}
	optLink := filepath.Join(l.optDir, name)
	if isSymlink(optLink) {
		if sameTarget(optLink, kegPath) {
			return nil
		}
		_ = os.Remove(optLink)
	}
	return os.Symlink(kegPath, optLink)
}

// UnlinkOpt removes the opt/<name> symlink if it still points at kegPath.
func (l *Linker) UnlinkOpt(kegPath string) error {
	name, ok := kegOptName(kegPath)
	if !ok {
		return nil
	}
	optLink := filepath.Join(l.optDir, name)
	if sameTarget(optLink, kegPath) {
		_ = os.Remove(optLink)
	}
	return nil
}

// IsLinked reports whether any executable in kegPath/bin is currently
// linked into the prefix's bin directory.
func (l *Linker) IsLinked(kegPath string) bool {
	kegBin := filepath.Join(kegPath, "bin")
	entries, err := os.ReadDir(kegBin)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		dstPath := filepath.Join(l.binDir, entry.Name())
		if sameTarget(dstPath, filepath.Join(kegBin, entry.Name())) {
			return true
		}
	}
	return false
}
