// Package archive extracts bottle tarballs and zip files into a
// destination directory, auto-detecting the compression format by magic
// bytes and rejecting any entry whose path would escape the destination.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/maxmcd/zb/zberr"
)

type format int

const (
	formatUnknown format = iota
	formatGzip
	formatXz
	formatZstd
	formatZip
)

func detect(path string) (format, error) {
	f, err := os.Open(path)
	if err != nil {
		return formatUnknown, zberr.StoreCorruption(path, fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()

	var magic [6]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return formatUnknown, zberr.StoreCorruption(path, fmt.Errorf("reading magic bytes: %w", err))
	}
	if n < 2 {
		return formatUnknown, nil
	}
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		return formatGzip, nil
	case n >= 6 && magic == [6]byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}:
		return formatXz, nil
	case n >= 4 && magic[0] == 0x28 && magic[1] == 0xb5 && magic[2] == 0x2f && magic[3] == 0xfd:
		return formatZstd, nil
	case n >= 4 && magic[0] == 0x50 && magic[1] == 0x4b && magic[2] == 0x03 && magic[3] == 0x04:
		return formatZip, nil
	default:
		return formatUnknown, nil
	}
}

// Extract unpacks archivePath into destDir, auto-detecting the
// compression format. Unknown magic bytes fall back to gzip, matching
// real-world bottles that are always gzip-compressed tarballs even when
// the naming convention suggests otherwise.
func Extract(archivePath, destDir string) error {
	f, err := detect(archivePath)
	if err != nil {
		return err
	}

	if f == formatZip {
		return extractZip(archivePath, destDir)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return zberr.StoreCorruption(archivePath, fmt.Errorf("opening archive: %w", err))
	}
	defer file.Close()
	reader := bufio.NewReader(file)

	switch f {
	case formatXz:
		xr, err := xz.NewReader(reader)
		if err != nil {
			return zberr.StoreCorruption(archivePath, fmt.Errorf("creating xz reader: %w", err))
		}
		return extractTar(xr, destDir)
	case formatZstd:
		zr, err := zstd.NewReader(reader)
		if err != nil {
			return zberr.StoreCorruption(archivePath, fmt.Errorf("creating zstd reader: %w", err))
		}
		defer zr.Close()
		return extractTar(zr, destDir)
	default: // formatGzip, formatUnknown
		gr, err := gzip.NewReader(reader)
		if err != nil {
			return zberr.StoreCorruption(archivePath, fmt.Errorf("creating gzip reader: %w", err))
		}
		defer gr.Close()
		return extractTar(gr, destDir)
	}
}

// ExtractTarballFromReader extracts a gzip-compressed tar stream read
// directly from r (the still-compressed bytes; it gunzips them itself),
// for callers that already have a reader open (e.g. a streaming download)
// and don't want to buffer to disk first.
func ExtractTarballFromReader(r io.Reader, destDir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return zberr.StoreCorruption(destDir, fmt.Errorf("creating gzip reader: %w", err))
	}
	defer gr.Close()
	return extractTar(gr, destDir)
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return zberr.StoreCorruption(destDir, fmt.Errorf("reading archive entry: %w", err))
		}

		if err := ValidatePath(hdr.Name, destDir); err != nil {
			return err
		}
		outPath := filepath.Join(destDir, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("creating directory: %w", err))
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("creating parent directory: %w", err))
			}
			_ = os.Remove(outPath)
			if err := os.Symlink(hdr.Linkname, outPath); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("creating symlink: %w", err))
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("creating parent directory: %w", err))
			}
			out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("creating file: %w", err))
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return zberr.StoreCorruption(outPath, fmt.Errorf("writing file: %w", err))
			}
			if err := out.Close(); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("closing file: %w", err))
			}
			if err := os.Chmod(outPath, os.FileMode(hdr.Mode)&0o777); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("setting permissions: %w", err))
			}
		default:
			// Hardlinks, devices, fifos: not expected in bottles, skipped.
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return zberr.StoreCorruption(archivePath, fmt.Errorf("opening zip archive: %w", err))
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := ValidatePath(entry.Name, destDir); err != nil {
			return err
		}
		outPath := filepath.Join(destDir, entry.Name)

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return zberr.StoreCorruption(outPath, fmt.Errorf("creating directory: %w", err))
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return zberr.StoreCorruption(outPath, fmt.Errorf("creating parent directory: %w", err))
		}

		rc, err := entry.Open()
		if err != nil {
			return zberr.StoreCorruption(outPath, fmt.Errorf("opening zip entry: %w", err))
		}
		out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode()&0o777)
		if err != nil {
			rc.Close()
			return zberr.StoreCorruption(outPath, fmt.Errorf("creating extracted file: %w", err))
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return zberr.StoreCorruption(outPath, fmt.Errorf("extracting zip entry: %w", copyErr))
		}
		if closeErr != nil {
			return zberr.StoreCorruption(outPath, fmt.Errorf("closing extracted file: %w", closeErr))
		}
	}
	return nil
}

// ValidatePath checks that entryPath, a path drawn from an archive entry,
// is relative, contains no ".." path component, and, after purely lexical
// normalization with destDir, still resides under destDir. No filesystem
// access is performed, so the check works for entries that don't exist on
// disk yet.
func ValidatePath(entryPath, destDir string) error {
	if filepath.IsAbs(entryPath) {
		return zberr.StoreCorruption(entryPath, fmt.Errorf("absolute path in archive: %s", entryPath))
	}
	for _, part := range strings.Split(filepath.ToSlash(entryPath), "/") {
		if part == ".." {
			return zberr.StoreCorruption(entryPath, fmt.Errorf("path traversal in archive: %s", entryPath))
		}
	}

	full := NormalizePath(filepath.Join(destDir, entryPath))
	base := NormalizePath(destDir)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return zberr.StoreCorruption(entryPath, fmt.Errorf("path escapes destination directory: %s (normalized: %s) not within %s", entryPath, full, base))
	}
	return nil
}

// NormalizePath resolves "." and ".." components of path without touching
// the filesystem or following symlinks. For absolute paths, ".." above
// the root is dropped; for relative paths, leading ".." components are
// preserved so the caller's component check can reject them.
func NormalizePath(path string) string {
	sep := string(filepath.Separator)
	isAbs := filepath.IsAbs(path)
	parts := strings.Split(filepath.ToSlash(path), "/")

	var out []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else if !isAbs {
				out = append(out, "..")
			}
			// absolute path with nothing to pop: drop the ".."
		default:
			out = append(out, p)
		}
	}

	joined := strings.Join(out, sep)
	if isAbs {
		return sep + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}
