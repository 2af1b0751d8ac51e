package install_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/cellar"
	"github.com/maxmcd/zb/install"
	"github.com/maxmcd/zb/internal/log"
	"github.com/maxmcd/zb/network"
	"github.com/maxmcd/zb/storage"
)

// buildBottle produces a gzip-compressed tarball laid out the way a real
// Homebrew bottle is: <name>/<version>/bin/<name>.
func buildBottle(t *testing.T, name, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	dirs := []string{name, name + "/" + version, name + "/" + version + "/bin"}
	for _, d := range dirs {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
	}
	content := []byte("#!/bin/sh\necho " + name)
	hdr := &tar.Header{
		Name: name + "/" + version + "/bin/" + name,
		Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg,
	}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// buildFormulaServer serves a tiny formula graph: "top" depends on "dep".
// Both resolve to a single "all"-tagged bottle built by buildBottle,
// fetched back from the same server.
func buildFormulaServer(t *testing.T) *httptest.Server {
	t.Helper()
	bottles := map[string][]byte{
		"top": buildBottle(t, "top", "1.0"),
		"dep": buildBottle(t, "dep", "2.0"),
	}
	sums := map[string]string{}
	for name, body := range bottles {
		sum := sha256.Sum256(body)
		sums[name] = hex.EncodeToString(sum[:])
	}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/formula/top.json":
			fmt.Fprintf(w, `{"name":"top","versions":{"stable":"1.0"},"dependencies":["dep"],
				"bottle":{"stable":{"files":{"all":{"url":"%s/bottle/top","sha256":"%s"}}}}}`,
				srv.URL, sums["top"])
		case "/formula/dep.json":
			fmt.Fprintf(w, `{"name":"dep","versions":{"stable":"2.0"},
				"bottle":{"stable":{"files":{"all":{"url":"%s/bottle/dep","sha256":"%s"}}}}}`,
				srv.URL, sums["dep"])
		case "/bottle/top":
			w.Write(bottles["top"])
		case "/bottle/dep":
			w.Write(bottles["dep"])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return srv
}

type harness struct {
	installer *install.Installer
	db        *storage.Database
	store     *storage.Store
	blobs     *storage.BlobCache
}

func newHarness(t *testing.T, srv *httptest.Server) harness {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	blobs, err := storage.NewBlobCache(dir)
	require.NoError(t, err)
	store, err := storage.NewStore(dir)
	require.NoError(t, err)
	c, err := cellar.NewCellar(filepath.Join(dir, "Cellar"))
	require.NoError(t, err)
	linker, err := cellar.NewLinker(dir)
	require.NoError(t, err)

	var client *network.Client
	var pd *network.ParallelDownloader
	if srv != nil {
		client = network.NewClient(srv.Client(), srv.URL+"/", db)
		downloader := network.NewDownloader(srv.Client(), blobs, log.Noop())
		pd = network.NewParallelDownloader(downloader)
	}

	return harness{
		installer: install.New(client, pd, store, blobs, c, linker, db, log.Noop(), "linux", "amd64"),
		db:        db,
		store:     store,
		blobs:     blobs,
	}
}

func TestPlanOrdersDependenciesFirst(t *testing.T) {
	srv := buildFormulaServer(t)
	defer srv.Close()
	h := newHarness(t, srv)
	defer h.db.Close()

	plan, err := h.installer.Plan(context.Background(), []string{"top"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2, "expected 2 steps (dep, top)")
	assert.Equal(t, "dep", plan.Steps[0].Formula.Name)
	assert.Equal(t, "top", plan.Steps[1].Formula.Name)
}

func TestExecuteInstallsAndLinksBothPackages(t *testing.T) {
	srv := buildFormulaServer(t)
	defer srv.Close()
	h := newHarness(t, srv)
	defer h.db.Close()

	plan, err := h.installer.Plan(context.Background(), []string{"top"})
	require.NoError(t, err)
	require.NoError(t, h.installer.Execute(context.Background(), plan), "execute")

	require.NoError(t, h.installer.Uninstall(context.Background(), "top"), "uninstall")
}

func TestUninstallRejectsUnknownFormula(t *testing.T) {
	h := newHarness(t, nil)
	defer h.db.Close()

	assert.Error(t, h.installer.Uninstall(context.Background(), "nope"),
		"expected an error uninstalling a formula that was never installed")
}

func TestGCReclaimsUnreferencedStoreEntries(t *testing.T) {
	srv := buildFormulaServer(t)
	defer srv.Close()
	h := newHarness(t, srv)
	defer h.db.Close()

	plan, err := h.installer.Plan(context.Background(), []string{"top"})
	require.NoError(t, err)
	require.NoError(t, h.installer.Execute(context.Background(), plan))

	storeKeys := make([]string, len(plan.Steps))
	for i, step := range plan.Steps {
		storeKeys[i] = step.Bottle.SHA256
		require.True(t, h.store.HasEntry(step.Bottle.SHA256), "expected store entry for %s before uninstall", step.Formula.Name)
	}

	require.NoError(t, h.installer.Uninstall(context.Background(), "top"))
	require.NoError(t, h.installer.Uninstall(context.Background(), "dep"))

	reclaimed, err := h.installer.GC(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, storeKeys, reclaimed)

	for i, step := range plan.Steps {
		assert.False(t, h.store.HasEntry(step.Bottle.SHA256), "expected store entry for %s to be gone after GC", step.Formula.Name)
		assert.False(t, h.blobs.HasBlob(storeKeys[i]), "expected cached blob for %s to be gone after GC", step.Formula.Name)
	}
}

func TestGCReclaimsOrphanedStoreEntriesWithNoRefsRow(t *testing.T) {
	h := newHarness(t, nil)
	defer h.db.Close()

	// Simulate a process that extracted a bottle into the store but
	// crashed before recording the install: EnsureEntry runs, but no
	// store_refs row (and no installed_kegs row) is ever written.
	blobPath := filepath.Join(t.TempDir(), "orphan.tar.gz")
	require.NoError(t, writeEmptyGzipTar(blobPath))
	_, err := h.store.EnsureEntry("orphan-key", blobPath)
	require.NoError(t, err)
	require.True(t, h.store.HasEntry("orphan-key"))

	reclaimed, err := h.installer.GC(context.Background())
	require.NoError(t, err)
	assert.Contains(t, reclaimed, "orphan-key")
	assert.False(t, h.store.HasEntry("orphan-key"), "expected orphaned store entry to be removed by GC")
}

func writeEmptyGzipTar(path string) error {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
