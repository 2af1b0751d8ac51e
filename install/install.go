// Package install orchestrates the full lifecycle of a formula install:
// resolving a dependency closure, fetching formula metadata, downloading
// and extracting bottles, materializing kegs, linking them into the shared
// prefix, and recording durable state in the metadata database. Uninstall
// and GC reverse the process. Execute runs a fused, concurrency-gated
// pipeline: every package's extraction, materialize, and link steps run
// back to back in one goroutine, bounded by a fixed-size worker pool, fed
// by bottle downloads streaming in from a separate deduplicating fetch
// phase.
package install

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maxmcd/zb/cellar"
	"github.com/maxmcd/zb/formula"
	"github.com/maxmcd/zb/internal/log"
	"github.com/maxmcd/zb/network"
	"github.com/maxmcd/zb/storage"
	"github.com/maxmcd/zb/zberr"
)

// installConcurrency bounds how many packages run their
// extract/materialize/link stage at once.
const installConcurrency = 6

// maxCorruptionRetries bounds how many times installOne will try to extract
// a bottle into the store. Each attempt that fails with StoreCorruption
// purges the cached blob, which is re-downloaded if an attempt remains.
const maxCorruptionRetries = 3

// fetchConcurrency bounds how many formula metadata fetches run at once
// while walking the dependency graph breadth-first.
const fetchConcurrency = 8

// PlanStep is one formula resolved for installation, in dependency-first
// order, with its platform bottle already selected.
type PlanStep struct {
	Formula formula.Formula
	Bottle  formula.SelectedBottle
}

// Plan is the ordered list of packages Execute will install, dependencies
// before dependents.
type Plan struct {
	Steps []PlanStep
}

// Installer wires together formula resolution, the download engine, the
// content-addressed store, the cellar/linker, and the metadata database
// into the Plan/Execute/Uninstall/GC operations.
type Installer struct {
	client     *network.Client
	downloader *network.ParallelDownloader
	store      *storage.Store
	blobs      *storage.BlobCache
	cellar     *cellar.Cellar
	linker     *cellar.Linker
	db         *storage.Database
	logger     log.Logger
	goos       string
	goarch     string
	tracer     trace.Tracer
}

// Option configures optional Installer behavior.
type Option func(*Installer)

// WithTracer sets the tracer Execute and its per-package stages use to
// report spans. Callers that never call WithTracer get the global otel
// tracer, which is a harmless no-op until something (tracing.Init) has
// registered a real provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(i *Installer) { i.tracer = tracer }
}

// New builds an Installer from its already-constructed dependencies. goos
// and goarch select bottle files; pass runtime.GOOS/runtime.GOARCH in
// production, and fixed values in tests.
func New(client *network.Client, downloader *network.ParallelDownloader, store *storage.Store, blobs *storage.BlobCache, c *cellar.Cellar, l *cellar.Linker, db *storage.Database, logger log.Logger, goos, goarch string, opts ...Option) *Installer {
	if logger == nil {
		logger = log.Noop()
	}
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	i := &Installer{
		client: client, downloader: downloader, store: store, blobs: blobs,
		cellar: c, linker: l, db: db, logger: logger, goos: goos, goarch: goarch,
		tracer: otel.Tracer("github.com/maxmcd/zb/install"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Plan fetches formula metadata for names and their full transitive
// dependency closure, resolves a dependency-first install order, and
// selects a bottle for every step.
func (i *Installer) Plan(ctx context.Context, names []string) (*Plan, error) {
	byName := map[string]formula.Formula{}
	fetched := map[string]bool{}

	frontier := append([]string{}, names...)
	for len(frontier) > 0 {
		next := frontier
		frontier = nil

		results, err := i.fetchAll(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, f := range results {
			if _, ok := byName[f.Name]; ok {
				continue
			}
			byName[f.Name] = f
			for _, dep := range append(append([]string{}, f.Dependencies...), f.AllBuildDependencies(i.goos)...) {
				if !fetched[dep] {
					fetched[dep] = true
					frontier = append(frontier, dep)
				}
			}
		}
	}

	order, err := formula.ResolveClosure(names, byName)
	if err != nil {
		return nil, err
	}

	steps := make([]PlanStep, 0, len(order))
	for _, name := range order {
		f := byName[name]
		bottle, err := formula.SelectBottle(f, i.goos, i.goarch)
		if err != nil {
			return nil, err
		}
		steps = append(steps, PlanStep{Formula: f, Bottle: bottle})
	}
	return &Plan{Steps: steps}, nil
}

func (i *Installer) fetchAll(ctx context.Context, names []string) ([]formula.Formula, error) {
	results := make([]formula.Formula, len(names))
	sem := make(chan struct{}, fetchConcurrency)
	eg, ctx := errgroup.WithContext(ctx)
	for idx, name := range names {
		idx, name := idx, name
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			f, err := i.fetchOne(ctx, name)
			if err != nil {
				return fmt.Errorf("fetching formula %s: %w", name, err)
			}
			results[idx] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (i *Installer) fetchOne(ctx context.Context, name string) (formula.Formula, error) {
	if isTapRef(name) {
		return i.client.FetchTapFormula(ctx, name)
	}
	return i.client.FetchFormula(ctx, name)
}

func isTapRef(name string) bool {
	count := 0
	for _, r := range name {
		if r == '/' {
			count++
		}
	}
	return count == 2
}

// Execute downloads, extracts, materializes, and links every step in plan.
// Downloads for the whole plan are kicked off together so that a shared
// transitive dependency is fetched exactly once (network.ParallelDownloader
// dedup); the post-download stages run in a bounded worker pool as each
// download completes.
func (i *Installer) Execute(ctx context.Context, plan *Plan) error {
	ctx, span := i.tracer.Start(ctx, "install.execute", trace.WithAttributes(attribute.Int("steps", len(plan.Steps))))
	defer span.End()

	byName := make(map[string]PlanStep, len(plan.Steps))
	reqs := make([]network.DownloadRequest, len(plan.Steps))
	for idx, step := range plan.Steps {
		byName[step.Formula.Name] = step
		reqs[idx] = network.DownloadRequest{
			Name:   step.Formula.Name,
			URL:    step.Bottle.URL,
			SHA256: step.Bottle.SHA256,
		}
	}

	sem := make(chan struct{}, installConcurrency)
	var eg errgroup.Group
	var downloadErr error

	for res := range i.downloader.DownloadStreaming(ctx, reqs) {
		if res.Err != nil {
			if downloadErr == nil {
				downloadErr = fmt.Errorf("downloading %s: %w", res.Name, res.Err)
			}
			continue
		}
		step := byName[res.Name]
		blobPath := res.BlobPath
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return i.installOne(ctx, step, blobPath)
		})
	}
	if err := eg.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if downloadErr != nil {
		span.SetStatus(codes.Error, downloadErr.Error())
	}
	return downloadErr
}

// installOne extracts the downloaded blob into the store, materializes the
// keg, creates its opt link and (unless keg-only) its overlay links, and
// records the result durably. Any failure after materialization removes
// the links it created and the half-installed keg so a future attempt
// doesn't mistake it for a complete one.
func (i *Installer) installOne(ctx context.Context, step PlanStep, blobPath string) (retErr error) {
	name := step.Formula.Name
	version := step.Formula.EffectiveVersion()
	kegName := formula.Token(name)

	ctx, span := i.tracer.Start(ctx, "install.one", trace.WithAttributes(attribute.String("formula", name), attribute.String("version", version)))
	defer func() {
		if retErr != nil {
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	entryPath, err := i.ensureEntryWithRetry(ctx, step, blobPath)
	if err != nil {
		return fmt.Errorf("extracting bottle for %s: %w", name, err)
	}

	// Bottle tarballs nest their contents under <name>/<version>/ (the
	// same layout Homebrew itself uses), so the keg's source tree sits
	// one level below the store entry's root.
	kegSource := filepath.Join(entryPath, kegName, version)
	kegPath, err := i.cellar.Materialize(kegName, version, kegSource)
	if err != nil {
		return fmt.Errorf("materializing keg for %s: %w", name, err)
	}

	var linked []cellar.LinkedFile
	if step.Formula.IsKegOnly() {
		err = i.linker.LinkOpt(kegPath)
	} else {
		linked, err = i.linker.Apply(kegPath)
	}
	if err != nil {
		_, _ = i.linker.Unlink(kegPath)
		_ = i.cellar.Remove(kegName, version)
		return fmt.Errorf("linking %s: %w", name, err)
	}

	if err := i.commit(ctx, name, version, step.Bottle.SHA256, linked); err != nil {
		_, _ = i.linker.Unlink(kegPath)
		_ = i.cellar.Remove(kegName, version)
		return fmt.Errorf("recording install of %s: %w", name, err)
	}

	i.logger.Info("installed", "name", name, "version", version)
	return nil
}

// ensureEntryWithRetry extracts blobPath into the store, and on
// StoreCorruption assumes the cached blob itself is bad: it purges the blob
// and the partial store entry, re-downloads from the bottle's origin URL,
// and tries again, for at most maxCorruptionRetries attempts in all before
// giving up and returning the last error.
func (i *Installer) ensureEntryWithRetry(ctx context.Context, step PlanStep, blobPath string) (string, error) {
	key := step.Bottle.SHA256
	var lastErr error
	for attempt := 0; attempt < maxCorruptionRetries; attempt++ {
		entryPath, err := i.store.EnsureEntry(key, blobPath)
		if err == nil {
			return entryPath, nil
		}
		lastErr = err
		if _, ok := zberr.As(err, zberr.KindStoreCorruption); !ok {
			return "", err
		}

		i.logger.Warn("store entry corrupt, purging and re-downloading", "name", step.Formula.Name, "attempt", attempt+1, "err", err)
		_ = i.store.RemoveEntry(key)
		if rmErr := i.blobs.RemoveBlob(key); rmErr != nil {
			i.logger.Warn("failed to purge cached blob", "name", step.Formula.Name, "err", rmErr)
		}
		if attempt+1 == maxCorruptionRetries {
			break
		}

		blobPath, err = i.downloader.Download(ctx, network.DownloadRequest{
			Name:   step.Formula.Name,
			URL:    step.Bottle.URL,
			SHA256: step.Bottle.SHA256,
		})
		if err != nil {
			return "", fmt.Errorf("re-downloading bottle for %s: %w", step.Formula.Name, err)
		}
	}
	return "", lastErr
}

func (i *Installer) commit(ctx context.Context, name, version, storeKey string, linked []cellar.LinkedFile) (retErr error) {
	ctx, span := i.tracer.Start(ctx, "install.commit", trace.WithAttributes(attribute.String("formula", name)))
	defer func() {
		if retErr != nil {
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.RecordInstall(ctx, storage.InstalledKeg{InstallName: name, Version: version, StoreKey: storeKey}); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, lf := range linked {
		if err := tx.RecordLinkedFile(ctx, storage.LinkedFile{
			InstallName: name, Version: version, LinkPath: lf.LinkPath, TargetPath: lf.TargetPath,
		}); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Uninstall unlinks and removes an installed formula's keg, decrementing
// its store refcount. It does not reclaim the store entry itself; run GC
// for that.
func (i *Installer) Uninstall(ctx context.Context, name string) error {
	tx, err := i.db.Begin(ctx)
	if err != nil {
		return err
	}
	keg, ok, err := tx.InstalledKeg(ctx, name)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !ok {
		_ = tx.Rollback()
		return fmt.Errorf("%s is not installed", name)
	}

	kegName := formula.Token(name)
	kegPath := i.cellar.KegPath(kegName, keg.Version)
	if _, err := i.linker.Unlink(kegPath); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("unlinking %s: %w", name, err)
	}
	if err := i.cellar.Remove(kegName, keg.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("removing keg for %s: %w", name, err)
	}
	if err := tx.RecordUninstall(ctx, name, keg.StoreKey); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GC reclaims every store entry (and cached blob) whose refcount has
// dropped to zero, plus any entry on disk that store_refs never recorded
// at all (left behind by a process that crashed between extracting a
// bottle and recording its install).
func (i *Installer) GC(ctx context.Context) ([]string, error) {
	tx, err := i.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := tx.UnreferencedStoreKeys(ctx)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	onDisk, err := i.store.Keys()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	known, err := tx.KnownStoreKeys(ctx)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	for _, key := range onDisk {
		if !known[key] {
			i.logger.Warn("gc: removing orphaned store entry with no store_refs row", "key", key)
			keys = append(keys, key)
		}
	}

	for _, key := range keys {
		if err := i.store.RemoveEntry(key); err != nil {
			i.logger.Warn("gc: failed to remove store entry", "key", key, "err", err)
			continue
		}
		if err := i.blobs.RemoveBlob(key); err != nil {
			i.logger.Warn("gc: failed to remove cached blob", "key", key, "err", err)
		}
		if err := tx.DeleteStoreRef(ctx, key); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}
