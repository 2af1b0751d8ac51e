package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maxmcd/zb/cellar"
	"github.com/maxmcd/zb/install"
	"github.com/maxmcd/zb/internal/httputil"
	"github.com/maxmcd/zb/internal/log"
	"github.com/maxmcd/zb/internal/tracing"
	"github.com/maxmcd/zb/network"
	"github.com/maxmcd/zb/storage"
)

// env bundles everything a command needs after setup, so subcommands stay
// focused on flag parsing and output formatting.
type env struct {
	installer *install.Installer
	db        *storage.Database
	logger    log.Logger
	traced    bool
}

func (e *env) Close() error {
	if e.traced {
		tracing.Stop()
	}
	return e.db.Close()
}

func resolvePrefix() (string, error) {
	if prefixFlag != "" {
		return prefixFlag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving default prefix: %w", err)
	}
	return filepath.Join(home, ".zb"), nil
}

// bottleMirrors parses ZB_BOTTLE_MIRRORS, a comma-separated list of
// fallback URLs download races are also attempted against.
func bottleMirrors() []string {
	raw := os.Getenv("ZB_BOTTLE_MIRRORS")
	if raw == "" {
		return nil
	}
	var mirrors []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			mirrors = append(mirrors, m)
		}
	}
	return mirrors
}

func initLogger(cmd *cobra.Command, args []string) {
	level := slog.LevelWarn
	if verboseFlag {
		level = slog.LevelDebug
	}
	log.SetDefault(log.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newEnv() (*env, error) {
	prefix, err := resolvePrefix()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return nil, fmt.Errorf("creating prefix %s: %w", prefix, err)
	}

	db, err := storage.Open(filepath.Join(prefix, "zb.db"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	blobs, err := storage.NewBlobCache(prefix)
	if err != nil {
		db.Close()
		return nil, err
	}
	store, err := storage.NewStore(prefix)
	if err != nil {
		db.Close()
		return nil, err
	}
	c, err := cellar.NewCellar(filepath.Join(prefix, "Cellar"))
	if err != nil {
		db.Close()
		return nil, err
	}
	linker, err := cellar.NewLinker(prefix)
	if err != nil {
		db.Close()
		return nil, err
	}

	httpClient := httputil.NewSecureClient(httputil.DefaultOptions())
	client := network.NewClient(httpClient, network.DefaultAPIRoot, db)
	downloader := network.NewDownloader(httpClient, blobs, log.Default(), network.WithMirrors(bottleMirrors()))
	pd := network.NewParallelDownloader(downloader)

	// Tracing is opt-in: most invocations of the CLI run without a collector
	// listening, and the default otel tracer Installer falls back to is a
	// harmless no-op, so only pay for a real exporter when asked.
	var opts []install.Option
	traced := os.Getenv("ZB_OTLP_ENDPOINT") != ""
	if traced {
		opts = append(opts, install.WithTracer(tracing.Init("zb-install")))
	}

	installer := install.New(client, pd, store, blobs, c, linker, db, log.Default(), "", "", opts...)
	return &env{installer: installer, db: db, logger: log.Default(), traced: traced}, nil
}
