package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the single sqlite handle backing the installed-keg
// metadata tables and the formula-API response cache. All access goes
// through a single *sql.DB; sqlite's own locking serializes writers.
type Database struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS installed_kegs (
	install_name TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	store_key    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS linked_files (
	install_name TEXT NOT NULL,
	version      TEXT NOT NULL,
	link_path    TEXT NOT NULL,
	target_path  TEXT NOT NULL,
	PRIMARY KEY (install_name, link_path)
);
CREATE TABLE IF NOT EXISTS store_refs (
	store_key TEXT PRIMARY KEY,
	refcount  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS api_cache (
	url         TEXT PRIMARY KEY,
	etag        TEXT,
	last_modified TEXT,
	body        TEXT NOT NULL,
	cached_at   INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema is present.
func Open(path string) (*Database, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Database{conn: conn}, nil
}

// OpenInMemory opens an in-memory database, used by tests.
func OpenInMemory() (*Database, error) {
	return Open("file::memory:?cache=shared")
}

func (d *Database) Close() error { return d.conn.Close() }

// CacheEntry is one row of the formula-API conditional-GET cache.
type CacheEntry struct {
	ETag         string
	LastModified string
	Body         string
}

// GetCacheEntry returns the cached response for url, if any.
func (d *Database) GetCacheEntry(ctx context.Context, url string) (CacheEntry, bool, error) {
	var e CacheEntry
	var etag, lastMod sql.NullString
	row := d.conn.QueryRowContext(ctx, `SELECT etag, last_modified, body FROM api_cache WHERE url = ?`, url)
	if err := row.Scan(&etag, &lastMod, &e.Body); err != nil {
		if err == sql.ErrNoRows {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, fmt.Errorf("querying cache entry for %s: %w", url, err)
	}
	e.ETag = etag.String
	e.LastModified = lastMod.String
	return e, true, nil
}

// PutCacheEntry stores or replaces the cached response for url.
func (d *Database) PutCacheEntry(ctx context.Context, url string, e CacheEntry) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO api_cache (url, etag, last_modified, body, cached_at) VALUES (?, ?, ?, ?, ?)`,
		url, nullableString(e.ETag), nullableString(e.LastModified), e.Body, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing cache entry for %s: %w", url, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InstalledKeg is one row of installed_kegs.
type InstalledKeg struct {
	InstallName string
	Version     string
	StoreKey    string
}

// LinkedFile is one row of linked_files.
type LinkedFile struct {
	InstallName string
	Version     string
	LinkPath    string
	TargetPath  string
}

// ListInstalledKegs returns every row of installed_kegs, for `zb list`.
func (d *Database) ListInstalledKegs(ctx context.Context) ([]InstalledKeg, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT install_name, version, store_key FROM installed_kegs ORDER BY install_name`)
	if err != nil {
		return nil, fmt.Errorf("querying installed kegs: %w", err)
	}
	defer rows.Close()
	var out []InstalledKeg
	for rows.Next() {
		var k InstalledKeg
		if err := rows.Scan(&k.InstallName, &k.Version, &k.StoreKey); err != nil {
			return nil, fmt.Errorf("scanning installed keg: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Tx wraps a sqlite transaction with the metadata-store operations the
// installer needs. Commit is the linearization point of an install: once
// it returns, the install is durable even if the process dies
// immediately after.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a new metadata transaction.
func (d *Database) Begin(ctx context.Context) (*Tx, error) {
	tx, err := d.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// RecordInstall upserts the installed_kegs row for keg and increments the
// store_refs refcount for storeKey.
func (t *Tx) RecordInstall(ctx context.Context, keg InstalledKeg) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO installed_kegs (install_name, version, store_key) VALUES (?, ?, ?)`,
		keg.InstallName, keg.Version, keg.StoreKey); err != nil {
		return fmt.Errorf("recording installed keg %s: %w", keg.InstallName, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO store_refs (store_key, refcount) VALUES (?, 1)
		 ON CONFLICT(store_key) DO UPDATE SET refcount = refcount + 1`,
		keg.StoreKey); err != nil {
		return fmt.Errorf("incrementing store ref for %s: %w", keg.StoreKey, err)
	}
	return nil
}

// RecordLinkedFile inserts a linked_files row. Happens-after the
// corresponding RecordInstall within the same transaction.
func (t *Tx) RecordLinkedFile(ctx context.Context, lf LinkedFile) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO linked_files (install_name, version, link_path, target_path) VALUES (?, ?, ?, ?)`,
		lf.InstallName, lf.Version, lf.LinkPath, lf.TargetPath)
	if err != nil {
		return fmt.Errorf("recording linked file %s: %w", lf.LinkPath, err)
	}
	return nil
}

// RecordUninstall removes installed_kegs and linked_files rows for
// installName and decrements (floored at zero) the store_refs refcount
// for storeKey.
func (t *Tx) RecordUninstall(ctx context.Context, installName, storeKey string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM linked_files WHERE install_name = ?`, installName); err != nil {
		return fmt.Errorf("deleting linked files for %s: %w", installName, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM installed_kegs WHERE install_name = ?`, installName); err != nil {
		return fmt.Errorf("deleting installed keg %s: %w", installName, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE store_refs SET refcount = MAX(refcount - 1, 0) WHERE store_key = ?`, storeKey); err != nil {
		return fmt.Errorf("decrementing store ref for %s: %w", storeKey, err)
	}
	return nil
}

// DeleteStoreRef removes the store_refs row for storeKey entirely, used
// once GC has reclaimed the on-disk entry.
func (t *Tx) DeleteStoreRef(ctx context.Context, storeKey string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM store_refs WHERE store_key = ?`, storeKey); err != nil {
		return fmt.Errorf("deleting store ref %s: %w", storeKey, err)
	}
	return nil
}

// UnreferencedStoreKeys returns every store_key whose refcount has
// dropped to zero, the candidate set for GC.
func (t *Tx) UnreferencedStoreKeys(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT store_key FROM store_refs WHERE refcount <= 0`)
	if err != nil {
		return nil, fmt.Errorf("querying unreferenced store keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning store key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// KnownStoreKeys returns every store_key with a store_refs row,
// regardless of refcount, used by GC to distinguish a tracked-but-
// unreferenced entry from one store_refs has never heard of at all.
func (t *Tx) KnownStoreKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT store_key FROM store_refs`)
	if err != nil {
		return nil, fmt.Errorf("querying known store keys: %w", err)
	}
	defer rows.Close()
	known := map[string]bool{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning store key: %w", err)
		}
		known[k] = true
	}
	return known, rows.Err()
}

// InstalledKeg looks up the installed_kegs row for installName, if any.
func (t *Tx) InstalledKeg(ctx context.Context, installName string) (InstalledKeg, bool, error) {
	var keg InstalledKeg
	keg.InstallName = installName
	row := t.tx.QueryRowContext(ctx, `SELECT version, store_key FROM installed_kegs WHERE install_name = ?`, installName)
	if err := row.Scan(&keg.Version, &keg.StoreKey); err != nil {
		if err == sql.ErrNoRows {
			return InstalledKeg{}, false, nil
		}
		return InstalledKeg{}, false, fmt.Errorf("querying installed keg %s: %w", installName, err)
	}
	return keg, true, nil
}

// LinkedFilesFor returns every linked_files row recorded for installName.
func (t *Tx) LinkedFilesFor(ctx context.Context, installName string) ([]LinkedFile, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT install_name, version, link_path, target_path FROM linked_files WHERE install_name = ?`, installName)
	if err != nil {
		return nil, fmt.Errorf("querying linked files for %s: %w", installName, err)
	}
	defer rows.Close()
	var out []LinkedFile
	for rows.Next() {
		var lf LinkedFile
		if err := rows.Scan(&lf.InstallName, &lf.Version, &lf.LinkPath, &lf.TargetPath); err != nil {
			return nil, fmt.Errorf("scanning linked file: %w", err)
		}
		out = append(out, lf)
	}
	return out, rows.Err()
}
