// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/snapack/lib/binhash"
	"github.com/bureau-foundation/snapack/lib/sqlitepool"
	"github.com/bureau-foundation/snapack/lib/uid"
	"github.com/bureau-foundation/snapack/lib/xxh"
)

// Dependency types. The source file itself is recorded as a
// dependency of type "source", which is what maps source URIs back to
// the assets built from them for incremental builds.
const (
	DependencyFile   = "file"
	DependencySource = "source"
)

// Entry records the identity of one cooked asset: the hashes and
// importer/cooker versions that produced it. A build compares a
// freshly computed Entry against the stored one to decide whether the
// asset must be rebuilt.
type Entry struct {
	AssetID     uid.AssetID
	LogicalName string
	VariantKey  string

	SourceHash       uint64
	DepsHash         uint64
	IntermediateHash uint64
	CookedHash       uint64
	OptionsHash      uint64

	ImporterName    string
	ImporterVersion string
	CookerName      string
	CookerVersion   string

	// Valid is false for entries that were not found in the cache.
	Valid bool
}

// Dependency is one tracked input file of an asset.
type Dependency struct {
	Path         string
	Digest       binhash.Digest
	LastModified int64
	Type         string
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    asset_id BLOB PRIMARY KEY,
    logical_name TEXT NOT NULL,
    variant_key TEXT,
    source_hash INTEGER,
    dependencies_hash INTEGER,
    intermediate_hash INTEGER,
    cooked_hash INTEGER,
    build_options_hash INTEGER,
    importer_name TEXT,
    importer_version TEXT,
    cooker_name TEXT,
    cooker_version TEXT,
    timestamp INTEGER DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_logical_name ON cache_entries(logical_name);

CREATE TABLE IF NOT EXISTS dependencies (
    asset_id BLOB NOT NULL,
    dependency_path TEXT NOT NULL,
    file_digest TEXT,
    last_modified INTEGER,
    dependency_type TEXT DEFAULT 'file',
    PRIMARY KEY (asset_id, dependency_path),
    FOREIGN KEY (asset_id) REFERENCES cache_entries(asset_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_dep_path ON dependencies(dependency_path);

CREATE TABLE IF NOT EXISTS reverse_dependencies (
    dependency_path TEXT NOT NULL,
    dependent_asset_id BLOB NOT NULL,
    PRIMARY KEY (dependency_path, dependent_asset_id)
);
CREATE INDEX IF NOT EXISTS idx_rev_dep_asset ON reverse_dependencies(dependent_asset_id);

CREATE TABLE IF NOT EXISTS file_hashes (
    file_path TEXT PRIMARY KEY,
    file_hash INTEGER,
    last_modified INTEGER
);
`

// Cache is the persistent incremental build cache, backed by SQLite
// in WAL mode. All methods are safe for concurrent use; writes are
// serialized by SQLite's single-writer discipline.
type Cache struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if needed) the cache database at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("buildcache: %w", err)
	}

	return &Cache{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (c *Cache) Close() error {
	return c.pool.Close()
}

// Get returns the stored entry for an asset. Entry.Valid is false if
// the asset has never been cached.
func (c *Cache) Get(ctx context.Context, id uid.AssetID) (Entry, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer c.pool.Put(conn)

	entry := Entry{AssetID: id}
	err = sqlitex.Execute(conn, `
		SELECT logical_name, variant_key, source_hash, dependencies_hash,
		       intermediate_hash, cooked_hash, build_options_hash,
		       importer_name, importer_version, cooker_name, cooker_version
		FROM cache_entries WHERE asset_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry.LogicalName = stmt.ColumnText(0)
				entry.VariantKey = stmt.ColumnText(1)
				entry.SourceHash = uint64(stmt.ColumnInt64(2))
				entry.DepsHash = uint64(stmt.ColumnInt64(3))
				entry.IntermediateHash = uint64(stmt.ColumnInt64(4))
				entry.CookedHash = uint64(stmt.ColumnInt64(5))
				entry.OptionsHash = uint64(stmt.ColumnInt64(6))
				entry.ImporterName = stmt.ColumnText(7)
				entry.ImporterVersion = stmt.ColumnText(8)
				entry.CookerName = stmt.ColumnText(9)
				entry.CookerVersion = stmt.ColumnText(10)
				entry.Valid = true
				return nil
			},
		})
	if err != nil {
		return Entry{}, fmt.Errorf("buildcache: reading entry for %s: %w", id, err)
	}
	return entry, nil
}

// Put stores (or replaces) an asset's cache entry.
func (c *Cache) Put(ctx context.Context, entry Entry) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO cache_entries (
		    asset_id, logical_name, variant_key, source_hash,
		    dependencies_hash, intermediate_hash, cooked_hash,
		    build_options_hash, importer_name, importer_version,
		    cooker_name, cooker_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.AssetID[:], entry.LogicalName, entry.VariantKey,
				int64(entry.SourceHash), int64(entry.DepsHash),
				int64(entry.IntermediateHash), int64(entry.CookedHash),
				int64(entry.OptionsHash),
				entry.ImporterName, entry.ImporterVersion,
				entry.CookerName, entry.CookerVersion,
			},
		})
	if err != nil {
		return fmt.Errorf("buildcache: storing entry for %s: %w", entry.AssetID, err)
	}
	return nil
}

// Remove deletes an asset's entry and its dependency records.
func (c *Cache) Remove(ctx context.Context, id uid.AssetID) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)
	return c.removeOn(conn, id)
}

func (c *Cache) removeOn(conn *sqlite.Conn, id uid.AssetID) error {
	statements := []string{
		"DELETE FROM reverse_dependencies WHERE dependent_asset_id = ?",
		"DELETE FROM dependencies WHERE asset_id = ?",
		"DELETE FROM cache_entries WHERE asset_id = ?",
	}
	for _, statement := range statements {
		err := sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{Args: []any{id[:]}})
		if err != nil {
			return fmt.Errorf("buildcache: removing entry for %s: %w", id, err)
		}
	}
	return nil
}

// SetDependencies replaces an asset's tracked dependencies. A
// dependency given with a zero Digest gets its current digest and
// modification time captured at call time; one with a non-zero Digest
// is stored as given. Missing files are recorded with a zero digest,
// so HasDependencyChanged reports them as changed until the
// dependencies are recorded again.
func (c *Cache) SetDependencies(ctx context.Context, id uid.AssetID, deps []Dependency) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("buildcache: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, statement := range []string{
		"DELETE FROM reverse_dependencies WHERE dependent_asset_id = ?",
		"DELETE FROM dependencies WHERE asset_id = ?",
	} {
		if err = sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{Args: []any{id[:]}}); err != nil {
			return fmt.Errorf("buildcache: clearing dependencies for %s: %w", id, err)
		}
	}

	for _, dep := range deps {
		depType := dep.Type
		if depType == "" {
			depType = DependencyFile
		}

		digest := dep.Digest
		modTime := dep.LastModified
		if digest == (binhash.Digest{}) {
			if stat, statErr := os.Stat(dep.Path); statErr == nil {
				modTime = stat.ModTime().UnixNano()
				if hashed, hashErr := binhash.HashFile(dep.Path); hashErr == nil {
					digest = hashed
				}
			}
		}

		err = sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO dependencies
			    (asset_id, dependency_path, file_digest, last_modified, dependency_type)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{id[:], dep.Path, digest.String(), modTime, depType},
			})
		if err != nil {
			return fmt.Errorf("buildcache: adding dependency %s for %s: %w", dep.Path, id, err)
		}

		err = sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO reverse_dependencies (dependency_path, dependent_asset_id)
			VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{dep.Path, id[:]}})
		if err != nil {
			return fmt.Errorf("buildcache: adding reverse dependency %s for %s: %w", dep.Path, id, err)
		}
	}

	return nil
}

// Dependencies returns an asset's tracked dependencies.
func (c *Cache) Dependencies(ctx context.Context, id uid.AssetID) ([]Dependency, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var deps []Dependency
	err = sqlitex.Execute(conn, `
		SELECT dependency_path, file_digest, last_modified, dependency_type
		FROM dependencies WHERE asset_id = ? ORDER BY dependency_path`,
		&sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				dep := Dependency{
					Path:         stmt.ColumnText(0),
					LastModified: stmt.ColumnInt64(2),
					Type:         stmt.ColumnText(3),
				}
				digest, parseErr := binhash.ParseDigest(stmt.ColumnText(1))
				if parseErr == nil {
					dep.Digest = digest
				}
				deps = append(deps, dep)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("buildcache: reading dependencies for %s: %w", id, err)
	}
	return deps, nil
}

// DependentAssets returns the IDs of every asset that depends on the
// given file path (the reverse-dependency index).
func (c *Cache) DependentAssets(ctx context.Context, path string) ([]uid.AssetID, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var ids []uid.AssetID
	err = sqlitex.Execute(conn, `
		SELECT dependent_asset_id FROM reverse_dependencies WHERE dependency_path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var id uid.AssetID
				stmt.ColumnBytes(0, id[:])
				ids = append(ids, id)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("buildcache: reading dependents of %s: %w", path, err)
	}
	return ids, nil
}

// SourceAssets returns the IDs of the assets built from the given
// source URI (dependencies of type "source").
func (c *Cache) SourceAssets(ctx context.Context, sourceURI string) ([]uid.AssetID, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var ids []uid.AssetID
	err = sqlitex.Execute(conn, `
		SELECT asset_id FROM dependencies
		WHERE dependency_path = ? AND dependency_type = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sourceURI, DependencySource},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var id uid.AssetID
				stmt.ColumnBytes(0, id[:])
				ids = append(ids, id)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("buildcache: reading assets for source %s: %w", sourceURI, err)
	}
	return ids, nil
}

// HasDependencyChanged reports whether any tracked dependency of the
// asset differs from its recorded digest, or has vanished.
func (c *Cache) HasDependencyChanged(ctx context.Context, id uid.AssetID) (bool, error) {
	deps, err := c.Dependencies(ctx, id)
	if err != nil {
		return true, err
	}

	for _, dep := range deps {
		if _, statErr := os.Stat(dep.Path); statErr != nil {
			return true, nil // dependency deleted
		}
		current, hashErr := binhash.HashFile(dep.Path)
		if hashErr != nil {
			return true, nil // unreadable counts as changed
		}
		if current != dep.Digest {
			return true, nil
		}
	}
	return false, nil
}

// NeedsRebuild reports whether an asset must be rebuilt: true when
// there is no valid prior entry, when the source, dependency, or
// options hashes differ, when the importer or cooker identity
// changed, or when any tracked dependency's content changed or
// vanished.
func (c *Cache) NeedsRebuild(ctx context.Context, current Entry) (bool, error) {
	previous, err := c.Get(ctx, current.AssetID)
	if err != nil {
		return true, err
	}
	if !previous.Valid {
		return true, nil
	}
	if current.SourceHash != previous.SourceHash ||
		current.DepsHash != previous.DepsHash ||
		current.OptionsHash != previous.OptionsHash {
		return true, nil
	}
	if current.ImporterName != previous.ImporterName ||
		current.ImporterVersion != previous.ImporterVersion ||
		current.CookerName != previous.CookerName ||
		current.CookerVersion != previous.CookerVersion {
		return true, nil
	}
	return c.HasDependencyChanged(ctx, current.AssetID)
}

// CachedFileHash returns the XXH3-64 content hash of a file, serving
// it from the file_hashes table when the file's modification time is
// unchanged since the hash was recorded.
func (c *Cache) CachedFileHash(ctx context.Context, path string) (uint64, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("buildcache: stating %s: %w", path, err)
	}
	modTime := stat.ModTime().UnixNano()

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	var cachedHash uint64
	var cachedModTime int64
	var found bool
	err = sqlitex.Execute(conn, `
		SELECT file_hash, last_modified FROM file_hashes WHERE file_path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cachedHash = uint64(stmt.ColumnInt64(0))
				cachedModTime = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("buildcache: reading file hash for %s: %w", path, err)
	}
	if found && cachedModTime == modTime {
		return cachedHash, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("buildcache: reading %s: %w", path, err)
	}
	hash := xxh.Sum64(data)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO file_hashes (file_path, file_hash, last_modified)
		VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{path, int64(hash), modTime}})
	if err != nil {
		return 0, fmt.Errorf("buildcache: caching file hash for %s: %w", path, err)
	}
	return hash, nil
}

// PruneStaleEntries removes entries whose asset IDs are not in the
// live set. Returns the number removed. Expensive; run it after full
// builds, not on every incremental pass.
func (c *Cache) PruneStaleEntries(ctx context.Context, validIDs []uid.AssetID) (int, error) {
	valid := make(map[uid.AssetID]bool, len(validIDs))
	for _, id := range validIDs {
		valid[id] = true
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	var stale []uid.AssetID
	err = sqlitex.Execute(conn, "SELECT asset_id FROM cache_entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var id uid.AssetID
			stmt.ColumnBytes(0, id[:])
			if !valid[id] {
				stale = append(stale, id)
			}
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("buildcache: listing entries: %w", err)
	}

	for _, id := range stale {
		if err := c.removeOn(conn, id); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		c.logger.Info("pruned stale cache entries", "count", len(stale))
	}
	return len(stale), nil
}

// EntryCount returns the number of cached asset entries.
func (c *Cache) EntryCount(ctx context.Context) (int, error) {
	return c.countOf(ctx, "cache_entries")
}

// DependencyCount returns the number of tracked dependency rows.
func (c *Cache) DependencyCount(ctx context.Context) (int, error) {
	return c.countOf(ctx, "dependencies")
}

func (c *Cache) countOf(ctx context.Context, table string) (int, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM "+table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("buildcache: counting %s: %w", table, err)
	}
	return count, nil
}
