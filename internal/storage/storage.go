// Package storage implements the content cache and metadata index
// (spec.md §4.5) as a single embedded SQLite database, standing in for
// the browser's CacheStorage (blobs) and IndexedDB (metadata).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection backing both the content cache and the
// metadata index.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) a SQLite database file at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// SQLite allows only one writer at a time; cap the pool so
	// concurrent callers serialize through database/sql rather than
	// racing on SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &DB{conn: conn, logger: logger}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying *sql.DB for migrations and tests.
func (db *DB) Conn() *sql.DB { return db.conn }

// ModelMetadata is the metadata index record for a single model id,
// per spec.md §3 "the metadata index stores {id, sizeBytes,
// downloadedAt, checksum?, engineVersion?}".
type ModelMetadata struct {
	ID              string
	SizeBytes       uint64
	DownloadedAtMs  int64
	LastAccessedMs  int64
	Checksum        string
	EngineVersion   string
}

// PutModelMetadata inserts or replaces the metadata record for a model.
func (db *DB) PutModelMetadata(ctx context.Context, m ModelMetadata) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO models (id, size_bytes, downloaded_at_ms, last_accessed_ms, checksum, engine_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			downloaded_at_ms = excluded.downloaded_at_ms,
			last_accessed_ms = excluded.last_accessed_ms,
			checksum = excluded.checksum,
			engine_version = excluded.engine_version
	`, m.ID, m.SizeBytes, m.DownloadedAtMs, m.LastAccessedMs, m.Checksum, m.EngineVersion)
	if err != nil {
		return fmt.Errorf("storage: put model metadata %s: %w", m.ID, err)
	}
	return nil
}

// GetModelMetadata returns the metadata record for a model, or
// ErrNotFound if no such record exists.
func (db *DB) GetModelMetadata(ctx context.Context, id string) (ModelMetadata, error) {
	var m ModelMetadata
	var checksum, engineVersion sql.NullString
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, size_bytes, downloaded_at_ms, last_accessed_ms, checksum, engine_version
		FROM models WHERE id = ?
	`, id)
	if err := row.Scan(&m.ID, &m.SizeBytes, &m.DownloadedAtMs, &m.LastAccessedMs, &checksum, &engineVersion); err != nil {
		if err == sql.ErrNoRows {
			return ModelMetadata{}, ErrNotFound
		}
		return ModelMetadata{}, fmt.Errorf("storage: get model metadata %s: %w", id, err)
	}
	m.Checksum = checksum.String
	m.EngineVersion = engineVersion.String
	return m, nil
}

// HasModelMetadata reports whether a metadata record exists for id.
func (db *DB) HasModelMetadata(ctx context.Context, id string) (bool, error) {
	var exists int
	err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM models WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has model metadata %s: %w", id, err)
	}
	return true, nil
}

// DeleteModelMetadata removes the metadata record for id. Not an error
// if no such record exists.
func (db *DB) DeleteModelMetadata(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete model metadata %s: %w", id, err)
	}
	return nil
}

// TouchModel updates last_accessed_ms for id, used by the LRU cache
// manager's touchModel operation.
func (db *DB) TouchModel(ctx context.Context, id string, nowMs int64) error {
	if _, err := db.conn.ExecContext(ctx, `UPDATE models SET last_accessed_ms = ? WHERE id = ?`, nowMs, id); err != nil {
		return fmt.Errorf("storage: touch model %s: %w", id, err)
	}
	return nil
}

// ListModels returns every metadata record, sorted by last_accessed_ms
// ascending, per spec.md §4.6 "getModels() sorted by last-accessed
// ascending".
func (db *DB) ListModels(ctx context.Context) ([]ModelMetadata, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, size_bytes, downloaded_at_ms, last_accessed_ms, checksum, engine_version
		FROM models ORDER BY last_accessed_ms ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list models: %w", err)
	}
	defer rows.Close()

	var out []ModelMetadata
	for rows.Next() {
		var m ModelMetadata
		var checksum, engineVersion sql.NullString
		if err := rows.Scan(&m.ID, &m.SizeBytes, &m.DownloadedAtMs, &m.LastAccessedMs, &checksum, &engineVersion); err != nil {
			return nil, fmt.Errorf("storage: scan model row: %w", err)
		}
		m.Checksum = checksum.String
		m.EngineVersion = engineVersion.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutBlob inserts or replaces a single keyed blob within a model's
// namespace.
func (db *DB) PutBlob(ctx context.Context, modelID, key string, data []byte) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO blobs (model_id, key, data, size) VALUES (?, ?, ?, ?)
		ON CONFLICT(model_id, key) DO UPDATE SET data = excluded.data, size = excluded.size
	`, modelID, key, data, len(data))
	if err != nil {
		return fmt.Errorf("storage: put blob %s/%s: %w", modelID, key, err)
	}
	return nil
}

// GetBlob returns the blob stored at key within modelID's namespace, or
// ErrNotFound.
func (db *DB) GetBlob(ctx context.Context, modelID, key string) ([]byte, error) {
	var data []byte
	err := db.conn.QueryRowContext(ctx, `SELECT data FROM blobs WHERE model_id = ? AND key = ?`, modelID, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get blob %s/%s: %w", modelID, key, err)
	}
	return data, nil
}

// HasCacheEntry reports whether any blob exists for modelID.
func (db *DB) HasCacheEntry(ctx context.Context, modelID string) (bool, error) {
	var exists int
	err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE model_id = ? LIMIT 1`, modelID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has cache entry %s: %w", modelID, err)
	}
	return true, nil
}

// CacheSizeBytes sums the size of every blob stored for modelID.
func (db *DB) CacheSizeBytes(ctx context.Context, modelID string) (uint64, error) {
	var total sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `SELECT SUM(size) FROM blobs WHERE model_id = ?`, modelID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: cache size %s: %w", modelID, err)
	}
	return uint64(total.Int64), nil
}

// PurgeCacheEntries deletes every blob for modelID.
func (db *DB) PurgeCacheEntries(ctx context.Context, modelID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM blobs WHERE model_id = ?`, modelID); err != nil {
		return fmt.Errorf("storage: purge cache entries %s: %w", modelID, err)
	}
	return nil
}
