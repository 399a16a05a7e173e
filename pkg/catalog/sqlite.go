package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"meshvault/pkg/models"
)

// SQLiteCatalog persists the catalog in a single SQLite file
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens (or creates) the catalog database. WAL mode plus a
// single writer keeps concurrent agents from tripping over SQLITE_BUSY.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &SQLiteCatalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		stored_at DATETIME NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME NOT NULL,
		replication_factor INTEGER NOT NULL DEFAULT 1,
		tags TEXT
	);

	CREATE TABLE IF NOT EXISTS replicas (
		file_id TEXT PRIMARY KEY,
		nodes TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shared_blobs (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		shared_by TEXT NOT NULL,
		shared_at DATETIME NOT NULL,
		downloaded BOOLEAN NOT NULL DEFAULT 0,
		downloaded_at DATETIME,
		local_path TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_blobs_last_accessed ON blobs(last_accessed_at);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Blob operations

func (c *SQLiteCatalog) PutBlob(meta *models.BlobMetadata) error {
	tags, err := json.Marshal(meta.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO blobs
		(id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, meta.ID, meta.OriginalName, meta.SizeBytes, meta.Checksum, meta.StoredAt,
		meta.AccessCount, meta.LastAccessedAt, meta.ReplicationFactor, string(tags))

	return err
}

func (c *SQLiteCatalog) GetBlob(fileID string) (*models.BlobMetadata, error) {
	row := c.db.QueryRow(`
		SELECT id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, tags
		FROM blobs WHERE id = ?
	`, fileID)
	return scanBlob(row)
}

func (c *SQLiteCatalog) ListBlobs() ([]*models.BlobMetadata, error) {
	rows, err := c.db.Query(`
		SELECT id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, tags
		FROM blobs ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.BlobMetadata
	for rows.Next() {
		meta, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) DeleteBlob(fileID string) error {
	result, err := c.db.Exec(`DELETE FROM blobs WHERE id = ?`, fileID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func (c *SQLiteCatalog) RecordAccess(fileID string, at time.Time) (*models.BlobMetadata, error) {
	result, err := c.db.Exec(`
		UPDATE blobs SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
	`, at, fileID)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrBlobNotFound
	}
	return c.GetBlob(fileID)
}

func (c *SQLiteCatalog) TotalBlobBytes() (int64, error) {
	var total sql.NullInt64
	if err := c.db.QueryRow(`SELECT SUM(size_bytes) FROM blobs`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Replication records

func (c *SQLiteCatalog) PutReplicas(fileID string, nodes []string) error {
	data, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal replica nodes: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO replicas (file_id, nodes) VALUES (?, ?)
	`, fileID, string(data))
	return err
}

func (c *SQLiteCatalog) GetReplicas(fileID string) ([]string, error) {
	var data string
	err := c.db.QueryRow(`SELECT nodes FROM replicas WHERE file_id = ?`, fileID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var nodes []string
	if err := json.Unmarshal([]byte(data), &nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replica nodes: %w", err)
	}
	return nodes, nil
}

func (c *SQLiteCatalog) DeleteReplicas(fileID string) error {
	_, err := c.db.Exec(`DELETE FROM replicas WHERE file_id = ?`, fileID)
	return err
}

// Shared-with-me records

func (c *SQLiteCatalog) PutShared(rec *models.SharedBlobMetadata) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO shared_blobs
		(id, original_name, size_bytes, checksum, shared_by, shared_at, downloaded, downloaded_at, local_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.OriginalName, rec.SizeBytes, rec.Checksum, rec.SharedBy, rec.SharedAt,
		rec.Downloaded, rec.DownloadedAt, rec.LocalPath)
	return err
}

func (c *SQLiteCatalog) GetShared(fileID string) (*models.SharedBlobMetadata, error) {
	row := c.db.QueryRow(`
		SELECT id, original_name, size_bytes, checksum, shared_by, shared_at, downloaded, downloaded_at, local_path
		FROM shared_blobs WHERE id = ?
	`, fileID)
	return scanShared(row)
}

func (c *SQLiteCatalog) ListShared() ([]*models.SharedBlobMetadata, error) {
	rows, err := c.db.Query(`
		SELECT id, original_name, size_bytes, checksum, shared_by, shared_at, downloaded, downloaded_at, local_path
		FROM shared_blobs ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SharedBlobMetadata
	for rows.Next() {
		rec, err := scanShared(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) DeleteShared(fileID string) error {
	result, err := c.db.Exec(`DELETE FROM shared_blobs WHERE id = ?`, fileID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSharedNotFound
	}
	return nil
}

// Lifecycle

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

func (c *SQLiteCatalog) HealthCheck() error {
	return c.db.Ping()
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBlob(row scanner) (*models.BlobMetadata, error) {
	var meta models.BlobMetadata
	var tagsJSON string

	err := row.Scan(&meta.ID, &meta.OriginalName, &meta.SizeBytes, &meta.Checksum,
		&meta.StoredAt, &meta.AccessCount, &meta.LastAccessedAt, &meta.ReplicationFactor, &tagsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}

	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &meta.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	return &meta, nil
}

func scanShared(row scanner) (*models.SharedBlobMetadata, error) {
	var rec models.SharedBlobMetadata
	var downloadedAt sql.NullTime
	var localPath sql.NullString

	err := row.Scan(&rec.ID, &rec.OriginalName, &rec.SizeBytes, &rec.Checksum,
		&rec.SharedBy, &rec.SharedAt, &rec.Downloaded, &downloadedAt, &localPath)
	if err == sql.ErrNoRows {
		return nil, ErrSharedNotFound
	}
	if err != nil {
		return nil, err
	}

	if downloadedAt.Valid {
		t := downloadedAt.Time
		rec.DownloadedAt = &t
	}
	rec.LocalPath = localPath.String
	return &rec, nil
}
