package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"meshvault/pkg/models"
)

// PostgresCatalog implements Catalog on PostgreSQL for deployments where
// several services share one metadata database.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog connects to PostgreSQL and ensures the schema
func NewPostgresCatalog(cfg Config) (*PostgresCatalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	c := &PostgresCatalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCatalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		checksum TEXT NOT NULL,
		stored_at TIMESTAMP NOT NULL,
		access_count BIGINT NOT NULL DEFAULT 0,
		last_accessed_at TIMESTAMP NOT NULL,
		replication_factor INTEGER NOT NULL DEFAULT 1,
		tags JSONB
	);

	CREATE TABLE IF NOT EXISTS replicas (
		file_id TEXT PRIMARY KEY,
		nodes JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shared_blobs (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		checksum TEXT NOT NULL,
		shared_by TEXT NOT NULL,
		shared_at TIMESTAMP NOT NULL,
		downloaded BOOLEAN NOT NULL DEFAULT false,
		downloaded_at TIMESTAMP,
		local_path TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_blobs_last_accessed ON blobs(last_accessed_at);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Blob operations

func (c *PostgresCatalog) PutBlob(meta *models.BlobMetadata) error {
	tags, err := json.Marshal(meta.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO blobs (id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			original_name = EXCLUDED.original_name,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			stored_at = EXCLUDED.stored_at,
			access_count = EXCLUDED.access_count,
			last_accessed_at = EXCLUDED.last_accessed_at,
			replication_factor = EXCLUDED.replication_factor,
			tags = EXCLUDED.tags
	`, meta.ID, meta.OriginalName, meta.SizeBytes, meta.Checksum, meta.StoredAt,
		meta.AccessCount, meta.LastAccessedAt, meta.ReplicationFactor, string(tags))

	return err
}

func (c *PostgresCatalog) GetBlob(fileID string) (*models.BlobMetadata, error) {
	row := c.db.QueryRow(`
		SELECT id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, COALESCE(tags::text, 'null')
		FROM blobs WHERE id = $1
	`, fileID)
	return scanBlob(row)
}

func (c *PostgresCatalog) ListBlobs() ([]*models.BlobMetadata, error) {
	rows, err := c.db.Query(`
		SELECT id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, COALESCE(tags::text, 'null')
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

func (c *PostgresCatalog) DeleteBlob(fileID string) error {
	result, err := c.db.Exec(`DELETE FROM blobs WHERE id = $1`, fileID)
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

func (c *PostgresCatalog) RecordAccess(fileID string, at time.Time) (*models.BlobMetadata, error) {
	row := c.db.QueryRow(`
		UPDATE blobs SET access_count = access_count + 1, last_accessed_at = $1
		WHERE id = $2
		RETURNING id, original_name, size_bytes, checksum, stored_at, access_count, last_accessed_at, replication_factor, COALESCE(tags::text, 'null')
	`, at, fileID)
	return scanBlob(row)
}

func (c *PostgresCatalog) TotalBlobBytes() (int64, error) {
	var total sql.NullInt64
	if err := c.db.QueryRow(`SELECT SUM(size_bytes) FROM blobs`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Replication records

func (c *PostgresCatalog) PutReplicas(fileID string, nodes []string) error {
	data, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal replica nodes: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT INTO replicas (file_id, nodes) VALUES ($1, $2)
		ON CONFLICT (file_id) DO UPDATE SET nodes = EXCLUDED.nodes
	`, fileID, string(data))
	return err
}

func (c *PostgresCatalog) GetReplicas(fileID string) ([]string, error) {
	var data string
	err := c.db.QueryRow(`SELECT nodes::text FROM replicas WHERE file_id = $1`, fileID).Scan(&data)
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

func (c *PostgresCatalog) DeleteReplicas(fileID string) error {
	_, err := c.db.Exec(`DELETE FROM replicas WHERE file_id = $1`, fileID)
	return err
}

// Shared-with-me records

func (c *PostgresCatalog) PutShared(rec *models.SharedBlobMetadata) error {
	_, err := c.db.Exec(`
		INSERT INTO shared_blobs (id, original_name, size_bytes, checksum, shared_by, shared_at, downloaded, downloaded_at, local_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			downloaded = EXCLUDED.downloaded,
			downloaded_at = EXCLUDED.downloaded_at,
			local_path = EXCLUDED.local_path
	`, rec.ID, rec.OriginalName, rec.SizeBytes, rec.Checksum, rec.SharedBy, rec.SharedAt,
		rec.Downloaded, rec.DownloadedAt, rec.LocalPath)
	return err
}

func (c *PostgresCatalog) GetShared(fileID string) (*models.SharedBlobMetadata, error) {
	row := c.db.QueryRow(`
		SELECT id, original_name, size_bytes, checksum, shared_by, shared_at, downloaded, downloaded_at, local_path
		FROM shared_blobs WHERE id = $1
	`, fileID)
	return scanShared(row)
}

func (c *PostgresCatalog) ListShared() ([]*models.SharedBlobMetadata, error) {
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

func (c *PostgresCatalog) DeleteShared(fileID string) error {
	result, err := c.db.Exec(`DELETE FROM shared_blobs WHERE id = $1`, fileID)
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

func (c *PostgresCatalog) Close() error {
	return c.db.Close()
}

func (c *PostgresCatalog) HealthCheck() error {
	return c.db.Ping()
}
