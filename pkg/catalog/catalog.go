// Package catalog persists blob metadata, replication records, and
// shared-with-me entries. Three backends implement the same interface:
// memory for tests, SQLite for single-node deployments, PostgreSQL for
// shared deployments.
package catalog

import (
	"errors"
	"time"

	"meshvault/pkg/models"
)

var (
	ErrBlobNotFound   = errors.New("blob not found")
	ErrSharedNotFound = errors.New("shared record not found")
)

// Catalog is the metadata persistence boundary of the storage agent.
// Implementations must make each call atomic with respect to its key.
type Catalog interface {
	// Blob metadata
	PutBlob(meta *models.BlobMetadata) error
	GetBlob(fileID string) (*models.BlobMetadata, error)
	ListBlobs() ([]*models.BlobMetadata, error)
	DeleteBlob(fileID string) error
	// RecordAccess bumps the access counter and last-access time in one
	// step and returns the updated metadata.
	RecordAccess(fileID string, at time.Time) (*models.BlobMetadata, error)
	// TotalBlobBytes sums the sizes of all tracked blobs. Used to seed
	// the capacity counter at startup.
	TotalBlobBytes() (int64, error)

	// Replication records: fileID -> node IDs holding a copy
	PutReplicas(fileID string, nodes []string) error
	GetReplicas(fileID string) ([]string, error)
	DeleteReplicas(fileID string) error

	// Shared-with-me records
	PutShared(rec *models.SharedBlobMetadata) error
	GetShared(fileID string) (*models.SharedBlobMetadata, error)
	ListShared() ([]*models.SharedBlobMetadata, error)
	DeleteShared(fileID string) error

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config selects and configures a catalog backend
type Config struct {
	Type string `yaml:"type"` // "memory", "sqlite" or "postgres"
	Path string `yaml:"path"` // SQLite database file
	DSN  string `yaml:"dsn"`  // PostgreSQL connection string

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// New creates a catalog based on configuration
func New(cfg Config) (Catalog, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewPostgresCatalog(cfg)
	case "memory":
		return NewMemoryCatalog(), nil
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "meshvault.db"
		}
		return NewSQLiteCatalog(path)
	default:
		return nil, errors.New("unsupported catalog type: " + cfg.Type)
	}
}
