package models

import (
	"time"

	"meshvault/pkg/errdefs"
)

// BlobMetadata describes a blob held locally. Created on successful store,
// mutated on each successful read (access statistics), removed on delete or
// maintenance eviction.
type BlobMetadata struct {
	ID                string    `json:"id"`
	OriginalName      string    `json:"original_name"`
	SizeBytes         int64     `json:"size_bytes"`
	Checksum          string    `json:"checksum"` // hex SHA-256 of the content
	StoredAt          time.Time `json:"stored_at"`
	AccessCount       int64     `json:"access_count"`
	LastAccessedAt    time.Time `json:"last_accessed_at"`
	ReplicationFactor int       `json:"replication_factor"`
	Tags              []string  `json:"tags,omitempty"`
}

// SharedBlobMetadata describes a blob a peer advertised to us but whose
// bytes we have not necessarily fetched yet (lazy download model).
type SharedBlobMetadata struct {
	ID           string     `json:"id"`
	OriginalName string     `json:"original_name"`
	SizeBytes    int64      `json:"size_bytes"`
	Checksum     string     `json:"checksum"`
	SharedBy     string     `json:"shared_by"`
	SharedAt     time.Time  `json:"shared_at"`
	Downloaded   bool       `json:"downloaded"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	LocalPath    string     `json:"local_path,omitempty"`
}

// StorageRequest carries one store call. Immutable, constructed per call.
type StorageRequest struct {
	FileID            string   `json:"file_id"`
	Data              []byte   `json:"data,omitempty"`
	ReplicationFactor int      `json:"replication_factor"`
	Tags              []string `json:"tags,omitempty"`
	Priority          int      `json:"priority,omitempty"`
	OriginalName      string   `json:"original_name,omitempty"`
}

// RetrievalRequest carries one retrieve call. Immutable, constructed per call.
type RetrievalRequest struct {
	FileID         string   `json:"file_id"`
	PreferredNodes []string `json:"preferred_nodes,omitempty"`
	MaxLatencyMs   int64    `json:"max_latency_ms,omitempty"`
}

// StorageResponse is the structured result of a store call. Partial
// replication is a success: ReplicatedNodes lists LOCAL plus every peer
// that accepted a copy, which may be fewer than requested.
type StorageResponse struct {
	Success         bool                  `json:"success"`
	FileID          string                `json:"file_id"`
	ReplicatedNodes []string              `json:"replicated_nodes,omitempty"`
	Err             *errdefs.StorageError `json:"error,omitempty"`
}

// RetrievalResponse is the structured result of a retrieve call
type RetrievalResponse struct {
	Success    bool                  `json:"success"`
	Data       []byte                `json:"-"`
	SourceNode string                `json:"source_node,omitempty"`
	Metadata   *BlobMetadata         `json:"metadata,omitempty"`
	Err        *errdefs.StorageError `json:"error,omitempty"`
}

// ReplicationResult records the outcome of pushing one replica to one peer
type ReplicationResult struct {
	NodeID  string                `json:"node_id"`
	Success bool                  `json:"success"`
	Err     *errdefs.StorageError `json:"error,omitempty"`
}

// DownloadResult records the outcome of pulling one shared blob
type DownloadResult struct {
	FileID    string                `json:"file_id"`
	Success   bool                  `json:"success"`
	LocalPath string                `json:"local_path,omitempty"`
	Err       *errdefs.StorageError `json:"error,omitempty"`
}
