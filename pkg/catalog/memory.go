package catalog

import (
	"sort"
	"sync"
	"time"

	"meshvault/pkg/models"
)

// MemoryCatalog is an in-memory catalog. Entries are copied in and out so
// callers never share mutable state with the catalog.
type MemoryCatalog struct {
	blobs    map[string]models.BlobMetadata
	replicas map[string][]string
	shared   map[string]models.SharedBlobMetadata

	blobsMu    sync.RWMutex
	replicasMu sync.RWMutex
	sharedMu   sync.RWMutex
}

// NewMemoryCatalog creates an empty in-memory catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		blobs:    make(map[string]models.BlobMetadata),
		replicas: make(map[string][]string),
		shared:   make(map[string]models.SharedBlobMetadata),
	}
}

// Blob operations

func (c *MemoryCatalog) PutBlob(meta *models.BlobMetadata) error {
	c.blobsMu.Lock()
	defer c.blobsMu.Unlock()

	c.blobs[meta.ID] = *meta
	return nil
}

func (c *MemoryCatalog) GetBlob(fileID string) (*models.BlobMetadata, error) {
	c.blobsMu.RLock()
	defer c.blobsMu.RUnlock()

	meta, ok := c.blobs[fileID]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return &meta, nil
}

func (c *MemoryCatalog) ListBlobs() ([]*models.BlobMetadata, error) {
	c.blobsMu.RLock()
	defer c.blobsMu.RUnlock()

	out := make([]*models.BlobMetadata, 0, len(c.blobs))
	for _, meta := range c.blobs {
		m := meta
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) DeleteBlob(fileID string) error {
	c.blobsMu.Lock()
	defer c.blobsMu.Unlock()

	if _, ok := c.blobs[fileID]; !ok {
		return ErrBlobNotFound
	}
	delete(c.blobs, fileID)
	return nil
}

func (c *MemoryCatalog) RecordAccess(fileID string, at time.Time) (*models.BlobMetadata, error) {
	c.blobsMu.Lock()
	defer c.blobsMu.Unlock()

	meta, ok := c.blobs[fileID]
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta.AccessCount++
	meta.LastAccessedAt = at
	c.blobs[fileID] = meta
	return &meta, nil
}

func (c *MemoryCatalog) TotalBlobBytes() (int64, error) {
	c.blobsMu.RLock()
	defer c.blobsMu.RUnlock()

	var total int64
	for _, meta := range c.blobs {
		total += meta.SizeBytes
	}
	return total, nil
}

// Replication records

func (c *MemoryCatalog) PutReplicas(fileID string, nodes []string) error {
	c.replicasMu.Lock()
	defer c.replicasMu.Unlock()

	c.replicas[fileID] = append([]string{}, nodes...)
	return nil
}

func (c *MemoryCatalog) GetReplicas(fileID string) ([]string, error) {
	c.replicasMu.RLock()
	defer c.replicasMu.RUnlock()

	nodes, ok := c.replicas[fileID]
	if !ok {
		return nil, nil
	}
	return append([]string{}, nodes...), nil
}

func (c *MemoryCatalog) DeleteReplicas(fileID string) error {
	c.replicasMu.Lock()
	defer c.replicasMu.Unlock()

	delete(c.replicas, fileID)
	return nil
}

// Shared-with-me records

func (c *MemoryCatalog) PutShared(rec *models.SharedBlobMetadata) error {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()

	c.shared[rec.ID] = *rec
	return nil
}

func (c *MemoryCatalog) GetShared(fileID string) (*models.SharedBlobMetadata, error) {
	c.sharedMu.RLock()
	defer c.sharedMu.RUnlock()

	rec, ok := c.shared[fileID]
	if !ok {
		return nil, ErrSharedNotFound
	}
	return &rec, nil
}

func (c *MemoryCatalog) ListShared() ([]*models.SharedBlobMetadata, error) {
	c.sharedMu.RLock()
	defer c.sharedMu.RUnlock()

	out := make([]*models.SharedBlobMetadata, 0, len(c.shared))
	for _, rec := range c.shared {
		r := rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) DeleteShared(fileID string) error {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()

	if _, ok := c.shared[fileID]; !ok {
		return ErrSharedNotFound
	}
	delete(c.shared, fileID)
	return nil
}

// Lifecycle

func (c *MemoryCatalog) Close() error {
	return nil
}

func (c *MemoryCatalog) HealthCheck() error {
	return nil
}
