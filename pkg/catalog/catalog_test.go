package catalog

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshvault/pkg/models"
)

// newTestCatalogs builds one catalog per backend that works without
// external services.
func newTestCatalogs(t *testing.T) map[string]Catalog {
	t.Helper()

	sqlite, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite catalog: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Catalog{
		"memory": NewMemoryCatalog(),
		"sqlite": sqlite,
	}
}

func testBlob(id string, size int64) *models.BlobMetadata {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.BlobMetadata{
		ID:                id,
		OriginalName:      id + ".bin",
		SizeBytes:         size,
		Checksum:          "deadbeef",
		StoredAt:          now,
		LastAccessedAt:    now,
		ReplicationFactor: 2,
		Tags:              []string{"test"},
	}
}

func TestCatalogBlobLifecycle(t *testing.T) {
	for name, cat := range newTestCatalogs(t) {
		t.Run(name, func(t *testing.T) {
			if err := cat.PutBlob(testBlob("blob-1", 1024)); err != nil {
				t.Fatalf("Failed to put blob: %v", err)
			}

			meta, err := cat.GetBlob("blob-1")
			if err != nil {
				t.Fatalf("Failed to get blob: %v", err)
			}
			if meta.SizeBytes != 1024 {
				t.Errorf("Expected size 1024, got %d", meta.SizeBytes)
			}
			if len(meta.Tags) != 1 || meta.Tags[0] != "test" {
				t.Errorf("Expected tags [test], got %v", meta.Tags)
			}

			if err := cat.DeleteBlob("blob-1"); err != nil {
				t.Fatalf("Failed to delete blob: %v", err)
			}
			if _, err := cat.GetBlob("blob-1"); err != ErrBlobNotFound {
				t.Errorf("Expected ErrBlobNotFound after delete, got %v", err)
			}
			if err := cat.DeleteBlob("blob-1"); err != ErrBlobNotFound {
				t.Errorf("Expected ErrBlobNotFound for double delete, got %v", err)
			}
		})
	}
}

func TestCatalogRecordAccess(t *testing.T) {
	for name, cat := range newTestCatalogs(t) {
		t.Run(name, func(t *testing.T) {
			if err := cat.PutBlob(testBlob("blob-1", 10)); err != nil {
				t.Fatalf("Failed to put blob: %v", err)
			}

			at := time.Now().UTC().Truncate(time.Second).Add(time.Hour)
			meta, err := cat.RecordAccess("blob-1", at)
			if err != nil {
				t.Fatalf("Failed to record access: %v", err)
			}
			if meta.AccessCount != 1 {
				t.Errorf("Expected access count 1, got %d", meta.AccessCount)
			}

			meta, err = cat.RecordAccess("blob-1", at.Add(time.Minute))
			if err != nil {
				t.Fatalf("Failed to record second access: %v", err)
			}
			if meta.AccessCount != 2 {
				t.Errorf("Expected access count 2, got %d", meta.AccessCount)
			}

			if _, err := cat.RecordAccess("ghost", at); err != ErrBlobNotFound {
				t.Errorf("Expected ErrBlobNotFound for unknown blob, got %v", err)
			}
		})
	}
}

func TestCatalogTotalBlobBytes(t *testing.T) {
	for name, cat := range newTestCatalogs(t) {
		t.Run(name, func(t *testing.T) {
			total, err := cat.TotalBlobBytes()
			if err != nil {
				t.Fatalf("Failed to sum empty catalog: %v", err)
			}
			if total != 0 {
				t.Errorf("Expected 0 bytes for empty catalog, got %d", total)
			}

			cat.PutBlob(testBlob("a", 100))
			cat.PutBlob(testBlob("b", 250))

			total, err = cat.TotalBlobBytes()
			if err != nil {
				t.Fatalf("Failed to sum catalog: %v", err)
			}
			if total != 350 {
				t.Errorf("Expected 350 bytes, got %d", total)
			}
		})
	}
}

func TestCatalogReplicaRecords(t *testing.T) {
	for name, cat := range newTestCatalogs(t) {
		t.Run(name, func(t *testing.T) {
			nodes, err := cat.GetReplicas("blob-1")
			if err != nil {
				t.Fatalf("Failed to get replicas: %v", err)
			}
			if nodes != nil {
				t.Errorf("Expected nil for unknown file, got %v", nodes)
			}

			want := []string{models.LocalNode, "node-a", "node-b"}
			if err := cat.PutReplicas("blob-1", want); err != nil {
				t.Fatalf("Failed to put replicas: %v", err)
			}

			nodes, err = cat.GetReplicas("blob-1")
			if err != nil {
				t.Fatalf("Failed to get replicas: %v", err)
			}
			if len(nodes) != 3 || nodes[0] != models.LocalNode {
				t.Errorf("Expected %v, got %v", want, nodes)
			}

			if err := cat.DeleteReplicas("blob-1"); err != nil {
				t.Fatalf("Failed to delete replicas: %v", err)
			}
			nodes, _ = cat.GetReplicas("blob-1")
			if nodes != nil {
				t.Errorf("Expected nil after delete, got %v", nodes)
			}
		})
	}
}

func TestCatalogSharedLifecycle(t *testing.T) {
	for name, cat := range newTestCatalogs(t) {
		t.Run(name, func(t *testing.T) {
			rec := &models.SharedBlobMetadata{
				ID:           "shared-1",
				OriginalName: "dataset.bin",
				SizeBytes:    2048,
				Checksum:     "cafe",
				SharedBy:     "node-b",
				SharedAt:     time.Now().UTC().Truncate(time.Second),
			}
			if err := cat.PutShared(rec); err != nil {
				t.Fatalf("Failed to put shared record: %v", err)
			}

			got, err := cat.GetShared("shared-1")
			if err != nil {
				t.Fatalf("Failed to get shared record: %v", err)
			}
			if got.Downloaded {
				t.Error("Expected new shared record to be not downloaded")
			}
			if got.SharedBy != "node-b" {
				t.Errorf("Expected sharer node-b, got %s", got.SharedBy)
			}

			// Mark downloaded
			now := time.Now().UTC().Truncate(time.Second)
			got.Downloaded = true
			got.DownloadedAt = &now
			got.LocalPath = "/data/blobs/sh/ared-1"
			if err := cat.PutShared(got); err != nil {
				t.Fatalf("Failed to update shared record: %v", err)
			}

			got, err = cat.GetShared("shared-1")
			if err != nil {
				t.Fatalf("Failed to reload shared record: %v", err)
			}
			if !got.Downloaded || got.DownloadedAt == nil || got.LocalPath == "" {
				t.Errorf("Expected download fields to persist, got %+v", got)
			}

			if err := cat.DeleteShared("shared-1"); err != nil {
				t.Fatalf("Failed to delete shared record: %v", err)
			}
			if _, err := cat.GetShared("shared-1"); err != ErrSharedNotFound {
				t.Errorf("Expected ErrSharedNotFound after delete, got %v", err)
			}
		})
	}
}

// TestSQLiteCatalogConcurrentAccess checks that concurrent writers don't
// trip over database locks.
func TestSQLiteCatalogConcurrentAccess(t *testing.T) {
	cat, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	defer cat.Close()

	numBlobs := 20
	var wg sync.WaitGroup
	errCh := make(chan error, numBlobs)

	for i := 0; i < numBlobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := cat.PutBlob(testBlob(fmt.Sprintf("blob-%d", idx), int64(idx))); err != nil {
				errCh <- fmt.Errorf("blob %d write failed: %w", idx, err)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("Concurrent write error: %v", err)
	}

	blobs, err := cat.ListBlobs()
	if err != nil {
		t.Fatalf("Failed to list blobs: %v", err)
	}
	if len(blobs) != numBlobs {
		t.Errorf("Expected %d blobs, got %d", numBlobs, len(blobs))
	}
}
