package storage

import (
	"bytes"
	"context"
	"testing"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/mesh"
	"meshvault/pkg/models"
)

func replicaEnvelope(fileID string, data []byte) *mesh.StorageEnvelope {
	return &mesh.StorageEnvelope{
		From:      "origin-node",
		Operation: models.OpReplicate,
		Descriptor: models.BlobDescriptor{
			FileID:            fileID,
			Name:              fileID + ".bin",
			SizeBytes:         int64(len(data)),
			Checksum:          ChecksumBytes(data),
			ReplicationFactor: 1,
			Origin:            "origin-node",
		},
		Data: data,
	}
}

func TestHandleStorageRequestAcceptsReplica(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)
	payload := []byte("replica payload")

	ack := agent.HandleStorageRequest(context.Background(), replicaEnvelope("rep-1", payload))
	if !ack.Success {
		t.Fatalf("Failed to accept replica: %v", ack.Error)
	}

	got, err := agent.blobs.Read("rep-1")
	if err != nil {
		t.Fatalf("Failed to read stored replica: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Expected replica bytes on disk")
	}

	meta, err := agent.GetBlob("rep-1")
	if err != nil {
		t.Fatalf("Failed to load replica metadata: %v", err)
	}
	if meta.ReplicationFactor != 1 {
		t.Errorf("Expected pushed replica to keep factor 1, got %d", meta.ReplicationFactor)
	}
}

func TestHandleStorageRequestReplicaIdempotent(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)
	env := replicaEnvelope("rep-1", []byte("same bytes"))

	if ack := agent.HandleStorageRequest(context.Background(), env); !ack.Success {
		t.Fatalf("Failed to accept replica: %v", ack.Error)
	}
	if ack := agent.HandleStorageRequest(context.Background(), env); !ack.Success {
		t.Error("Expected duplicate replica push to succeed")
	}
	if agent.UsedBytes() != int64(len("same bytes")) {
		t.Errorf("Expected duplicate push to not double-count capacity, got %d", agent.UsedBytes())
	}
}

func TestHandleStorageRequestRejectsCorruptReplica(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	env := replicaEnvelope("rep-1", []byte("original"))
	env.Data = []byte("mangled!") // checksum no longer matches

	ack := agent.HandleStorageRequest(context.Background(), env)
	if ack.Success {
		t.Fatal("Expected corrupt replica to be rejected")
	}
	if ack.Error == nil || ack.Error.Code != errdefs.CodeChecksumMismatch {
		t.Errorf("Expected CHECKSUM_MISMATCH, got %+v", ack.Error)
	}
	if agent.HasFile("rep-1") {
		t.Error("Expected nothing stored for a rejected replica")
	}
	if agent.UsedBytes() != 0 {
		t.Errorf("Expected no capacity consumed, got %d", agent.UsedBytes())
	}
}

func TestHandleStorageRequestDropReplica(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	agent.HandleStorageRequest(context.Background(), replicaEnvelope("rep-1", []byte("bytes")))

	drop := &mesh.StorageEnvelope{
		From:       "origin-node",
		Operation:  models.OpDelete,
		Descriptor: models.BlobDescriptor{FileID: "rep-1", Origin: "origin-node"},
	}
	if ack := agent.HandleStorageRequest(context.Background(), drop); !ack.Success {
		t.Fatalf("Failed to drop replica: %v", ack.Error)
	}
	if agent.HasFile("rep-1") {
		t.Error("Expected replica gone after drop")
	}
	if agent.UsedBytes() != 0 {
		t.Errorf("Expected capacity released, got %d", agent.UsedBytes())
	}

	// Dropping a copy we never had is success.
	drop.Descriptor.FileID = "never-here"
	if ack := agent.HandleStorageRequest(context.Background(), drop); !ack.Success {
		t.Error("Expected drop of absent replica to succeed")
	}
}

func TestHandleStorageRequestVerify(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)
	payload := []byte("verify these bytes")

	agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: payload, ReplicationFactor: 1})

	verify := &mesh.StorageEnvelope{
		Operation: models.OpVerify,
		Descriptor: models.BlobDescriptor{
			FileID:   "blob-1",
			Checksum: ChecksumBytes(payload),
		},
	}
	if ack := agent.HandleStorageRequest(context.Background(), verify); !ack.Success {
		t.Errorf("Expected verification to pass: %v", ack.Error)
	}

	verify.Descriptor.FileID = "ghost"
	if ack := agent.HandleStorageRequest(context.Background(), verify); ack.Success {
		t.Error("Expected verification of unknown blob to fail")
	}
}

func TestHandleStorageRequestShare(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	share := &mesh.StorageEnvelope{
		From:      "friend",
		Operation: models.OpShare,
		Descriptor: models.BlobDescriptor{
			FileID:    "their-blob",
			Name:      "dataset.csv",
			SizeBytes: 2048,
			Checksum:  "abc123",
		},
	}
	if ack := agent.HandleStorageRequest(context.Background(), share); !ack.Success {
		t.Fatalf("Failed to record share: %v", ack.Error)
	}

	shares, err := agent.SharedWithMe()
	if err != nil {
		t.Fatalf("Failed to list shares: %v", err)
	}
	if len(shares) != 1 {
		t.Fatalf("Expected one share, got %d", len(shares))
	}
	if shares[0].SharedBy != "friend" || shares[0].Downloaded {
		t.Errorf("Expected pending share from friend, got %+v", shares[0])
	}
}

func TestHandleStorageRequestUnknownOperation(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	ack := agent.HandleStorageRequest(context.Background(), &mesh.StorageEnvelope{
		Operation:  models.StorageOperation("DEFRAGMENT"),
		Descriptor: models.BlobDescriptor{FileID: "x"},
	})
	if ack.Success {
		t.Fatal("Expected unknown operation to be rejected")
	}
	if ack.Error == nil || ack.Error.Code != errdefs.CodeNotImplemented {
		t.Errorf("Expected NOT_IMPLEMENTED, got %+v", ack.Error)
	}
}

func TestHandleFileRequest(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)
	payload := []byte("serve me")

	agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: payload, ReplicationFactor: 1})

	resp := agent.HandleFileRequest(context.Background(), &mesh.FileRequest{From: "peer", FileID: "blob-1"})
	if !resp.Found {
		t.Fatalf("Expected blob to be served: %v", resp.Error)
	}
	if !bytes.Equal(resp.Data, payload) {
		t.Error("Expected served bytes to match")
	}
	if resp.Checksum != ChecksumBytes(payload) {
		t.Error("Expected served checksum to match content")
	}

	missing := agent.HandleFileRequest(context.Background(), &mesh.FileRequest{From: "peer", FileID: "ghost"})
	if missing.Found {
		t.Fatal("Expected unknown blob to report not found")
	}
	if missing.Error == nil || missing.Error.Code != errdefs.CodeInvalidFileID {
		t.Errorf("Expected INVALID_FILE_ID, got %+v", missing.Error)
	}
}

func TestHasFile(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	if agent.HasFile("blob-1") {
		t.Error("Expected HasFile false before store")
	}
	agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("x"), ReplicationFactor: 1})
	if !agent.HasFile("blob-1") {
		t.Error("Expected HasFile true after store")
	}
}
