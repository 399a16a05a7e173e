package storage

import (
	"context"
	"time"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/models"
)

// The agent is the application-side handler for inbound mesh traffic.

// HandleStorageRequest applies a peer's storage instruction
func (a *Agent) HandleStorageRequest(ctx context.Context, env *mesh.StorageEnvelope) *mesh.StorageAck {
	switch env.Operation {
	case models.OpStore, models.OpReplicate:
		return a.acceptReplica(env)
	case models.OpDelete:
		return a.dropReplica(env)
	case models.OpVerify:
		ok, err := a.VerifyIntegrity(env.Descriptor.FileID)
		if err != nil {
			return a.nack(err)
		}
		if !ok {
			return a.nack(errdefs.ChecksumMismatch(env.Descriptor.FileID, env.Descriptor.Checksum, "local content differs"))
		}
		return a.ack()
	case models.OpShare:
		rec := &models.SharedBlobMetadata{
			ID:           env.Descriptor.FileID,
			OriginalName: env.Descriptor.Name,
			SizeBytes:    env.Descriptor.SizeBytes,
			Checksum:     env.Descriptor.Checksum,
			SharedBy:     env.From,
			SharedAt:     time.Now().UTC(),
		}
		if err := a.NotifyShared(rec); err != nil {
			return a.nack(err)
		}
		return a.ack()
	default:
		return a.nack(errdefs.NotImplemented("storage operation " + string(env.Operation)))
	}
}

// acceptReplica stores a pushed copy. Receiving the same replica twice is
// success, not a conflict.
func (a *Agent) acceptReplica(env *mesh.StorageEnvelope) *mesh.StorageAck {
	fileID := env.Descriptor.FileID

	if env.Descriptor.Checksum != "" {
		if actual := ChecksumBytes(env.Data); actual != env.Descriptor.Checksum {
			return a.nack(errdefs.ChecksumMismatch(fileID, env.Descriptor.Checksum, actual))
		}
	}

	resp := a.storeLocal(&models.StorageRequest{
		FileID:            fileID,
		Data:              env.Data,
		ReplicationFactor: env.Descriptor.ReplicationFactor,
		Tags:              env.Descriptor.Tags,
		OriginalName:      env.Descriptor.Name,
	})
	if !resp.Success {
		if resp.Err != nil && resp.Err.Code == errdefs.CodeAlreadyExists {
			return a.ack()
		}
		return &mesh.StorageAck{NodeID: a.nodeID, Success: false, Error: mesh.NewWireError(resp.Err)}
	}

	a.log.Info("Accepted replica",
		logging.String("file_id", fileID),
		logging.String("origin", env.Descriptor.Origin),
		logging.Int64("size_bytes", env.Descriptor.SizeBytes))
	return a.ack()
}

// dropReplica removes a local copy on the origin's request. Removing a
// copy we never had is success.
func (a *Agent) dropReplica(env *mesh.StorageEnvelope) *mesh.StorageAck {
	fileID := env.Descriptor.FileID

	meta, err := a.catalog.GetBlob(fileID)
	if err != nil {
		return a.ack()
	}
	if err := a.blobs.Delete(fileID); err != nil {
		return a.nack(err)
	}
	a.catalog.DeleteBlob(fileID)
	a.catalog.DeleteReplicas(fileID)
	a.release(meta.SizeBytes)

	a.log.Info("Dropped replica on origin request",
		logging.String("file_id", fileID),
		logging.String("origin", env.Descriptor.Origin))
	return a.ack()
}

// HandleFileRequest serves a blob's bytes to a peer
func (a *Agent) HandleFileRequest(ctx context.Context, req *mesh.FileRequest) *mesh.FileResponse {
	meta, err := a.catalog.GetBlob(req.FileID)
	if err != nil {
		return &mesh.FileResponse{
			NodeID: a.nodeID,
			Found:  false,
			Error:  mesh.NewWireError(errdefs.InvalidFileID(req.FileID)),
		}
	}

	data, err := a.blobs.Read(req.FileID)
	if err != nil {
		return &mesh.FileResponse{
			NodeID: a.nodeID,
			Found:  false,
			Error:  mesh.NewWireError(err),
		}
	}

	// The requester verifies against this checksum and skips us if the
	// content is bad, so serve what we have.
	return &mesh.FileResponse{
		NodeID:   a.nodeID,
		Found:    true,
		Data:     data,
		Checksum: meta.Checksum,
	}
}

// HasFile reports whether this node holds the blob's bytes
func (a *Agent) HasFile(fileID string) bool {
	if _, err := a.catalog.GetBlob(fileID); err != nil {
		return false
	}
	return a.blobs.Exists(fileID)
}

func (a *Agent) ack() *mesh.StorageAck {
	return &mesh.StorageAck{NodeID: a.nodeID, Success: true}
}

func (a *Agent) nack(err error) *mesh.StorageAck {
	return &mesh.StorageAck{NodeID: a.nodeID, Success: false, Error: mesh.NewWireError(err)}
}
