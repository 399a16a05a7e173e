package storage

import (
	"context"
	"time"

	"meshvault/pkg/catalog"
	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/models"
)

// Shared-with-me subprotocol: peers announce blobs by metadata only, and
// the bytes are pulled lazily when the user asks for them.

// NotifyShared records a share announcement. Re-announcing a blob that was
// already downloaded keeps the download state.
func (a *Agent) NotifyShared(rec *models.SharedBlobMetadata) error {
	if err := ValidateFileID(rec.ID); err != nil {
		return err
	}

	if existing, err := a.catalog.GetShared(rec.ID); err == nil && existing.Downloaded {
		existing.OriginalName = rec.OriginalName
		existing.SharedBy = rec.SharedBy
		existing.SharedAt = rec.SharedAt
		return a.catalog.PutShared(existing)
	}

	if rec.SharedAt.IsZero() {
		rec.SharedAt = time.Now().UTC()
	}
	rec.Downloaded = false
	rec.DownloadedAt = nil
	rec.LocalPath = ""

	a.log.Info("Peer shared a blob",
		logging.String("file_id", rec.ID),
		logging.String("shared_by", rec.SharedBy),
		logging.Int64("size_bytes", rec.SizeBytes))
	return a.catalog.PutShared(rec)
}

// SharedWithMe lists every share announcement this node has received
func (a *Agent) SharedWithMe() ([]*models.SharedBlobMetadata, error) {
	return a.catalog.ListShared()
}

// DownloadShared pulls the bytes of a previously announced share from the
// sharing peer, verifies them against the announced checksum, and stores
// them locally. Already-downloaded shares return success immediately.
func (a *Agent) DownloadShared(ctx context.Context, fileID string) *models.DownloadResult {
	rec, err := a.catalog.GetShared(fileID)
	if err != nil {
		return failDownload(fileID, errdefs.InvalidFileID(fileID))
	}
	if rec.Downloaded {
		return &models.DownloadResult{Success: true, FileID: fileID, LocalPath: rec.LocalPath}
	}

	// The retrieve path does the fetching: local copy first, then the
	// sharer, with the usual skip-on-corruption discipline. Caching is
	// off so the only write is into the received-files directory.
	resp := a.retrieve(ctx, &models.RetrievalRequest{
		FileID:         fileID,
		PreferredNodes: []string{rec.SharedBy},
	}, false)
	if !resp.Success {
		return failDownload(fileID, resp.Err)
	}

	actual := ChecksumBytes(resp.Data)
	if rec.Checksum != "" && actual != rec.Checksum {
		return failDownload(fileID, errdefs.ChecksumMismatch(fileID, rec.Checksum, actual))
	}

	size := int64(len(resp.Data))
	if err := a.reserve(size); err != nil {
		return failDownload(fileID, err)
	}
	if _, err := a.shared.Write(fileID, resp.Data); err != nil {
		a.release(size)
		return failDownload(fileID, err)
	}

	now := time.Now().UTC()
	rec.Downloaded = true
	rec.DownloadedAt = &now
	rec.LocalPath = a.shared.Path(fileID)
	rec.SizeBytes = size
	if rec.Checksum == "" {
		rec.Checksum = actual
	}
	if err := a.catalog.PutShared(rec); err != nil {
		a.shared.Delete(fileID)
		a.release(size)
		return failDownload(fileID, errdefs.AsStorageError(err))
	}

	a.log.Info("Downloaded shared blob",
		logging.String("file_id", fileID),
		logging.String("shared_by", rec.SharedBy),
		logging.Int64("size_bytes", size))
	return &models.DownloadResult{Success: true, FileID: fileID, LocalPath: rec.LocalPath}
}

// RemoveShared dismisses a share, deleting the local copy if one was
// downloaded.
func (a *Agent) RemoveShared(fileID string) error {
	rec, err := a.catalog.GetShared(fileID)
	if err != nil {
		if err == catalog.ErrSharedNotFound {
			return errdefs.InvalidFileID(fileID)
		}
		return err
	}

	if rec.Downloaded {
		if err := a.shared.Delete(fileID); err != nil {
			return err
		}
		a.release(rec.SizeBytes)
	}
	return a.catalog.DeleteShared(fileID)
}

// ShareBlob announces a locally held blob to one peer without sending the
// bytes.
func (a *Agent) ShareBlob(ctx context.Context, fileID, peer string) error {
	meta, err := a.catalog.GetBlob(fileID)
	if err != nil {
		return errdefs.InvalidFileID(fileID)
	}

	env := &mesh.StorageEnvelope{
		Operation: models.OpShare,
		Descriptor: models.BlobDescriptor{
			FileID:    meta.ID,
			Name:      meta.OriginalName,
			SizeBytes: meta.SizeBytes,
			Checksum:  meta.Checksum,
			Tags:      meta.Tags,
			Origin:    a.nodeID,
		},
	}

	ack, err := a.transport.SendStorageRequest(ctx, peer, env)
	if err != nil {
		return err
	}
	if !ack.Success {
		if rerr := ack.Error.ToError(); rerr != nil {
			return rerr
		}
		return errdefs.PeerUnreachable(peer, nil)
	}

	a.log.Info("Shared blob with peer",
		logging.String("file_id", fileID),
		logging.String("peer", peer))
	return nil
}

func failDownload(fileID string, err error) *models.DownloadResult {
	return &models.DownloadResult{
		FileID:  fileID,
		Success: false,
		Err:     errdefs.AsStorageError(err),
	}
}
