// Package storage implements the replication agent: local blob storage,
// best-effort replication to mesh peers, integrity verification, and the
// maintenance cycle that keeps disk usage bounded.
package storage

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"meshvault/pkg/catalog"
	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/metrics"
	"meshvault/pkg/models"
	"meshvault/pkg/retry"
)

// Config holds the storage agent configuration
type Config struct {
	DataDir            string        `yaml:"data_dir"`
	CapacityBytes      int64         `yaml:"capacity_bytes"`
	RetentionAge       time.Duration `yaml:"retention_age"`
	PopularityFloor    int64         `yaml:"popularity_floor"`
	ReplicationTimeout time.Duration `yaml:"replication_timeout"`
	CacheOnRetrieve    bool          `yaml:"cache_on_retrieve"`
}

// DefaultConfig returns storage settings for a single-node deployment
func DefaultConfig() Config {
	return Config{
		DataDir:            "./data",
		CapacityBytes:      10 * 1024 * 1024 * 1024, // 10 GiB
		RetentionAge:       7 * 24 * time.Hour,
		PopularityFloor:    5,
		ReplicationTimeout: 30 * time.Second,
		CacheOnRetrieve:    true,
	}
}

// Agent owns blob storage, replication, retrieval, and integrity
// verification. Blob metadata, replication records, and the capacity
// counter are the only mutable shared state; each is guarded on its own,
// so no lock spans a whole store/retrieve/delete call.
type Agent struct {
	nodeID    string
	cfg       Config
	blobs     *BlobStore
	shared    *BlobStore
	catalog   catalog.Catalog
	transport mesh.Transport
	metrics   *metrics.Metrics
	log       *logging.Logger
	retryCfg  retry.Config

	capMu     sync.Mutex
	usedBytes int64
}

// NewAgent builds the agent, creating the on-disk layout and seeding the
// capacity counter from the catalog.
func NewAgent(nodeID string, cfg Config, cat catalog.Catalog, transport mesh.Transport, m *metrics.Metrics, log *logging.Logger) (*Agent, error) {
	blobs, err := NewBlobStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return nil, err
	}
	shared, err := NewBlobStore(filepath.Join(cfg.DataDir, "shared"))
	if err != nil {
		return nil, err
	}

	if n := blobs.CleanupTemp() + shared.CleanupTemp(); n > 0 {
		log.Info("Removed stale temp files", logging.Int("count", n))
	}

	a := &Agent{
		nodeID:    nodeID,
		cfg:       cfg,
		blobs:     blobs,
		shared:    shared,
		catalog:   cat,
		transport: transport,
		metrics:   m,
		log:       log,
		retryCfg: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
		},
	}

	used, err := cat.TotalBlobBytes()
	if err != nil {
		return nil, err
	}
	sharedRecs, err := cat.ListShared()
	if err != nil {
		return nil, err
	}
	for _, rec := range sharedRecs {
		if rec.Downloaded {
			used += rec.SizeBytes
		}
	}
	a.usedBytes = used

	m.SetUsedBytes(used)
	return a, nil
}

// NodeID returns this agent's node identity
func (a *Agent) NodeID() string {
	return a.nodeID
}

// UsedBytes returns the current capacity counter
func (a *Agent) UsedBytes() int64 {
	a.capMu.Lock()
	defer a.capMu.Unlock()
	return a.usedBytes
}

// CapacityBytes returns the configured capacity ceiling
func (a *Agent) CapacityBytes() int64 {
	return a.cfg.CapacityBytes
}

// reserve claims n bytes of capacity. Check and mutation happen in one
// critical section; on failure the counter is untouched.
func (a *Agent) reserve(n int64) error {
	a.capMu.Lock()
	defer a.capMu.Unlock()

	if a.usedBytes+n > a.cfg.CapacityBytes {
		return errdefs.InsufficientSpace(n, a.cfg.CapacityBytes-a.usedBytes)
	}
	a.usedBytes += n
	a.metrics.SetUsedBytes(a.usedBytes)
	return nil
}

// release returns n bytes of capacity
func (a *Agent) release(n int64) {
	a.capMu.Lock()
	defer a.capMu.Unlock()

	a.usedBytes -= n
	if a.usedBytes < 0 {
		a.usedBytes = 0
	}
	a.metrics.SetUsedBytes(a.usedBytes)
}

// remainingCapacity reports how many bytes a new blob may take
func (a *Agent) remainingCapacity() int64 {
	a.capMu.Lock()
	defer a.capMu.Unlock()
	return a.cfg.CapacityBytes - a.usedBytes
}

// Store writes the blob locally, then replicates it to up to
// replicationFactor-1 peers. Peer failures never fail the store: the
// response lists LOCAL plus whichever peers accepted a copy.
func (a *Agent) Store(ctx context.Context, req *models.StorageRequest) *models.StorageResponse {
	start := time.Now()
	resp := a.storeLocal(req)
	if !resp.Success {
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return resp
	}

	if req.ReplicationFactor > 1 {
		peers := a.replicate(ctx, req.FileID, req.Data, req.ReplicationFactor-1)
		if len(peers) > 0 {
			resp.ReplicatedNodes = append(resp.ReplicatedNodes, peers...)
			if err := a.catalog.PutReplicas(req.FileID, resp.ReplicatedNodes); err != nil {
				a.log.Warn("Failed to persist replication record",
					logging.String("file_id", req.FileID), logging.Error(err))
			}
		}
	}

	a.metrics.ObserveStore(time.Since(start), int64(len(req.Data)), true)
	a.log.Info("Stored blob",
		logging.String("file_id", req.FileID),
		logging.Int64("size_bytes", int64(len(req.Data))),
		logging.Int("replicas", len(resp.ReplicatedNodes)))
	return resp
}

// storeLocal performs the local half of a store
func (a *Agent) storeLocal(req *models.StorageRequest) *models.StorageResponse {
	if err := ValidateFileID(req.FileID); err != nil {
		return failStore(req.FileID, err)
	}
	if _, err := a.catalog.GetBlob(req.FileID); err == nil {
		return failStore(req.FileID, errdefs.AlreadyExists(req.FileID))
	}

	size := int64(len(req.Data))
	if err := a.reserve(size); err != nil {
		return failStore(req.FileID, err)
	}

	checksum, err := a.blobs.Write(req.FileID, req.Data)
	if err != nil {
		a.release(size)
		return failStore(req.FileID, err)
	}

	now := time.Now().UTC()
	meta := &models.BlobMetadata{
		ID:                req.FileID,
		OriginalName:      req.OriginalName,
		SizeBytes:         size,
		Checksum:          checksum,
		StoredAt:          now,
		LastAccessedAt:    now,
		ReplicationFactor: normalizeRF(req.ReplicationFactor),
		Tags:              req.Tags,
	}
	if err := a.catalog.PutBlob(meta); err != nil {
		a.blobs.Delete(req.FileID)
		a.release(size)
		return failStore(req.FileID, errdefs.AsStorageError(err))
	}
	if err := a.catalog.PutReplicas(req.FileID, []string{models.LocalNode}); err != nil {
		a.log.Warn("Failed to persist replication record",
			logging.String("file_id", req.FileID), logging.Error(err))
	}

	return &models.StorageResponse{
		Success:         true,
		FileID:          req.FileID,
		ReplicatedNodes: []string{models.LocalNode},
	}
}

// StoreFromStream stores a blob whose size is unknown up front. The stream
// lands in a temp file first; capacity is claimed once the size is known,
// and the blob is withdrawn if the claim fails.
func (a *Agent) StoreFromStream(ctx context.Context, req *models.StorageRequest, r io.Reader) *models.StorageResponse {
	start := time.Now()

	if err := ValidateFileID(req.FileID); err != nil {
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return failStore(req.FileID, err)
	}
	if _, err := a.catalog.GetBlob(req.FileID); err == nil {
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return failStore(req.FileID, errdefs.AlreadyExists(req.FileID))
	}

	// Bound the stream so a runaway writer cannot blow past capacity on
	// disk before the claim happens.
	remaining := a.remainingCapacity()
	limited := io.LimitReader(r, remaining+1)

	checksum, size, err := a.blobs.WriteFrom(req.FileID, limited)
	if err != nil {
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return failStore(req.FileID, err)
	}
	if size > remaining {
		a.blobs.Delete(req.FileID)
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return failStore(req.FileID, errdefs.InsufficientSpace(size, remaining))
	}
	if err := a.reserve(size); err != nil {
		a.blobs.Delete(req.FileID)
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return failStore(req.FileID, err)
	}

	now := time.Now().UTC()
	meta := &models.BlobMetadata{
		ID:                req.FileID,
		OriginalName:      req.OriginalName,
		SizeBytes:         size,
		Checksum:          checksum,
		StoredAt:          now,
		LastAccessedAt:    now,
		ReplicationFactor: normalizeRF(req.ReplicationFactor),
		Tags:              req.Tags,
	}
	if err := a.catalog.PutBlob(meta); err != nil {
		a.blobs.Delete(req.FileID)
		a.release(size)
		a.metrics.ObserveStore(time.Since(start), 0, false)
		return failStore(req.FileID, errdefs.AsStorageError(err))
	}
	if err := a.catalog.PutReplicas(req.FileID, []string{models.LocalNode}); err != nil {
		a.log.Warn("Failed to persist replication record",
			logging.String("file_id", req.FileID), logging.Error(err))
	}

	resp := &models.StorageResponse{
		Success:         true,
		FileID:          req.FileID,
		ReplicatedNodes: []string{models.LocalNode},
	}

	if req.ReplicationFactor > 1 {
		data, err := a.blobs.Read(req.FileID)
		if err == nil {
			peers := a.replicate(ctx, req.FileID, data, req.ReplicationFactor-1)
			if len(peers) > 0 {
				resp.ReplicatedNodes = append(resp.ReplicatedNodes, peers...)
				if err := a.catalog.PutReplicas(req.FileID, resp.ReplicatedNodes); err != nil {
					a.log.Warn("Failed to persist replication record",
						logging.String("file_id", req.FileID), logging.Error(err))
				}
			}
		} else {
			a.log.Warn("Skipping replication, cannot re-read streamed blob",
				logging.String("file_id", req.FileID), logging.Error(err))
		}
	}

	a.metrics.ObserveStore(time.Since(start), size, true)
	a.log.Info("Stored blob from stream",
		logging.String("file_id", req.FileID),
		logging.Int64("size_bytes", size),
		logging.Int("replicas", len(resp.ReplicatedNodes)))
	return resp
}

// replicate pushes one replica to up to maxPeers mesh nodes, in the order
// the mesh lists them. Each push retries transient failures; a peer that
// keeps failing is skipped, never fatal.
func (a *Agent) replicate(ctx context.Context, fileID string, data []byte, maxPeers int) []string {
	peers, err := a.transport.GetAvailableStorageNodes(ctx)
	if err != nil {
		a.log.Warn("Replication skipped, mesh unavailable",
			logging.String("file_id", fileID), logging.Error(err))
		return nil
	}
	if len(peers) > maxPeers {
		peers = peers[:maxPeers]
	}

	meta, err := a.catalog.GetBlob(fileID)
	if err != nil {
		return nil
	}

	successes := make([]string, 0, len(peers))
	for _, peer := range peers {
		env := &mesh.StorageEnvelope{
			Operation: models.OpReplicate,
			Descriptor: models.BlobDescriptor{
				FileID:    fileID,
				Name:      meta.OriginalName,
				SizeBytes: meta.SizeBytes,
				Checksum:  meta.Checksum,
				// Replicas never fan out again.
				ReplicationFactor: 1,
				Tags:              meta.Tags,
				Origin:            a.nodeID,
			},
			Data: data,
		}

		err := retry.DoRecoverable(ctx, a.retryCfg, func() error {
			pctx, cancel := context.WithTimeout(ctx, a.cfg.ReplicationTimeout)
			defer cancel()

			ack, err := a.transport.SendStorageRequest(pctx, peer, env)
			if err != nil {
				return err
			}
			if !ack.Success {
				if rerr := ack.Error.ToError(); rerr != nil {
					return rerr
				}
				return errdefs.PeerUnreachable(peer, nil)
			}
			return nil
		})

		if err != nil {
			a.metrics.RecordReplication(false)
			a.log.Warn("Replication to peer failed",
				logging.String("file_id", fileID),
				logging.String("peer", peer),
				logging.Error(err))
			continue
		}
		a.metrics.RecordReplication(true)
		successes = append(successes, peer)
	}
	return successes
}

// Retrieve returns the blob's bytes, trying local storage first and then
// each candidate peer in order. Corrupted or unreachable sources are
// skipped; the first verified copy wins.
func (a *Agent) Retrieve(ctx context.Context, req *models.RetrievalRequest) *models.RetrievalResponse {
	return a.retrieve(ctx, req, a.cfg.CacheOnRetrieve)
}

// retrieve is the ordered local-then-peers lookup behind Retrieve. The
// shared-with-me download path reuses it with caching off so the bytes
// land only in the received-files directory.
func (a *Agent) retrieve(ctx context.Context, req *models.RetrievalRequest, cache bool) *models.RetrievalResponse {
	start := time.Now()

	if err := ValidateFileID(req.FileID); err != nil {
		a.metrics.ObserveRetrieve(time.Since(start), "none", false)
		return failRetrieve(err)
	}

	// Local copy first.
	if meta, err := a.catalog.GetBlob(req.FileID); err == nil {
		data, err := a.blobs.Read(req.FileID)
		if err == nil {
			if actual := ChecksumBytes(data); actual == meta.Checksum {
				updated, err := a.catalog.RecordAccess(req.FileID, time.Now().UTC())
				if err != nil {
					updated = meta
				}
				a.metrics.ObserveRetrieve(time.Since(start), "local", true)
				return &models.RetrievalResponse{
					Success:    true,
					Data:       data,
					SourceNode: models.LocalNode,
					Metadata:   updated,
				}
			}
			a.metrics.RecordIntegrityFailure()
			a.log.Warn("Local blob failed verification, trying mesh",
				logging.String("file_id", req.FileID))
		} else {
			a.log.Warn("Local blob unreadable, trying mesh",
				logging.String("file_id", req.FileID), logging.Error(err))
		}
	}

	// Remote copies: caller-preferred nodes first, then the replication
	// record in its stored order. Only when neither names a remote holder
	// does the mesh-wide availability query run.
	candidates := append([]string{}, req.PreferredNodes...)
	if replicas, err := a.catalog.GetReplicas(req.FileID); err == nil {
		candidates = append(candidates, replicas...)
	}
	if !hasRemoteCandidate(candidates, a.nodeID) {
		holders, err := a.transport.QueryFileAvailability(ctx, req.FileID)
		if err != nil {
			a.log.Warn("Availability query failed",
				logging.String("file_id", req.FileID), logging.Error(err))
		}
		candidates = append(candidates, holders...)
	}

	tried := make(map[string]bool, len(candidates))
	for _, node := range candidates {
		if node == models.LocalNode || node == a.nodeID || tried[node] {
			continue
		}
		tried[node] = true
		resp, err := a.transport.RequestFileFromNode(ctx, node, req.FileID)
		if err != nil {
			a.log.Warn("Peer fetch failed, trying next",
				logging.String("file_id", req.FileID),
				logging.String("peer", node),
				logging.Error(err))
			continue
		}
		if !resp.Found || resp.Data == nil {
			continue
		}
		if resp.Checksum != "" && ChecksumBytes(resp.Data) != resp.Checksum {
			a.log.Warn("Peer returned corrupted blob, trying next",
				logging.String("file_id", req.FileID),
				logging.String("peer", node))
			continue
		}

		var meta *models.BlobMetadata
		if cache {
			meta = a.maybeCache(req.FileID, resp.Data, resp.Checksum, node)
		}
		a.metrics.ObserveRetrieve(time.Since(start), "remote", true)
		return &models.RetrievalResponse{
			Success:    true,
			Data:       resp.Data,
			SourceNode: node,
			Metadata:   meta,
		}
	}

	a.metrics.ObserveRetrieve(time.Since(start), "none", false)
	return failRetrieve(errdefs.InvalidFileID(req.FileID))
}

// hasRemoteCandidate reports whether the list names any node other than
// LOCAL and ourselves.
func hasRemoteCandidate(nodes []string, self string) bool {
	for _, n := range nodes {
		if n != models.LocalNode && n != self {
			return true
		}
	}
	return false
}

// maybeCache keeps a remotely fetched blob locally when caching is enabled
// and capacity allows. Failure to cache never fails the retrieve.
func (a *Agent) maybeCache(fileID string, data []byte, checksum, source string) *models.BlobMetadata {
	if !a.cfg.CacheOnRetrieve {
		return nil
	}
	if _, err := a.catalog.GetBlob(fileID); err == nil {
		return nil // already tracked locally
	}

	size := int64(len(data))
	if err := a.reserve(size); err != nil {
		a.log.Debug("Skipping retrieve-side cache, no capacity",
			logging.String("file_id", fileID))
		return nil
	}
	written, err := a.blobs.Write(fileID, data)
	if err != nil {
		a.release(size)
		return nil
	}
	if checksum == "" {
		checksum = written
	}

	now := time.Now().UTC()
	meta := &models.BlobMetadata{
		ID:                fileID,
		SizeBytes:         size,
		Checksum:          checksum,
		StoredAt:          now,
		AccessCount:       1,
		LastAccessedAt:    now,
		ReplicationFactor: 1,
	}
	if err := a.catalog.PutBlob(meta); err != nil {
		a.blobs.Delete(fileID)
		a.release(size)
		return nil
	}
	a.catalog.PutReplicas(fileID, []string{models.LocalNode, source})
	return meta
}

// Delete removes the blob locally and tells every recorded replica holder
// to do the same. Unreachable peers are logged and skipped: the local
// delete already succeeded and the response says so.
func (a *Agent) Delete(ctx context.Context, fileID string) *models.StorageResponse {
	if err := ValidateFileID(fileID); err != nil {
		return failStore(fileID, err)
	}

	// Deleting data that was never stored is not an error: success is
	// defined by the local removal, and removing nothing succeeds.
	meta, metaErr := a.catalog.GetBlob(fileID)

	replicas, _ := a.catalog.GetReplicas(fileID)

	if err := a.blobs.Delete(fileID); err != nil {
		return failStore(fileID, err)
	}
	if err := a.catalog.DeleteBlob(fileID); err != nil && err != catalog.ErrBlobNotFound {
		return failStore(fileID, errdefs.AsStorageError(err))
	}
	a.catalog.DeleteReplicas(fileID)
	if metaErr == nil {
		a.release(meta.SizeBytes)
	}

	for _, node := range replicas {
		if node == models.LocalNode || node == a.nodeID {
			continue
		}
		env := &mesh.StorageEnvelope{
			Operation:  models.OpDelete,
			Descriptor: models.BlobDescriptor{FileID: fileID, Origin: a.nodeID},
		}
		pctx, cancel := context.WithTimeout(ctx, a.cfg.ReplicationTimeout)
		ack, err := a.transport.SendStorageRequest(pctx, node, env)
		cancel()
		if err != nil || !ack.Success {
			a.log.Warn("Replica delete failed, peer keeps its copy",
				logging.String("file_id", fileID),
				logging.String("peer", node))
		}
	}

	a.metrics.RecordDelete()
	a.log.Info("Deleted blob", logging.String("file_id", fileID))
	return &models.StorageResponse{Success: true, FileID: fileID}
}

// VerifyIntegrity recomputes the blob's checksum and compares it to the
// recorded metadata.
func (a *Agent) VerifyIntegrity(fileID string) (bool, error) {
	meta, err := a.catalog.GetBlob(fileID)
	if err != nil {
		return false, errdefs.InvalidFileID(fileID)
	}
	actual, err := a.blobs.Checksum(fileID)
	if err != nil {
		return false, err
	}
	return actual == meta.Checksum, nil
}

// MaintenanceReport summarizes one maintenance cycle
type MaintenanceReport struct {
	EvictedBlobs  int      `json:"evicted_blobs"`
	VerifiedBlobs int      `json:"verified_blobs"`
	CorruptBlobs  []string `json:"corrupt_blobs,omitempty"`
}

// PerformMaintenance runs one maintenance cycle: evict cold unpopular
// blobs, re-verify everything that remains, and kick the rebalance hook.
// Eviction requires both age beyond the retention horizon and an access
// count under the popularity floor; a popular-but-old blob stays.
func (a *Agent) PerformMaintenance(ctx context.Context) *MaintenanceReport {
	report := &MaintenanceReport{}

	blobs, err := a.catalog.ListBlobs()
	if err != nil {
		a.log.Error("Maintenance skipped, cannot list blobs", logging.Error(err))
		return report
	}

	cutoff := time.Now().UTC().Add(-a.cfg.RetentionAge)
	for _, meta := range blobs {
		if ctx.Err() != nil {
			return report
		}

		if meta.LastAccessedAt.Before(cutoff) && meta.AccessCount < a.cfg.PopularityFloor {
			if err := a.evict(meta); err != nil {
				a.log.Warn("Eviction failed",
					logging.String("file_id", meta.ID), logging.Error(err))
				continue
			}
			report.EvictedBlobs++
			continue
		}

		ok, err := a.VerifyIntegrity(meta.ID)
		if err != nil {
			a.log.Warn("Integrity check errored",
				logging.String("file_id", meta.ID), logging.Error(err))
			continue
		}
		report.VerifiedBlobs++
		if !ok {
			// Flagged only; repair needs a re-replication pass.
			report.CorruptBlobs = append(report.CorruptBlobs, meta.ID)
			a.metrics.RecordIntegrityFailure()
			a.log.Warn("Blob failed integrity verification",
				logging.String("file_id", meta.ID))
		}
	}

	if err := a.rebalance(ctx); err != nil && !errdefs.HasCode(err, errdefs.CodeNotImplemented) {
		a.log.Warn("Rebalance pass failed", logging.Error(err))
	}

	if report.EvictedBlobs > 0 || len(report.CorruptBlobs) > 0 {
		a.log.Info("Maintenance cycle finished",
			logging.Int("evicted", report.EvictedBlobs),
			logging.Int("verified", report.VerifiedBlobs),
			logging.Int("corrupt", len(report.CorruptBlobs)))
	}
	return report
}

// evict drops one blob and its bookkeeping
func (a *Agent) evict(meta *models.BlobMetadata) error {
	if err := a.blobs.Delete(meta.ID); err != nil {
		return err
	}
	if err := a.catalog.DeleteBlob(meta.ID); err != nil && err != catalog.ErrBlobNotFound {
		return err
	}
	a.catalog.DeleteReplicas(meta.ID)
	a.release(meta.SizeBytes)
	a.metrics.RecordEviction()
	a.log.Info("Evicted cold blob",
		logging.String("file_id", meta.ID),
		logging.Int64("access_count", meta.AccessCount))
	return nil
}

// rebalance will bring under-replicated blobs back to their requested
// replication factor.
// TODO: walk replication records, diff against requested factors, and
// re-push through replicate().
func (a *Agent) rebalance(ctx context.Context) error {
	return errdefs.NotImplemented("replication rebalancing")
}

// ListBlobs exposes the catalog for the API layer
func (a *Agent) ListBlobs() ([]*models.BlobMetadata, error) {
	return a.catalog.ListBlobs()
}

// GetBlob exposes one blob's metadata for the API layer
func (a *Agent) GetBlob(fileID string) (*models.BlobMetadata, error) {
	return a.catalog.GetBlob(fileID)
}

// Replicas exposes a blob's replication record
func (a *Agent) Replicas(fileID string) ([]string, error) {
	return a.catalog.GetReplicas(fileID)
}

func normalizeRF(rf int) int {
	if rf < 1 {
		return 1
	}
	return rf
}

func failStore(fileID string, err error) *models.StorageResponse {
	return &models.StorageResponse{
		Success: false,
		FileID:  fileID,
		Err:     errdefs.AsStorageError(err),
	}
}

func failRetrieve(err error) *models.RetrievalResponse {
	return &models.RetrievalResponse{
		Success: false,
		Err:     errdefs.AsStorageError(err),
	}
}
