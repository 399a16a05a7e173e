package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"sync"
	"testing"
	"time"

	"meshvault/pkg/catalog"
	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/metrics"
	"meshvault/pkg/models"
)

// fakeTransport scripts peer behavior per node ID
type fakeTransport struct {
	mu        sync.Mutex
	nodes     []string
	nodesErr  error
	ackErr    map[string]error              // node -> error from SendStorageRequest
	nackWith  map[string]*mesh.WireError    // node -> failure ack
	files     map[string]*mesh.FileResponse // node -> response to any file request
	fileErr   map[string]error
	holders   []string
	sent      []mesh.StorageEnvelope
	announced int
}

func newFakeTransport(nodes ...string) *fakeTransport {
	return &fakeTransport{
		nodes:    nodes,
		ackErr:   make(map[string]error),
		nackWith: make(map[string]*mesh.WireError),
		files:    make(map[string]*mesh.FileResponse),
		fileErr:  make(map[string]error),
	}
}

func (f *fakeTransport) SendStorageRequest(ctx context.Context, nodeID string, env *mesh.StorageEnvelope) (*mesh.StorageAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, *env)
	if err, ok := f.ackErr[nodeID]; ok {
		return nil, err
	}
	if werr, ok := f.nackWith[nodeID]; ok {
		return &mesh.StorageAck{NodeID: nodeID, Success: false, Error: werr}, nil
	}
	return &mesh.StorageAck{NodeID: nodeID, Success: true}, nil
}

func (f *fakeTransport) RequestFileFromNode(ctx context.Context, nodeID, fileID string) (*mesh.FileResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.fileErr[nodeID]; ok {
		return nil, err
	}
	if resp, ok := f.files[nodeID]; ok {
		return resp, nil
	}
	return &mesh.FileResponse{NodeID: nodeID, Found: false}, nil
}

func (f *fakeTransport) GetAvailableStorageNodes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.nodesErr != nil {
		return nil, f.nodesErr
	}
	return append([]string{}, f.nodes...), nil
}

func (f *fakeTransport) QueryFileAvailability(ctx context.Context, fileID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.holders...), nil
}

func (f *fakeTransport) BroadcastStorageCapability(ctx context.Context, ann *models.CapabilityAnnouncement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced++
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestAgent(t *testing.T, transport mesh.Transport, capacity int64) *Agent {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.CapacityBytes = capacity
	cfg.ReplicationTimeout = 2 * time.Second

	agent, err := NewAgent("self", cfg, catalog.NewMemoryCatalog(), transport, metrics.New(), logging.NewNop())
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	return agent
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	payload := []byte("the quick brown fox")
	resp := agent.Store(context.Background(), &models.StorageRequest{
		FileID:            "blob-1",
		Data:              payload,
		ReplicationFactor: 1,
		OriginalName:      "fox.txt",
	})
	if !resp.Success {
		t.Fatalf("Failed to store: %v", resp.Err)
	}

	got := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "blob-1"})
	if !got.Success {
		t.Fatalf("Failed to retrieve: %v", got.Err)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Error("Expected retrieved bytes to match stored bytes")
	}
	if got.SourceNode != models.LocalNode {
		t.Errorf("Expected source LOCAL, got %s", got.SourceNode)
	}
	if got.Metadata.Checksum != ChecksumBytes(payload) {
		t.Error("Expected metadata checksum to match content")
	}
	if got.Metadata.AccessCount != 1 {
		t.Errorf("Expected access count 1 after first read, got %d", got.Metadata.AccessCount)
	}
}

func TestStoreDuplicateFileID(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	first := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("a"), ReplicationFactor: 1})
	if !first.Success {
		t.Fatalf("Failed to store: %v", first.Err)
	}

	second := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("b"), ReplicationFactor: 1})
	if second.Success {
		t.Fatal("Expected duplicate store to fail")
	}
	if second.Err.Code != errdefs.CodeAlreadyExists {
		t.Errorf("Expected ALREADY_EXISTS, got %s", second.Err.Code)
	}
}

func TestStoreInvalidFileID(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		resp := agent.Store(context.Background(), &models.StorageRequest{FileID: id, Data: []byte("x"), ReplicationFactor: 1})
		if resp.Success {
			t.Errorf("Expected store of %q to fail", id)
			continue
		}
		if resp.Err.Code != errdefs.CodeInvalidFileID {
			t.Errorf("Expected INVALID_FILE_ID for %q, got %s", id, resp.Err.Code)
		}
	}
}

func TestStoreCapacityInvariant(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 100)

	ok := agent.Store(context.Background(), &models.StorageRequest{FileID: "fits", Data: make([]byte, 60), ReplicationFactor: 1})
	if !ok.Success {
		t.Fatalf("Failed to store within capacity: %v", ok.Err)
	}
	if agent.UsedBytes() != 60 {
		t.Fatalf("Expected 60 used bytes, got %d", agent.UsedBytes())
	}

	full := agent.Store(context.Background(), &models.StorageRequest{FileID: "too-big", Data: make([]byte, 60), ReplicationFactor: 1})
	if full.Success {
		t.Fatal("Expected store beyond capacity to fail")
	}
	if full.Err.Code != errdefs.CodeInsufficientSpace {
		t.Errorf("Expected INSUFFICIENT_SPACE, got %s", full.Err.Code)
	}
	if agent.UsedBytes() != 60 {
		t.Errorf("Expected used bytes unchanged at 60 after rejection, got %d", agent.UsedBytes())
	}
	if _, err := agent.GetBlob("too-big"); err == nil {
		t.Error("Expected no metadata for the rejected blob")
	}
}

func TestStoreWithNoPeersReplicatesLocalOnly(t *testing.T) {
	// A mesh with zero reachable peers still stores successfully with
	// exactly the local copy.
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	resp := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("data"), ReplicationFactor: 3})
	if !resp.Success {
		t.Fatalf("Failed to store: %v", resp.Err)
	}
	if len(resp.ReplicatedNodes) != 1 || resp.ReplicatedNodes[0] != models.LocalNode {
		t.Errorf("Expected exactly [LOCAL], got %v", resp.ReplicatedNodes)
	}
}

func TestStoreReplicatesToAvailablePeers(t *testing.T) {
	// 1MB at replication factor 3 against a mesh advertising two nodes:
	// success, LOCAL plus at most two peer replicas.
	transport := newFakeTransport("n1", "n2")
	agent := newTestAgent(t, transport, 4<<20)

	payload := make([]byte, 1<<20)
	rand.Read(payload)

	resp := agent.Store(context.Background(), &models.StorageRequest{FileID: "big-blob", Data: payload, ReplicationFactor: 3})
	if !resp.Success {
		t.Fatalf("Failed to store: %v", resp.Err)
	}
	if resp.ReplicatedNodes[0] != models.LocalNode {
		t.Errorf("Expected LOCAL first, got %v", resp.ReplicatedNodes)
	}
	if len(resp.ReplicatedNodes) != 3 {
		t.Errorf("Expected LOCAL plus 2 peers, got %v", resp.ReplicatedNodes)
	}

	replicas, _ := agent.Replicas("big-blob")
	if len(replicas) != 3 {
		t.Errorf("Expected replication record with 3 entries, got %v", replicas)
	}

	for _, env := range transport.sent {
		if env.Operation != models.OpReplicate {
			t.Errorf("Expected REPLICATE pushes, got %s", env.Operation)
		}
		if env.Descriptor.ReplicationFactor != 1 {
			t.Errorf("Expected pushed replicas to carry factor 1, got %d", env.Descriptor.ReplicationFactor)
		}
	}
}

func TestStoreSurvivesPeerRejection(t *testing.T) {
	// One peer rejects with a non-recoverable error; the store still
	// succeeds with the peers that accepted.
	transport := newFakeTransport("n1", "n2")
	transport.nackWith["n1"] = mesh.NewWireError(errdefs.InsufficientSpace(10, 0))
	agent := newTestAgent(t, transport, 1<<20)

	resp := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("data"), ReplicationFactor: 3})
	if !resp.Success {
		t.Fatalf("Failed to store: %v", resp.Err)
	}
	if len(resp.ReplicatedNodes) != 2 {
		t.Fatalf("Expected [LOCAL n2], got %v", resp.ReplicatedNodes)
	}
	if resp.ReplicatedNodes[0] != models.LocalNode || resp.ReplicatedNodes[1] != "n2" {
		t.Errorf("Expected [LOCAL n2], got %v", resp.ReplicatedNodes)
	}
}

func TestRetrieveSkipsCorruptedPeer(t *testing.T) {
	// The replication record names the corrupt peer before the good one;
	// the retrieve must come back from the second.
	payload := []byte("good content")
	checksum := ChecksumBytes(payload)

	transport := newFakeTransport()
	transport.files["bad-node"] = &mesh.FileResponse{
		NodeID: "bad-node", Found: true,
		Data:     []byte("tampered!!"),
		Checksum: checksum,
	}
	transport.files["good-node"] = &mesh.FileResponse{
		NodeID: "good-node", Found: true,
		Data:     payload,
		Checksum: checksum,
	}
	agent := newTestAgent(t, transport, 1<<20)
	agent.catalog.PutReplicas("blob-1", []string{"bad-node", "good-node"})

	resp := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "blob-1"})
	if !resp.Success {
		t.Fatalf("Failed to retrieve: %v", resp.Err)
	}
	if resp.SourceNode != "good-node" {
		t.Errorf("Expected good-node as source, got %s", resp.SourceNode)
	}
	if !bytes.Equal(resp.Data, payload) {
		t.Error("Expected the uncorrupted payload")
	}
}

func TestRetrieveSkipsUnreachablePeer(t *testing.T) {
	payload := []byte("reachable content")

	transport := newFakeTransport()
	transport.fileErr["down-node"] = errdefs.PeerUnreachable("down-node", nil)
	transport.files["up-node"] = &mesh.FileResponse{
		NodeID: "up-node", Found: true,
		Data:     payload,
		Checksum: ChecksumBytes(payload),
	}
	agent := newTestAgent(t, transport, 1<<20)
	agent.catalog.PutReplicas("blob-1", []string{"down-node", "up-node"})

	resp := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "blob-1"})
	if !resp.Success {
		t.Fatalf("Failed to retrieve: %v", resp.Err)
	}
	if resp.SourceNode != "up-node" {
		t.Errorf("Expected up-node as source, got %s", resp.SourceNode)
	}
}

func TestRetrieveFollowsReplicationRecord(t *testing.T) {
	// The local bytes are gone and the mesh-wide availability query finds
	// nothing, but the stored replication record still names a healthy
	// replica holder. The retrieve must follow the record.
	payload := []byte("replicated payload")

	transport := newFakeTransport("n1")
	transport.files["n1"] = &mesh.FileResponse{
		NodeID: "n1", Found: true,
		Data:     payload,
		Checksum: ChecksumBytes(payload),
	}
	agent := newTestAgent(t, transport, 1<<20)

	stored := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: payload, ReplicationFactor: 2})
	if !stored.Success {
		t.Fatalf("Failed to store: %v", stored.Err)
	}
	replicas, _ := agent.Replicas("blob-1")
	if len(replicas) != 2 {
		t.Fatalf("Expected [LOCAL n1], got %v", replicas)
	}

	// Lose the local copy; leave transport.holders empty so an
	// availability scatter-gather would come back with no hits.
	if err := os.Remove(agent.blobs.Path("blob-1")); err != nil {
		t.Fatalf("Failed to remove local bytes: %v", err)
	}

	resp := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "blob-1"})
	if !resp.Success {
		t.Fatalf("Failed to retrieve via replication record: %v", resp.Err)
	}
	if resp.SourceNode != "n1" {
		t.Errorf("Expected n1 as source, got %s", resp.SourceNode)
	}
	if !bytes.Equal(resp.Data, payload) {
		t.Error("Expected the replica's payload")
	}
}

func TestRetrieveFallsBackWhenLocalCorrupted(t *testing.T) {
	payload := []byte("original payload")

	transport := newFakeTransport()
	transport.files["n1"] = &mesh.FileResponse{
		NodeID: "n1", Found: true,
		Data:     payload,
		Checksum: ChecksumBytes(payload),
	}
	transport.holders = []string{"n1"}
	agent := newTestAgent(t, transport, 1<<20)

	stored := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: payload, ReplicationFactor: 1})
	if !stored.Success {
		t.Fatalf("Failed to store: %v", stored.Err)
	}

	// Corrupt the local copy on disk behind the agent's back.
	if err := os.WriteFile(agent.blobs.Path("blob-1"), []byte("rotten"), 0o644); err != nil {
		t.Fatalf("Failed to corrupt blob: %v", err)
	}

	resp := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "blob-1"})
	if !resp.Success {
		t.Fatalf("Failed to retrieve: %v", resp.Err)
	}
	if resp.SourceNode != "n1" {
		t.Errorf("Expected mesh fallback to n1, got %s", resp.SourceNode)
	}
	if !bytes.Equal(resp.Data, payload) {
		t.Error("Expected original payload from the mesh")
	}
}

func TestRetrieveUnknownFile(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	resp := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "ghost"})
	if resp.Success {
		t.Fatal("Expected retrieve of unknown file to fail")
	}
	if resp.Err.Code != errdefs.CodeInvalidFileID {
		t.Errorf("Expected INVALID_FILE_ID, got %s", resp.Err.Code)
	}
}

func TestRetrieveCachesRemoteBlob(t *testing.T) {
	payload := []byte("cache me")

	transport := newFakeTransport()
	transport.files["n1"] = &mesh.FileResponse{
		NodeID: "n1", Found: true,
		Data:     payload,
		Checksum: ChecksumBytes(payload),
	}
	agent := newTestAgent(t, transport, 1<<20)

	resp := agent.Retrieve(context.Background(), &models.RetrievalRequest{
		FileID:         "blob-1",
		PreferredNodes: []string{"n1"},
	})
	if !resp.Success {
		t.Fatalf("Failed to retrieve: %v", resp.Err)
	}

	// Second retrieve should be served locally.
	again := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "blob-1"})
	if !again.Success {
		t.Fatalf("Failed to retrieve cached blob: %v", again.Err)
	}
	if again.SourceNode != models.LocalNode {
		t.Errorf("Expected local source after caching, got %s", again.SourceNode)
	}
	if agent.UsedBytes() != int64(len(payload)) {
		t.Errorf("Expected cached blob to count against capacity, got %d", agent.UsedBytes())
	}
}

func TestDeleteSurvivesPeerFailure(t *testing.T) {
	transport := newFakeTransport("n1")
	agent := newTestAgent(t, transport, 1<<20)

	stored := agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("data"), ReplicationFactor: 2})
	if !stored.Success {
		t.Fatalf("Failed to store: %v", stored.Err)
	}
	if len(stored.ReplicatedNodes) != 2 {
		t.Fatalf("Expected replica on n1, got %v", stored.ReplicatedNodes)
	}

	// Peer goes dark before the delete.
	transport.mu.Lock()
	transport.ackErr["n1"] = errdefs.PeerUnreachable("n1", nil)
	transport.mu.Unlock()

	resp := agent.Delete(context.Background(), "blob-1")
	if !resp.Success {
		t.Fatalf("Expected delete to succeed despite unreachable peer: %v", resp.Err)
	}
	if agent.UsedBytes() != 0 {
		t.Errorf("Expected used bytes released, got %d", agent.UsedBytes())
	}
	if _, err := agent.GetBlob("blob-1"); err == nil {
		t.Error("Expected metadata removed after delete")
	}
}

func TestDeleteUnknownFile(t *testing.T) {
	// Deletion of nonexistent data is not an error: removing nothing
	// locally still succeeds, and no peer traffic happens.
	transport := newFakeTransport()
	agent := newTestAgent(t, transport, 1<<20)

	resp := agent.Delete(context.Background(), "ghost")
	if !resp.Success {
		t.Fatalf("Expected delete of unknown file to succeed, got %v", resp.Err)
	}
	if agent.UsedBytes() != 0 {
		t.Errorf("Expected used bytes unchanged, got %d", agent.UsedBytes())
	}
	if len(transport.sent) != 0 {
		t.Errorf("Expected no delete instructions sent, got %d", len(transport.sent))
	}
}

func TestVerifyIntegrityDetectsTamper(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	agent.Store(context.Background(), &models.StorageRequest{FileID: "blob-1", Data: []byte("pristine"), ReplicationFactor: 1})

	ok, err := agent.VerifyIntegrity("blob-1")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if !ok {
		t.Error("Expected pristine blob to verify")
	}

	if err := os.WriteFile(agent.blobs.Path("blob-1"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("Failed to tamper with blob: %v", err)
	}

	ok, err = agent.VerifyIntegrity("blob-1")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if ok {
		t.Error("Expected tampered blob to fail verification")
	}
}

func TestMaintenanceEvictsColdUnpopularBlobs(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)
	ctx := context.Background()

	agent.Store(ctx, &models.StorageRequest{FileID: "cold-unpopular", Data: []byte("aaaa"), ReplicationFactor: 1})
	agent.Store(ctx, &models.StorageRequest{FileID: "cold-popular", Data: []byte("bbbb"), ReplicationFactor: 1})
	agent.Store(ctx, &models.StorageRequest{FileID: "fresh", Data: []byte("cccc"), ReplicationFactor: 1})

	// Age two blobs past the retention horizon; make one of them popular.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	for _, tc := range []struct {
		id    string
		count int64
	}{
		{"cold-unpopular", 2},
		{"cold-popular", 50},
	} {
		meta, err := agent.GetBlob(tc.id)
		if err != nil {
			t.Fatalf("Failed to load metadata: %v", err)
		}
		meta.LastAccessedAt = old
		meta.AccessCount = tc.count
		if err := agent.catalog.PutBlob(meta); err != nil {
			t.Fatalf("Failed to age blob: %v", err)
		}
	}

	report := agent.PerformMaintenance(ctx)
	if report.EvictedBlobs != 1 {
		t.Fatalf("Expected 1 eviction, got %d", report.EvictedBlobs)
	}

	if _, err := agent.GetBlob("cold-unpopular"); err == nil {
		t.Error("Expected cold unpopular blob to be evicted")
	}
	if _, err := agent.GetBlob("cold-popular"); err != nil {
		t.Error("Expected cold popular blob to survive")
	}
	if _, err := agent.GetBlob("fresh"); err != nil {
		t.Error("Expected fresh blob to survive")
	}
	if agent.UsedBytes() != 8 {
		t.Errorf("Expected 8 used bytes after eviction, got %d", agent.UsedBytes())
	}
}

func TestMaintenanceFlagsCorruptBlobs(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)
	ctx := context.Background()

	agent.Store(ctx, &models.StorageRequest{FileID: "ok-blob", Data: []byte("fine"), ReplicationFactor: 1})
	agent.Store(ctx, &models.StorageRequest{FileID: "bad-blob", Data: []byte("doomed"), ReplicationFactor: 1})

	if err := os.WriteFile(agent.blobs.Path("bad-blob"), []byte("zzzzzz"), 0o644); err != nil {
		t.Fatalf("Failed to corrupt blob: %v", err)
	}

	report := agent.PerformMaintenance(ctx)
	if len(report.CorruptBlobs) != 1 || report.CorruptBlobs[0] != "bad-blob" {
		t.Errorf("Expected [bad-blob] flagged, got %v", report.CorruptBlobs)
	}
	// Flagged, not deleted.
	if _, err := agent.GetBlob("bad-blob"); err != nil {
		t.Error("Expected corrupt blob to stay until repair")
	}
}

func TestStoreFromStream(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 1<<20)

	payload := make([]byte, 128*1024)
	rand.Read(payload)

	resp := agent.StoreFromStream(context.Background(), &models.StorageRequest{
		FileID:            "streamed",
		ReplicationFactor: 1,
		OriginalName:      "stream.bin",
	}, bytes.NewReader(payload))
	if !resp.Success {
		t.Fatalf("Failed to store from stream: %v", resp.Err)
	}

	got := agent.Retrieve(context.Background(), &models.RetrievalRequest{FileID: "streamed"})
	if !got.Success {
		t.Fatalf("Failed to retrieve: %v", got.Err)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Error("Expected streamed bytes to round-trip")
	}
	if got.Metadata.SizeBytes != int64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), got.Metadata.SizeBytes)
	}
}

func TestStoreFromStreamRespectsCapacity(t *testing.T) {
	agent := newTestAgent(t, newFakeTransport(), 100)

	resp := agent.StoreFromStream(context.Background(), &models.StorageRequest{
		FileID:            "overflow",
		ReplicationFactor: 1,
	}, bytes.NewReader(make([]byte, 200)))

	if resp.Success {
		t.Fatal("Expected oversized stream to fail")
	}
	if resp.Err.Code != errdefs.CodeInsufficientSpace {
		t.Errorf("Expected INSUFFICIENT_SPACE, got %s", resp.Err.Code)
	}
	if agent.UsedBytes() != 0 {
		t.Errorf("Expected used bytes unchanged, got %d", agent.UsedBytes())
	}
	if agent.blobs.Exists("overflow") {
		t.Error("Expected no bytes left on disk after rejection")
	}
}
