package mesh

import (
	"context"
	"fmt"
	"time"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/models"
)

// Subject layout. Node-addressed subjects carry request/reply traffic;
// the broadcast subjects fan out to every listening node.
const (
	subjectPrefix    = "meshvault"
	announceSubject  = subjectPrefix + ".announce"
	availabilitySubj = subjectPrefix + ".blob.query"
)

func storageSubject(nodeID string) string {
	return fmt.Sprintf("%s.node.%s.storage", subjectPrefix, nodeID)
}

func fetchSubject(nodeID string) string {
	return fmt.Sprintf("%s.node.%s.fetch", subjectPrefix, nodeID)
}

// StorageEnvelope is a storage instruction addressed to one peer. Data is
// inline for STORE and REPLICATE and empty for every other operation.
type StorageEnvelope struct {
	From       string                  `cbor:"f" json:"from"`
	Operation  models.StorageOperation `cbor:"op" json:"operation"`
	Descriptor models.BlobDescriptor   `cbor:"d" json:"descriptor"`
	Data       []byte                  `cbor:"b" json:"-"`
}

// StorageAck is the peer's reply to a StorageEnvelope
type StorageAck struct {
	NodeID  string     `cbor:"n" json:"node_id"`
	Success bool       `cbor:"ok" json:"success"`
	Error   *WireError `cbor:"e,omitempty" json:"error,omitempty"`
}

// FileRequest asks a peer for the bytes of one blob
type FileRequest struct {
	From   string `cbor:"f" json:"from"`
	FileID string `cbor:"id" json:"file_id"`
}

// FileResponse carries a blob back to the requester. Checksum lets the
// caller verify before accepting.
type FileResponse struct {
	NodeID   string     `cbor:"n" json:"node_id"`
	Found    bool       `cbor:"ok" json:"found"`
	Data     []byte     `cbor:"b" json:"-"`
	Checksum string     `cbor:"cs" json:"checksum,omitempty"`
	Error    *WireError `cbor:"e,omitempty" json:"error,omitempty"`
}

// AvailabilityQuery asks the mesh who holds a blob
type AvailabilityQuery struct {
	From   string `cbor:"f" json:"from"`
	FileID string `cbor:"id" json:"file_id"`
}

// AvailabilityReply is one node's answer to an AvailabilityQuery
type AvailabilityReply struct {
	NodeID string `cbor:"n" json:"node_id"`
	Has    bool   `cbor:"h" json:"has"`
}

// WireError is the cross-node form of a storage error. Codes survive the
// trip so the caller can classify recoverability without string matching.
type WireError struct {
	Code        errdefs.Code `cbor:"c" json:"code"`
	Message     string       `cbor:"m" json:"message"`
	Recoverable bool         `cbor:"r" json:"recoverable"`
}

// NewWireError converts a local error for transmission
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	serr := errdefs.AsStorageError(err)
	return &WireError{
		Code:        serr.Code,
		Message:     serr.Message,
		Recoverable: serr.Recoverable,
	}
}

// ToError reconstructs a StorageError on the receiving side
func (w *WireError) ToError() error {
	if w == nil {
		return nil
	}
	return &errdefs.StorageError{
		Code:        w.Code,
		Message:     w.Message,
		Recoverable: w.Recoverable,
	}
}

// Transport is the boundary between the storage engine and the underlying
// mesh network. Implementations handle addressing, serialization, and
// delivery; callers see only node IDs and typed messages.
type Transport interface {
	// SendStorageRequest delivers a storage instruction to one peer and
	// waits for its acknowledgement.
	SendStorageRequest(ctx context.Context, nodeID string, env *StorageEnvelope) (*StorageAck, error)

	// RequestFileFromNode fetches a blob's bytes from one peer.
	RequestFileFromNode(ctx context.Context, nodeID, fileID string) (*FileResponse, error)

	// GetAvailableStorageNodes lists peers currently accepting replicas.
	GetAvailableStorageNodes(ctx context.Context) ([]string, error)

	// QueryFileAvailability lists peers currently holding the blob.
	QueryFileAvailability(ctx context.Context, fileID string) ([]string, error)

	// BroadcastStorageCapability announces this node's capabilities to
	// the mesh.
	BroadcastStorageCapability(ctx context.Context, ann *models.CapabilityAnnouncement) error

	// Close tears down the transport.
	Close() error
}

// PeerRTTs reports measured round-trip times for peers the transport has
// talked to. The scheduler uses these to build its latency matrix.
type PeerRTTs interface {
	PeerRTT(nodeID string) (time.Duration, bool)
}
