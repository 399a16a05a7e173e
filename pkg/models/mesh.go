package models

// StorageOperation is the instruction kind carried by a peer storage request
type StorageOperation string

const (
	OpStore     StorageOperation = "STORE"
	OpRetrieve  StorageOperation = "RETRIEVE"
	OpDelete    StorageOperation = "DELETE"
	OpReplicate StorageOperation = "REPLICATE"
	OpVerify    StorageOperation = "VERIFY"
	// OpShare announces a blob without shipping its bytes; the receiver
	// records it and may download later.
	OpShare StorageOperation = "SHARE"
)

// BlobDescriptor identifies a blob in peer-to-peer storage instructions.
// Data travels separately (inline for STORE/REPLICATE, absent otherwise).
type BlobDescriptor struct {
	FileID            string   `json:"file_id"`
	Name              string   `json:"name,omitempty"`
	SizeBytes         int64    `json:"size_bytes"`
	Checksum          string   `json:"checksum,omitempty"`
	ReplicationFactor int      `json:"replication_factor,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Origin            string   `json:"origin,omitempty"` // node ID that initiated the operation
}
