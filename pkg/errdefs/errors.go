package errdefs

import (
	"errors"
	"fmt"
)

// Code is the machine-readable class of a storage error
type Code string

const (
	// Network class - recoverable, retry or fallback is sane
	CodePeerUnreachable  Code = "PEER_UNREACHABLE"
	CodeNetworkTimeout   Code = "NETWORK_TIMEOUT"
	CodeMeshDisconnected Code = "MESH_DISCONNECTED"

	// Storage class
	CodeInsufficientSpace Code = "INSUFFICIENT_SPACE" // non-recoverable without freeing space
	CodePermissionDenied  Code = "PERMISSION_DENIED"  // non-recoverable without user action
	CodeDiskIOError       Code = "DISK_IO_ERROR"      // recoverable

	// Security class - non-recoverable for that attempt
	CodeUntrustedSource  Code = "UNTRUSTED_SOURCE"
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"

	// Application class - non-recoverable
	CodeInvalidFileID Code = "INVALID_FILE_ID"
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// Stubbed paths
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
)

// StorageError is the closed error type used across storage, replication,
// and scheduling. Every error carries a code, a human-readable message,
// and a flag telling callers whether retry/fallback makes sense.
type StorageError struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Cause       error  `json:"-"`
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// PeerUnreachable reports a peer that could not be contacted
func PeerUnreachable(nodeID string, cause error) *StorageError {
	return &StorageError{
		Code:        CodePeerUnreachable,
		Message:     fmt.Sprintf("peer %s is unreachable", nodeID),
		Recoverable: true,
		Cause:       cause,
	}
}

// NetworkTimeout reports an operation that exceeded its network deadline
func NetworkTimeout(operation string, cause error) *StorageError {
	return &StorageError{
		Code:        CodeNetworkTimeout,
		Message:     fmt.Sprintf("network timeout during %s", operation),
		Recoverable: true,
		Cause:       cause,
	}
}

// MeshDisconnected reports loss of mesh connectivity
func MeshDisconnected(cause error) *StorageError {
	return &StorageError{
		Code:        CodeMeshDisconnected,
		Message:     "mesh network is disconnected",
		Recoverable: true,
		Cause:       cause,
	}
}

// InsufficientSpace reports a store that would exceed local capacity.
// The caller must free space or reduce the payload; retry will not help.
func InsufficientSpace(requiredBytes, availableBytes int64) *StorageError {
	return &StorageError{
		Code:        CodeInsufficientSpace,
		Message:     fmt.Sprintf("need %d bytes but only %d available", requiredBytes, availableBytes),
		Recoverable: false,
	}
}

// PermissionDenied reports a filesystem permission failure
func PermissionDenied(path string, cause error) *StorageError {
	return &StorageError{
		Code:        CodePermissionDenied,
		Message:     fmt.Sprintf("permission denied for %s", path),
		Recoverable: false,
		Cause:       cause,
	}
}

// DiskIOError reports a local read/write failure
func DiskIOError(operation string, cause error) *StorageError {
	return &StorageError{
		Code:        CodeDiskIOError,
		Message:     fmt.Sprintf("disk I/O failure during %s", operation),
		Recoverable: true,
		Cause:       cause,
	}
}

// UntrustedSource reports a request from an unauthorized node
func UntrustedSource(nodeID string) *StorageError {
	return &StorageError{
		Code:        CodeUntrustedSource,
		Message:     fmt.Sprintf("node %s is not authorized", nodeID),
		Recoverable: false,
	}
}

// ChecksumMismatch reports content that failed integrity verification
func ChecksumMismatch(fileID, expected, actual string) *StorageError {
	return &StorageError{
		Code:        CodeChecksumMismatch,
		Message:     fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", fileID, expected, actual),
		Recoverable: false,
	}
}

// InvalidFileID reports a file identifier with no known data
func InvalidFileID(fileID string) *StorageError {
	return &StorageError{
		Code:        CodeInvalidFileID,
		Message:     fmt.Sprintf("no data found for file %s", fileID),
		Recoverable: false,
	}
}

// AlreadyExists reports an identifier collision
func AlreadyExists(fileID string) *StorageError {
	return &StorageError{
		Code:        CodeAlreadyExists,
		Message:     fmt.Sprintf("file %s already exists", fileID),
		Recoverable: false,
	}
}

// NotImplemented marks a stubbed code path
func NotImplemented(feature string) *StorageError {
	return &StorageError{
		Code:        CodeNotImplemented,
		Message:     fmt.Sprintf("%s is not implemented", feature),
		Recoverable: false,
	}
}

// IsRecoverable reports whether err (or any error in its chain) is a
// StorageError marked recoverable. Unknown errors are not recoverable.
func IsRecoverable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Recoverable
	}
	return false
}

// CodeOf extracts the error code from err's chain, if any
func CodeOf(err error) (Code, bool) {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// AsStorageError converts any error into a *StorageError. Errors already
// in the taxonomy pass through unchanged; anything else is wrapped as a
// recoverable DiskIOError so background loops never lose the cause.
func AsStorageError(err error) *StorageError {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	return &StorageError{
		Code:        CodeDiskIOError,
		Message:     err.Error(),
		Recoverable: true,
		Cause:       err,
	}
}
