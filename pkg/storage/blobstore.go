package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"meshvault/pkg/errdefs"
)

// BlobStore lays blobs out as <root>/<shard>/<fileID>, where the shard is
// the first two hex digits of SHA-256(fileID). Writes go through a temp
// file and rename so readers never see a partial blob.
type BlobStore struct {
	root string
}

// NewBlobStore creates the store root if needed
func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, errdefs.DiskIOError("create blob store", err)
	}
	return &BlobStore{root: root}, nil
}

// ValidateFileID rejects IDs that are empty or could escape the store root
func ValidateFileID(fileID string) error {
	if fileID == "" || len(fileID) > 255 {
		return errdefs.InvalidFileID(fileID)
	}
	for _, r := range fileID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return errdefs.InvalidFileID(fileID)
		}
	}
	if strings.HasPrefix(fileID, ".") {
		return errdefs.InvalidFileID(fileID)
	}
	return nil
}

// Path returns where a blob lives on disk
func (s *BlobStore) Path(fileID string) string {
	sum := sha256.Sum256([]byte(fileID))
	shard := hex.EncodeToString(sum[:1])
	return filepath.Join(s.root, shard, fileID)
}

// Write stores data under fileID and returns its hex SHA-256
func (s *BlobStore) Write(fileID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	path := s.Path(fileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errdefs.DiskIOError("create shard directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), fileID+".*")
	if err != nil {
		return "", errdefs.DiskIOError("create temp blob", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errdefs.DiskIOError("write blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", errdefs.DiskIOError("close blob", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", errdefs.DiskIOError("publish blob", err)
	}
	return checksum, nil
}

// WriteFrom streams r to disk, hashing and counting as it goes. The blob is
// only renamed into place once the full stream has been read.
func (s *BlobStore) WriteFrom(fileID string, r io.Reader) (checksum string, size int64, err error) {
	path := s.Path(fileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, errdefs.DiskIOError("create shard directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), fileID+".*")
	if err != nil {
		return "", 0, errdefs.DiskIOError("create temp blob", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", 0, errdefs.DiskIOError("stream blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, errdefs.DiskIOError("close blob", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", 0, errdefs.DiskIOError("publish blob", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// Read returns the blob's bytes
func (s *BlobStore) Read(fileID string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.InvalidFileID(fileID)
		}
		return nil, errdefs.DiskIOError("read blob", err)
	}
	return data, nil
}

// Checksum streams the blob through SHA-256 without loading it whole
func (s *BlobStore) Checksum(fileID string) (string, error) {
	f, err := os.Open(s.Path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.InvalidFileID(fileID)
		}
		return "", errdefs.DiskIOError("open blob", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errdefs.DiskIOError("hash blob", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *BlobStore) Delete(fileID string) error {
	err := os.Remove(s.Path(fileID))
	if err != nil && !os.IsNotExist(err) {
		return errdefs.DiskIOError("delete blob", err)
	}
	return nil
}

// Exists reports whether the blob's bytes are on disk
func (s *BlobStore) Exists(fileID string) bool {
	info, err := os.Stat(s.Path(fileID))
	return err == nil && info.Mode().IsRegular()
}

// Size returns the on-disk size of the blob
func (s *BlobStore) Size(fileID string) (int64, error) {
	info, err := os.Stat(s.Path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errdefs.InvalidFileID(fileID)
		}
		return 0, errdefs.DiskIOError("stat blob", err)
	}
	return info.Size(), nil
}

// ChecksumBytes hashes a byte slice the same way stored blobs are hashed
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CleanupTemp removes stray temp files left by crashes. Called once at
// startup before any writes begin.
func (s *BlobStore) CleanupTemp() int {
	entries, err := os.ReadDir(filepath.Join(s.root, "tmp"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(s.root, "tmp", entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}
