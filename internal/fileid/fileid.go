// Package fileid provides a deterministic image ID from a file path for watched image files.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const prefix = "file:"

// ImageID returns a stable image ID for the given absolute path.
// Same path always yields the same ID, so re-indexing a file replaces its fingerprint.
func ImageID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}

// IsFileID reports whether id was produced by ImageID.
func IsFileID(id string) bool {
	return len(id) > len(prefix) && id[:len(prefix)] == prefix
}
