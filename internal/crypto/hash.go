// Package crypto provides the hashing and signing primitives the fabric
// relies on. The canonical hash algorithm is fixed per deployment; values
// are opaque 32-byte identifiers.
package crypto

import (
	"crypto/sha256"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/archivechain/archivechain/internal/model"
)

// Algorithm names a registered hash algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Canonical is the deployment-wide content addressing algorithm.
const Canonical = SHA256

// Sum hashes data with the named algorithm.
func Sum(algo Algorithm, data []byte) (model.Hash, error) {
	switch algo {
	case SHA256:
		return model.Hash(sha256.Sum256(data)), nil
	case BLAKE3:
		return model.Hash(blake3.Sum256(data)), nil
	default:
		return model.ZeroHash, fmt.Errorf("unregistered hash algorithm %q", algo)
	}
}

// Checksum hashes data with the canonical algorithm.
func Checksum(data []byte) model.Hash {
	return model.Hash(sha256.Sum256(data))
}

// ChecksumParts hashes the concatenation of the given byte slices without
// materializing it.
func ChecksumParts(parts ...[]byte) model.Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out model.Hash
	copy(out[:], h.Sum(nil))
	return out
}
