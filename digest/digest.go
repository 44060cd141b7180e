// Package digest implements the 32-byte content identifier used
// throughout the datastore: SHA-256 of plaintext for unencrypted
// chunks, or a keyed SHA-256 for encrypted chunks so that identical
// plaintext under different keys never collides.
//
// The accelerated implementation from github.com/minio/sha256-simd is
// used in place of crypto/sha256 directly; it is API-compatible and
// is already present in the retrieval pack's dependency graph (pulled
// in by the teacher's IPFS stack), so this is a like-for-like swap
// rather than a new dependency.
package digest

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"

	sha256simd "github.com/minio/sha256-simd"
)

// Size is the length in bytes of a Digest.
const Size = 32

// Digest is the 32-byte content identifier of a chunk or blob.
type Digest [Size]byte

// Zero is the all-zero digest, never a valid content digest.
var Zero Digest

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Hex is an alias of String kept for call sites that want to be
// explicit about the encoding.
func (d Digest) Hex() string { return d.String() }

// ShardPrefix returns the first 4 hex characters of the digest, used
// to select the chunk store's shard directory.
func (d Digest) ShardPrefix() string {
	return d.String()[:4]
}

func (d Digest) IsZero() bool {
	return d == Zero
}

// Parse decodes a 64-character lowercase hex digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest: wrong length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	copy(d[:], b)
	// Canonical form is lowercase hex; reject anything else up front
	// so on-disk filenames can never drift from their digest.
	if d.String() != s {
		return d, fmt.Errorf("digest: %q is not canonical lowercase hex", s)
	}
	return d, nil
}

// Compute returns the plaintext digest SHA-256(data).
func Compute(data []byte) Digest {
	return Digest(sha256simd.Sum256(data))
}

// Key is a 32-byte AES-256 / HMAC key resolved by the (external)
// encryption key store from an opaque key ID.
type Key [32]byte

// ComputeKeyed returns the keyed digest HMAC-SHA256(key, data) used
// for chunks belonging to an encrypted backup, so that two tenants
// encrypting identical plaintext under different keys never produce
// the same on-disk digest.
func ComputeKeyed(data []byte, key Key) Digest {
	mac := hmac.New(sha256simd.New, key[:])
	mac.Write(data)
	var d Digest
	copy(d[:], mac.Sum(nil))
	return d
}
