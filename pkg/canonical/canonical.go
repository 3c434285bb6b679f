// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of audit payloads and draft-line
// snapshots.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ZeroHash is the hex form of the 32-byte zero hash that seeds every
// per-tenant audit chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags apply, then the
// bytes are transformed to canonical form (sorted keys, no HTML escaping,
// shortest-form numbers).
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash computes an entry hash from the previous entry hash and the
// payload hash: SHA-256(prev_hash || payload_hash), both hex-encoded inputs.
func ChainHash(prevHash, payloadHash string) string {
	sum := sha256.Sum256([]byte(prevHash + payloadHash))
	return hex.EncodeToString(sum[:])
}
