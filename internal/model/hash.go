// Package model defines the shared domain types of the archive network.
package model

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of every content-addressed identifier.
const HashSize = 32

// Hash is a 32-byte content-addressed identifier. It identifies content,
// chunks, nodes, proposals, budgets, projects, alerts and transactions.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, used as the absent reference.
var ZeroHash Hash

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Hex returns the full lowercase hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns a truncated hex form for log fields.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return h.Hex()
}

// PublicKey identifies an account or a node operator.
type PublicKey [32]byte

// ParsePublicKey decodes a 64-character hex string into a PublicKey.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Hex returns the full lowercase hex encoding.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// Short returns a truncated hex form for log fields.
func (pk PublicKey) Short() string {
	return hex.EncodeToString(pk[:4])
}

func (pk PublicKey) String() string {
	return pk.Hex()
}

// SystemAccount is the deterministic account used for mint and burn
// counterparties in emitted events.
var SystemAccount = PublicKey{31: 1}
