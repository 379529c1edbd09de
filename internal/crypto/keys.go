package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/archivechain/archivechain/internal/model"
)

// KeyPair holds an operator identity. The private half never leaves the
// owning process.
type KeyPair struct {
	public  model.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	var pk model.PublicKey
	copy(pk[:], pub)
	return &KeyPair{public: pk, private: priv}, nil
}

// Public returns the public identity.
func (kp *KeyPair) Public() model.PublicKey {
	return kp.public
}

// Sign signs the canonical byte encoding of a vote or message.
func (kp *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.private, msg)
}

// Verify checks sig over msg against the given public key.
func Verify(pub model.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// NodeID derives the node identifier from an operator public key.
func NodeID(pub model.PublicKey) model.Hash {
	return Checksum(pub[:])
}
