// Package secure provides the end-to-end encryption surface for browser
// connectivity: the hub's identity keys, the one-use PreKeyBundle published
// in connection URLs, the MessageEnvelope wire format, and per-peer session
// ciphers with desync detection.
//
// The hub treats the underlying ratchet algorithm as a collaborator hidden
// behind the Session interface; this package fixes what is sent on the
// wire, not how a particular ratchet derives its keys.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Identity is the hub's long-term X25519 identity keypair.
type Identity struct {
	// PrivateKey is the X25519 scalar. Never leaves the device.
	PrivateKey [32]byte

	// PublicKey is the X25519 public point, published in bundles and
	// envelopes.
	PublicKey [32]byte
}

// NewIdentity generates a fresh identity keypair.
func NewIdentity() (*Identity, error) {
	var id Identity
	if _, err := rand.Read(id.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	clampScalar(&id.PrivateKey)

	pub, err := curve25519.X25519(id.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(id.PublicKey[:], pub)
	return &id, nil
}

// IdentityFromPrivateKey reconstructs an identity from a stored scalar.
func IdentityFromPrivateKey(priv [32]byte) (*Identity, error) {
	id := &Identity{PrivateKey: priv}
	clampScalar(&id.PrivateKey)

	pub, err := curve25519.X25519(id.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(id.PublicKey[:], pub)
	return id, nil
}

// PublicKeyBase64 returns the public key in the envelope encoding.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey[:])
}

// Fingerprint returns a human-readable digest for visual verification,
// formatted as groups of four hex characters.
func (id *Identity) Fingerprint() string {
	sum := sha256.Sum256(id.PublicKey[:])
	hexDigest := fmt.Sprintf("%x", sum[:10])

	var groups []string
	for i := 0; i+4 <= len(hexDigest); i += 4 {
		groups = append(groups, hexDigest[i:i+4])
	}
	return strings.ToUpper(strings.Join(groups, " "))
}

// clampScalar applies the X25519 scalar clamping.
func clampScalar(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
