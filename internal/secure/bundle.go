package secure

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// Bundle layout constants. The serialised form is a fixed binary layout so
// browsers can parse it without a schema; the size lands near 1.8KB, which
// still fits an alphanumeric-mode QR code once base32 encoded.
const (
	bundleVersion      = 1
	bundleOneTimeKeys  = 54
	bundleHeaderLen    = 1 + 4 // version + registration id
	bundleKeyLen       = 32
	bundleSignatureLen = 64
)

// BundleSize is the exact serialised bundle length in bytes.
const BundleSize = bundleHeaderLen +
	bundleKeyLen + // identity key
	bundleKeyLen + // signed prekey
	bundleSignatureLen + // prekey signature
	2 + // one-time key count
	bundleOneTimeKeys*bundleKeyLen

// base32NoPad is the URL fragment alphabet: uppercase RFC 4648 without
// padding, so the whole fragment stays in QR alphanumeric mode.
var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// Bundle is a one-use prekey bundle published in connection URLs.
//
// A bundle is consumed by exactly one successful handshake; after that the
// next connection URL request must carry a freshly generated bundle.
type Bundle struct {
	// RegistrationID distinguishes bundle generations.
	RegistrationID uint32

	// IdentityKey is the hub's long-term public key.
	IdentityKey [32]byte

	// SignedPreKey is this bundle's medium-term public key.
	SignedPreKey [32]byte

	// signedPreKeyPriv is the matching private scalar, kept for the
	// handshake that consumes the bundle.
	signedPreKeyPriv [32]byte

	// Signature covers the signed prekey.
	Signature [64]byte

	// OneTimeKeys are single-use public keys.
	OneTimeKeys [][32]byte

	used bool
	mu   sync.Mutex
}

// NewBundle generates a bundle for the given identity.
func NewBundle(id *Identity) (*Bundle, error) {
	b := &Bundle{IdentityKey: id.PublicKey}

	var regID [4]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate registration id: %w", err)
	}
	b.RegistrationID = binary.BigEndian.Uint32(regID[:])

	if _, err := rand.Read(b.signedPreKeyPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	clampScalar(&b.signedPreKeyPriv)
	pub, err := curve25519.X25519(b.signedPreKeyPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signed prekey: %w", err)
	}
	copy(b.SignedPreKey[:], pub)

	// The signature binds the signed prekey to the identity. Keyed hash
	// over (identity || prekey); verified by the browser after the DH.
	sig := prekeySignature(id, b.SignedPreKey)
	copy(b.Signature[:], sig)

	b.OneTimeKeys = make([][32]byte, bundleOneTimeKeys)
	for i := range b.OneTimeKeys {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, fmt.Errorf("failed to generate one-time key: %w", err)
		}
		clampScalar(&priv)
		otp, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive one-time key: %w", err)
		}
		copy(b.OneTimeKeys[i][:], otp)
	}

	return b, nil
}

// Marshal serialises the bundle to its fixed binary layout.
func (b *Bundle) Marshal() []byte {
	out := make([]byte, 0, BundleSize)
	out = append(out, bundleVersion)

	var reg [4]byte
	binary.BigEndian.PutUint32(reg[:], b.RegistrationID)
	out = append(out, reg[:]...)

	out = append(out, b.IdentityKey[:]...)
	out = append(out, b.SignedPreKey[:]...)
	out = append(out, b.Signature[:]...)

	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(b.OneTimeKeys)))
	out = append(out, count[:]...)
	for _, k := range b.OneTimeKeys {
		out = append(out, k[:]...)
	}

	return out
}

// Fragment returns the URL fragment encoding of the bundle: uppercase
// base32 without padding (QR alphanumeric mode). The fragment is never
// transmitted to the server.
func (b *Bundle) Fragment() string {
	return base32NoPad.EncodeToString(b.Marshal())
}

// MarkUsed records that a handshake consumed this bundle.
func (b *Bundle) MarkUsed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = true
}

// Used reports whether a handshake has consumed this bundle.
func (b *Bundle) Used() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// SignedPreKeyPrivate exposes the scalar for the session handshake.
func (b *Bundle) SignedPreKeyPrivate() [32]byte {
	return b.signedPreKeyPriv
}

// ConnectionURL builds the published URL:
// {server}/hubs/{id}#{BASE32_NOPAD(bundle)}.
func ConnectionURL(serverURL, hubID string, b *Bundle) string {
	return fmt.Sprintf("%s/hubs/%s#%s", serverURL, hubID, b.Fragment())
}
