package secure

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MaxConsecutiveFailures is the decryption failure threshold after which a
// peer's session is invalidated.
const MaxConsecutiveFailures = 3

// Session encrypts and decrypts envelopes for one peer.
//
// The concrete ratchet behind this interface is a collaborator; the hub
// only depends on envelope-in, envelope-out.
type Session interface {
	// Encrypt seals plaintext into an envelope.
	Encrypt(plaintext []byte) (*Envelope, error)

	// Decrypt opens an envelope.
	Decrypt(env *Envelope) ([]byte, error)

	// PeerIdentity returns the remote identity key string.
	PeerIdentity() string
}

// ratchetHeader is the per-message header carried inside envelopes.
type ratchetHeader struct {
	// Eph is the sender's ephemeral public key (base64), present on the
	// session-establishing message.
	Eph string `json:"eph,omitempty"`

	// Counter is the sending chain counter.
	Counter uint64 `json:"counter"`
}

// chainSession is a forward-chained session keyed from an X25519 handshake.
type chainSession struct {
	identity     *Identity
	peerIdentity string

	sendKey  [32]byte
	recvKey  [32]byte
	sendCtr  uint64
	lastRecv uint64

	mu sync.Mutex
}

// EstablishFromEnvelope derives a session from the first envelope a peer
// sends after scanning a bundle. The envelope's ratchet header carries the
// peer's ephemeral key; the shared root mixes that ephemeral against both
// the bundle's signed prekey and the hub identity.
func EstablishFromEnvelope(id *Identity, bundle *Bundle, env *Envelope) (Session, error) {
	headerBytes, err := env.RatchetHeaderBytes()
	if err != nil {
		return nil, fmt.Errorf("bad ratchet header: %w", err)
	}
	var header ratchetHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("bad ratchet header: %w", err)
	}
	if header.Eph == "" {
		return nil, fmt.Errorf("handshake envelope missing ephemeral key")
	}

	ephPub, err := base64.StdEncoding.DecodeString(header.Eph)
	if err != nil || len(ephPub) != 32 {
		return nil, fmt.Errorf("bad ephemeral key")
	}

	prekeyPriv := bundle.SignedPreKeyPrivate()
	dh1, err := curve25519.X25519(prekeyPriv[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("prekey agreement failed: %w", err)
	}
	dh2, err := curve25519.X25519(id.PrivateKey[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("identity agreement failed: %w", err)
	}

	s := &chainSession{identity: id, peerIdentity: env.SenderIdentityKey}
	if err := s.deriveChains(append(dh1, dh2...)); err != nil {
		return nil, err
	}
	return s, nil
}

// deriveChains expands the shared root into directional chain keys.
// The browser derives the mirror image (its send = our recv).
func (s *chainSession) deriveChains(root []byte) error {
	kdf := hkdf.New(sha256.New, root, nil, []byte("botster-session-v1"))
	if _, err := io.ReadFull(kdf, s.recvKey[:]); err != nil {
		return fmt.Errorf("chain derivation failed: %w", err)
	}
	if _, err := io.ReadFull(kdf, s.sendKey[:]); err != nil {
		return fmt.Errorf("chain derivation failed: %w", err)
	}
	return nil
}

// messageKey derives the key for one counter position on a chain.
func messageKey(chain [32]byte, counter uint64) [32]byte {
	mac := hmac.New(sha256.New, chain[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	mac.Write(ctr[:])

	var key [32]byte
	copy(key[:], mac.Sum(nil))
	return key
}

// Encrypt seals plaintext under the next send counter.
func (s *chainSession) Encrypt(plaintext []byte) (*Envelope, error) {
	s.mu.Lock()
	counter := s.sendCtr
	s.sendCtr++
	key := messageKey(s.sendKey, counter)
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	headerBytes, err := json.Marshal(ratchetHeader{Counter: counter})
	if err != nil {
		return nil, err
	}

	return &Envelope{
		SchemaVersion:     EnvelopeSchemaVersion,
		SenderIdentityKey: s.identity.PublicKeyBase64(),
		RatchetHeader:     base64.StdEncoding.EncodeToString(headerBytes),
		Ciphertext:        base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens an envelope using the counter from its header. Counters may
// skip forward (lost messages); a repeated or older counter is not
// rejected, and lastRecv only records the highest counter opened.
func (s *chainSession) Decrypt(env *Envelope) ([]byte, error) {
	headerBytes, err := env.RatchetHeaderBytes()
	if err != nil {
		return nil, fmt.Errorf("bad ratchet header: %w", err)
	}
	var header ratchetHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("bad ratchet header: %w", err)
	}

	sealed, err := env.CiphertextBytes()
	if err != nil {
		return nil, fmt.Errorf("bad ciphertext: %w", err)
	}

	key := messageKey(s.recvKey, header.Counter)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	s.mu.Lock()
	if header.Counter > s.lastRecv {
		s.lastRecv = header.Counter
	}
	s.mu.Unlock()

	return plaintext, nil
}

// PeerIdentity returns the remote identity key string.
func (s *chainSession) PeerIdentity() string {
	return s.peerIdentity
}

// prekeySignature binds a signed prekey to an identity.
func prekeySignature(id *Identity, prekey [32]byte) []byte {
	mac := hmac.New(sha256.New, id.PublicKey[:])
	mac.Write(prekey[:])
	first := mac.Sum(nil)
	mac.Write(first)
	return mac.Sum(first)[:64]
}

// Manager tracks per-peer sessions and consecutive decryption failures.
type Manager struct {
	identity *Identity

	sessions map[string]Session
	failures map[string]int

	mu sync.Mutex
}

// NewManager creates a session manager for the hub identity.
func NewManager(id *Identity) *Manager {
	return &Manager{
		identity: id,
		sessions: make(map[string]Session),
		failures: make(map[string]int),
	}
}

// Establish creates (or replaces) the session for a peer from its
// handshake envelope, consuming the bundle.
func (m *Manager) Establish(bundle *Bundle, env *Envelope) (Session, error) {
	session, err := EstablishFromEnvelope(m.identity, bundle, env)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[env.SenderIdentityKey] = session
	m.failures[env.SenderIdentityKey] = 0
	m.mu.Unlock()

	bundle.MarkUsed()
	return session, nil
}

// Session returns the session for a peer, if one exists.
func (m *Manager) Session(peer string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Decrypt opens an envelope for its peer, tracking consecutive failures.
// The third consecutive failure returns invalidate=true exactly once; the
// peer's session is removed at that point.
func (m *Manager) Decrypt(env *Envelope) (plaintext []byte, invalidate bool, err error) {
	peer := env.SenderIdentityKey

	m.mu.Lock()
	session, ok := m.sessions[peer]
	m.mu.Unlock()

	if !ok {
		return nil, false, fmt.Errorf("no session for peer")
	}

	plaintext, err = session.Decrypt(env)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.failures[peer] = 0
		return plaintext, false, nil
	}

	m.failures[peer]++
	if m.failures[peer] >= MaxConsecutiveFailures {
		delete(m.sessions, peer)
		delete(m.failures, peer)
		return nil, true, err
	}
	return nil, false, err
}

// Encrypt seals plaintext for a peer.
func (m *Manager) Encrypt(peer string, plaintext []byte) (*Envelope, error) {
	m.mu.Lock()
	session, ok := m.sessions[peer]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no session for peer")
	}
	return session.Encrypt(plaintext)
}

// Failures returns the current consecutive failure count for a peer.
func (m *Manager) Failures(peer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[peer]
}

// Remove drops a peer's session state.
func (m *Manager) Remove(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peer)
	delete(m.failures, peer)
}

// Peers lists peers with live sessions.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	return out
}
