package secure

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	return id
}

func TestIdentityRoundTrip(t *testing.T) {
	id := newTestIdentity(t)

	restored, err := IdentityFromPrivateKey(id.PrivateKey)
	if err != nil {
		t.Fatalf("IdentityFromPrivateKey failed: %v", err)
	}
	if restored.PublicKey != id.PublicKey {
		t.Error("restored public key differs")
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := newTestIdentity(t).Fingerprint()

	groups := strings.Split(fp, " ")
	if len(groups) != 5 {
		t.Errorf("fingerprint groups = %d, want 5: %q", len(groups), fp)
	}
	for _, g := range groups {
		if len(g) != 4 {
			t.Errorf("group %q length != 4", g)
		}
	}
	if fp != strings.ToUpper(fp) {
		t.Errorf("fingerprint not uppercase: %q", fp)
	}
}

func TestBundleMarshalSize(t *testing.T) {
	id := newTestIdentity(t)
	b, err := NewBundle(id)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}

	data := b.Marshal()
	if len(data) != BundleSize {
		t.Errorf("marshalled size = %d, want %d", len(data), BundleSize)
	}
}

func TestBundleFragmentIsUppercaseBase32(t *testing.T) {
	id := newTestIdentity(t)
	b, err := NewBundle(id)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}

	frag := b.Fragment()
	if strings.Contains(frag, "=") {
		t.Error("fragment contains padding")
	}
	for _, c := range frag {
		if !((c >= 'A' && c <= 'Z') || (c >= '2' && c <= '7')) {
			t.Errorf("fragment contains %q outside base32 alphabet", c)
		}
	}
}

func TestRegeneratedBundleDiffers(t *testing.T) {
	id := newTestIdentity(t)

	b1, err := NewBundle(id)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	b1.MarkUsed()
	if !b1.Used() {
		t.Fatal("MarkUsed did not stick")
	}

	b2, err := NewBundle(id)
	if err != nil {
		t.Fatalf("second NewBundle failed: %v", err)
	}
	if bytes.Equal(b1.Marshal(), b2.Marshal()) {
		t.Error("regenerated bundle is byte-identical to the consumed one")
	}
}

func TestConnectionURLShape(t *testing.T) {
	id := newTestIdentity(t)
	b, _ := NewBundle(id)

	url := ConnectionURL("https://trybotster.com", "abc123", b)
	if !strings.HasPrefix(url, "https://trybotster.com/hubs/abc123#") {
		t.Errorf("url = %q", url)
	}
	frag := url[strings.Index(url, "#")+1:]
	if frag != b.Fragment() {
		t.Error("fragment mismatch")
	}
}

// browserHandshake simulates the browser side of the bundle handshake and
// returns the mirrored session.
func browserHandshake(t *testing.T, hubID *Identity, bundle *Bundle) (*chainSession, *Envelope) {
	t.Helper()

	browser := newTestIdentity(t)

	// The browser's "ephemeral" is its identity here; real clients use a
	// one-shot key, which changes nothing about the derivation.
	dh1, err := curve25519.X25519(browser.PrivateKey[:], bundle.SignedPreKey[:])
	if err != nil {
		t.Fatalf("dh1 failed: %v", err)
	}
	dh2, err := curve25519.X25519(browser.PrivateKey[:], hubID.PublicKey[:])
	if err != nil {
		t.Fatalf("dh2 failed: %v", err)
	}

	// Mirror image of the hub derivation: browser send = hub recv.
	s := &chainSession{identity: browser, peerIdentity: hubID.PublicKeyBase64()}
	if err := s.deriveChains(append(dh1, dh2...)); err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	s.sendKey, s.recvKey = s.recvKey, s.sendKey

	header, _ := json.Marshal(ratchetHeader{
		Eph:     browser.PublicKeyBase64(),
		Counter: 0,
	})
	env := &Envelope{
		SchemaVersion:     EnvelopeSchemaVersion,
		SenderIdentityKey: browser.PublicKeyBase64(),
		RatchetHeader:     base64.StdEncoding.EncodeToString(header),
		Ciphertext:        base64.StdEncoding.EncodeToString([]byte("bootstrap")),
	}
	return s, env
}

func TestSessionRoundTrip(t *testing.T) {
	hubID := newTestIdentity(t)
	bundle, _ := NewBundle(hubID)

	browser, handshakeEnv := browserHandshake(t, hubID, bundle)

	hubSession, err := EstablishFromEnvelope(hubID, bundle, handshakeEnv)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	// Browser -> hub.
	env, err := browser.Encrypt([]byte(`{"type":"offer","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("browser encrypt failed: %v", err)
	}
	plaintext, err := hubSession.Decrypt(env)
	if err != nil {
		t.Fatalf("hub decrypt failed: %v", err)
	}
	if string(plaintext) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("plaintext = %q", plaintext)
	}

	// Hub -> browser.
	env2, err := hubSession.Encrypt([]byte(`{"type":"answer"}`))
	if err != nil {
		t.Fatalf("hub encrypt failed: %v", err)
	}
	plaintext2, err := browser.Decrypt(env2)
	if err != nil {
		t.Fatalf("browser decrypt failed: %v", err)
	}
	if string(plaintext2) != `{"type":"answer"}` {
		t.Errorf("plaintext = %q", plaintext2)
	}
}

func TestManagerInvalidatesAfterThreeFailures(t *testing.T) {
	hubID := newTestIdentity(t)
	bundle, _ := NewBundle(hubID)
	_, handshakeEnv := browserHandshake(t, hubID, bundle)

	mgr := NewManager(hubID)
	if _, err := mgr.Establish(bundle, handshakeEnv); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	if !bundle.Used() {
		t.Error("handshake did not consume the bundle")
	}

	peer := handshakeEnv.SenderIdentityKey
	garbage := &Envelope{
		SchemaVersion:     EnvelopeSchemaVersion,
		SenderIdentityKey: peer,
		RatchetHeader:     base64.StdEncoding.EncodeToString([]byte(`{"counter":0}`)),
		Ciphertext:        base64.StdEncoding.EncodeToString([]byte("not a real ciphertext")),
	}

	for i := 1; i <= MaxConsecutiveFailures; i++ {
		_, invalidate, err := mgr.Decrypt(garbage)
		if err == nil {
			t.Fatal("garbage decrypted")
		}
		if i < MaxConsecutiveFailures && invalidate {
			t.Fatalf("invalidated after %d failures", i)
		}
		if i == MaxConsecutiveFailures && !invalidate {
			t.Fatal("not invalidated at threshold")
		}
	}

	if _, ok := mgr.Session(peer); ok {
		t.Error("session survived invalidation")
	}

	// The envelope from a removed session now errors without a second
	// invalidation signal.
	if _, invalidate, _ := mgr.Decrypt(garbage); invalidate {
		t.Error("second invalidation signal emitted")
	}
}

func TestManagerFailureCounterResetsOnSuccess(t *testing.T) {
	hubID := newTestIdentity(t)
	bundle, _ := NewBundle(hubID)
	browser, handshakeEnv := browserHandshake(t, hubID, bundle)

	mgr := NewManager(hubID)
	if _, err := mgr.Establish(bundle, handshakeEnv); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	peer := handshakeEnv.SenderIdentityKey

	garbage := &Envelope{
		SchemaVersion:     EnvelopeSchemaVersion,
		SenderIdentityKey: peer,
		RatchetHeader:     base64.StdEncoding.EncodeToString([]byte(`{"counter":0}`)),
		Ciphertext:        base64.StdEncoding.EncodeToString([]byte("junk junk junk junk")),
	}

	mgr.Decrypt(garbage)
	mgr.Decrypt(garbage)
	if got := mgr.Failures(peer); got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}

	good, err := browser.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, _, err := mgr.Decrypt(good); err != nil {
		t.Fatalf("good envelope failed: %v", err)
	}
	if got := mgr.Failures(peer); got != 0 {
		t.Errorf("failures = %d, want 0 after success", got)
	}
}

func TestParseEnvelopeValidation(t *testing.T) {
	if _, err := ParseEnvelope([]byte("{not json")); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := ParseEnvelope([]byte(`{"ciphertext":"abc"}`)); err == nil {
		t.Error("missing sender accepted")
	}
	if _, err := ParseEnvelope([]byte(`{"sender_identity_key":"abc"}`)); err == nil {
		t.Error("missing ciphertext accepted")
	}

	env, err := ParseEnvelope([]byte(`{"schema_version":1,"sender_identity_key":"abc","ratchet_header":"aGk=","ciphertext":"aGk="}`))
	if err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	if env.SenderIdentityKey != "abc" {
		t.Errorf("sender = %q", env.SenderIdentityKey)
	}
}

func TestSessionInvalidMessageShape(t *testing.T) {
	msg := NewSessionInvalid()
	data, _ := json.Marshal(msg)

	want := `{"type":"session_invalid","reason":"decryption_failed","message":"Signal session out of sync. Please re-pair."}`
	if string(data) != want {
		t.Errorf("frame = %s", data)
	}
}
