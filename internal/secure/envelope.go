package secure

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EnvelopeSchemaVersion is the current MessageEnvelope schema.
const EnvelopeSchemaVersion = 1

// Envelope is the wire form of an encrypted signal. It is used identically
// over the signaling channel and over the DataChannel.
type Envelope struct {
	SchemaVersion     int    `json:"schema_version"`
	SenderIdentityKey string `json:"sender_identity_key"`
	RatchetHeader     string `json:"ratchet_header"`
	Ciphertext        string `json:"ciphertext"`
}

// Marshal renders the envelope as JSON bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes JSON bytes into an envelope, validating the fields
// required for routing.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.SenderIdentityKey == "" {
		return nil, fmt.Errorf("envelope missing sender identity key")
	}
	if e.Ciphertext == "" {
		return nil, fmt.Errorf("envelope missing ciphertext")
	}
	return &e, nil
}

// RatchetHeaderBytes decodes the header field.
func (e *Envelope) RatchetHeaderBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.RatchetHeader)
}

// CiphertextBytes decodes the ciphertext field.
func (e *Envelope) CiphertextBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Ciphertext)
}

// InboundEnvelope is an envelope received from the signal channel, tagged
// with its peer and channel sequence for idempotent acknowledgement.
type InboundEnvelope struct {
	// PeerIdentity is the sender's identity key string.
	PeerIdentity string

	// Envelope is the parsed wire payload.
	Envelope *Envelope

	// Seq is the relay's per-channel sequence number.
	Seq int64
}

// OutboundSignal is a plaintext signaling payload queued for encryption
// and relay to one peer.
type OutboundSignal struct {
	// PeerIdentity is the destination identity key string.
	PeerIdentity string

	// Payload is the plaintext JSON to encrypt.
	Payload json.RawMessage
}

// SessionInvalidMessage is the plaintext frame sent when a peer's crypto
// session has desynchronised beyond recovery.
type SessionInvalidMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// NewSessionInvalid builds the canonical session_invalid frame.
func NewSessionInvalid() SessionInvalidMessage {
	return SessionInvalidMessage{
		Type:    "session_invalid",
		Reason:  "decryption_failed",
		Message: "Signal session out of sync. Please re-pair.",
	}
}
