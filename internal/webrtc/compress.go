// Package webrtc manages browser peer connections.
//
// Each paired browser gets at most one peer connection with a bidirectional
// DataChannel. Every DataChannel frame is a Signal envelope; the channel is
// therefore treated as an ordered, reliable, encrypted transport. Frames
// above a compression threshold are deflated before encryption.
package webrtc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// CompressThreshold is the plaintext size above which frames are deflated
// before encryption.
const CompressThreshold = 4 * 1024

// Frame flag bytes, prepended to the plaintext before encryption.
const (
	frameRaw      = 0x00
	frameDeflated = 0x01
)

// packFrame wraps a payload with its compression flag, deflating payloads
// over the threshold.
func packFrame(payload []byte) ([]byte, error) {
	if len(payload) <= CompressThreshold {
		return append([]byte{frameRaw}, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(frameDeflated)
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate init failed: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("deflate failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// unpackFrame inverts packFrame.
func unpackFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameDeflated:
		r := flate.NewReader(bytes.NewReader(frame[1:]))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("inflate failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown frame flag %#x", frame[0])
	}
}
