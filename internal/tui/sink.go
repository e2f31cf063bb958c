// Package tui provides the terminal user interface for botster-hub.
//
// The TUI runs on its own thread inside the process. It owns the outer
// terminal (through tcell), a panel pool of terminal parsers fed by PTY
// forwarders, and a declarative render tree produced by scripts. All hub
// state changes flow back through the hub event queue.
package tui

import (
	"encoding/json"
	"fmt"
)

// SinkBuffer is the per-channel frame buffer depth for the TUI sink.
const SinkBuffer = 512

// Sink is the hub-side response sink for the local TUI client.
//
// Raw terminal frames (tag byte + bytes) and JSON control frames arrive on
// separate channels; every delivery wakes the TUI loop so it drains them
// promptly.
type Sink struct {
	// Raw carries prefixed terminal frames from forwarders.
	Raw chan []byte

	// JSON carries control frames (agent lists, errors, script sends).
	JSON chan []byte

	// wake pokes the TUI event loop.
	wake func()
}

// NewSink creates a sink that wakes the TUI via the given callback.
func NewSink(wake func()) *Sink {
	return &Sink{
		Raw:  make(chan []byte, SinkBuffer),
		JSON: make(chan []byte, SinkBuffer),
		wake: wake,
	}
}

// SendJSON queues a control frame. Never blocks; a full queue drops the
// frame with an error so the forwarding side can notice.
func (s *Sink) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.JSON <- data:
		s.wake()
		return nil
	default:
		return fmt.Errorf("tui json queue full")
	}
}

// SendRaw queues a prefixed terminal frame.
func (s *Sink) SendRaw(frame []byte) error {
	select {
	case s.Raw <- frame:
		s.wake()
		return nil
	default:
		return fmt.Errorf("tui raw queue full")
	}
}
