package hub

import (
	"log/slog"
	"sync/atomic"

	"github.com/trybotster/botster-hub/internal/pty"
)

// DefaultFramePrefix is the 1-byte tag prepended to raw terminal frames
// when a subscription does not specify its own.
const DefaultFramePrefix = 0x01

// Forwarder ships one PTY session's output stream to one client.
//
// On start it sends the scrollback as a single framed payload prefixed with
// the subscription's tag byte, then loops over the live broadcast delivering
// each output chunk the same way. It terminates on ProcessExited, on a
// closed sink, or when stopped.
type Forwarder struct {
	// AgentKey and PTYName identify the source session.
	AgentKey string
	PTYName  string

	// Client is the destination.
	Client ClientID

	// SubscriptionID names this stream for the client.
	SubscriptionID string

	// Prefix is the frame tag byte.
	Prefix byte

	active atomic.Bool
	sub    *pty.Subscription
	sink   ResponseSink
	logger *slog.Logger
}

// NewForwarder creates a forwarder for a session subscription.
func NewForwarder(client ClientID, agentKey, ptyName, subscriptionID string, prefix byte, session *pty.Session, sink ResponseSink, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		AgentKey:       agentKey,
		PTYName:        ptyName,
		Client:         client,
		SubscriptionID: subscriptionID,
		Prefix:         prefix,
		sub:            session.Subscribe(),
		sink:           sink,
		logger:         logger,
	}
	f.active.Store(true)
	return f
}

// Run pumps the subscription until exit, stop, or sink closure.
// Blocks; run it in its own goroutine.
func (f *Forwarder) Run() {
	defer f.sub.Cancel()

	for ev := range f.sub.C {
		if !f.active.Load() {
			return
		}

		switch ev.Type {
		case pty.EventScrollback, pty.EventOutput:
			frame := make([]byte, 0, len(ev.Data)+1)
			frame = append(frame, f.Prefix)
			frame = append(frame, ev.Data...)
			if err := f.sink.SendRaw(frame); err != nil {
				f.logger.Debug("Forwarder sink closed",
					"client", f.Client.String(),
					"subscription", f.SubscriptionID,
				)
				return
			}

		case pty.EventProcessExited:
			return
		}
	}
}

// Stop cancels the forwarder. Takes effect within one broadcast wake.
func (f *Forwarder) Stop() {
	if f.active.CompareAndSwap(true, false) {
		f.sub.Cancel()
	}
}

// IsActive reports whether the forwarder is still running.
func (f *Forwarder) IsActive() bool {
	return f.active.Load()
}
