// Package hub provides the central state management for botster-hub.
//
// This file contains the HubEvent type - the closed set of messages that
// may enter the event loop. All state changes happen inside the loop that
// drains these events; concurrency is provided by the queue, not by shared
// mutability.
package hub

import (
	"encoding/json"

	"github.com/trybotster/botster-hub/internal/luaengine"
	"github.com/trybotster/botster-hub/internal/secure"
	"github.com/trybotster/botster-hub/internal/server"
)

// EventKind identifies the event variant.
type EventKind int

const (
	// EventAction wraps a HubAction from any origin.
	EventAction EventKind = iota

	// EventPtyOutput carries raw output from an agent PTY for hook
	// dispatch and notification draining.
	EventPtyOutput

	// EventCommandMessage is a plaintext control message from the
	// command channel.
	EventCommandMessage

	// EventSignalEnvelope is an encrypted envelope from the signal
	// channel.
	EventSignalEnvelope

	// EventOutgoingSignal queues an encrypted signal for the relay.
	EventOutgoingSignal

	// EventWebRtcMessage is a decrypted DataChannel frame from a peer.
	EventWebRtcMessage

	// EventTuiRequest is a request from the TUI thread.
	EventTuiRequest

	// EventTuiWakeReady signals the TUI wake pipe is writable again.
	EventTuiWakeReady

	// EventHttpResponse completes a script http.request.
	EventHttpResponse

	// EventWebSocketEvent delivers a script websocket event.
	EventWebSocketEvent

	// EventTimerFired fires a script timer.
	EventTimerFired

	// EventUserFileWatch delivers debounced watch.directory events.
	EventUserFileWatch

	// EventLuaRequest is a dataplane request from a script primitive.
	EventLuaRequest

	// EventClientConnected registers a client.
	EventClientConnected

	// EventClientDisconnected unregisters a client.
	EventClientDisconnected

	// EventTick is the periodic maintenance tick.
	EventTick
)

// PtyOutputEvent carries one chunk of raw PTY output.
type PtyOutputEvent struct {
	AgentKey string
	Session  string
	Bytes    []byte
}

// WebRtcMessageEvent is a decrypted frame from a browser peer.
type WebRtcMessageEvent struct {
	Peer  string
	Bytes []byte
}

// TuiRequestEvent is a typed request from the TUI thread.
type TuiRequestEvent struct {
	// Message is a JSON command routed through the scripting
	// Client:on_message handler, same shape as a browser command.
	Message json.RawMessage

	// PtyInput bypasses scripting and is written directly.
	PtyInput *TuiPtyInput
}

// TuiPtyInput addresses a PTY by agent and session index.
type TuiPtyInput struct {
	AgentIndex int
	PtyIndex   int
	Bytes      []byte
}

// ClientConnectedEvent registers a client and its response sink.
type ClientConnectedEvent struct {
	Client ClientID
	Sink   ResponseSink
}

// Event is one message entering the event loop.
//
// Only the field matching Kind is populated.
type Event struct {
	Kind EventKind

	Action         Action
	PtyOutput      *PtyOutputEvent
	Command        *server.Message
	Envelope       *secure.InboundEnvelope
	Outgoing       *secure.OutboundSignal
	WebRtc         *WebRtcMessageEvent
	TuiRequest     *TuiRequestEvent
	HttpResponse   *luaengine.HTTPResponse
	WebSocket      *luaengine.WebSocketEvent
	TimerID        int64
	FileWatch      *luaengine.WatchBatch
	LuaRequest     *luaengine.Request
	Connected      *ClientConnectedEvent
	Disconnected   ClientID
}
