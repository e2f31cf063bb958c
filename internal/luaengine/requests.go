// Package luaengine embeds the Lua policy runtime.
//
// Scripts own all policy: agent lifecycle rules, UI layout, keybindings,
// message routing and event hooks. The dataplane talks to scripts through a
// typed event queue and a set of registered primitives; scripts talk back
// by enqueueing typed requests that the hub event loop executes. Primitive
// callbacks execute synchronously with respect to hub state - there is
// never concurrent mutation of hub state by scripts and the dataplane.
package luaengine

import (
	"encoding/json"
	"sync/atomic"
)

// ActiveFlag is a shared liveness flag between a script-side forwarder
// handle and the hub-side forwarder it controls.
type ActiveFlag struct {
	v atomic.Bool
}

func newActiveFlag() *ActiveFlag {
	f := &ActiveFlag{}
	f.v.Store(true)
	return f
}

// Load reports whether the forwarder is active.
func (f *ActiveFlag) Load() bool { return f.v.Load() }

// Store updates the flag.
func (f *ActiveFlag) Store(b bool) { f.v.Store(b) }

// RequestKind identifies a script-originated dataplane request.
type RequestKind int

const (
	// ReqPtyWrite writes bytes to an agent PTY.
	ReqPtyWrite RequestKind = iota

	// ReqPtyResize resizes an agent PTY.
	ReqPtyResize

	// ReqWebRtcSend queues a frame for a browser peer.
	ReqWebRtcSend

	// ReqWebRtcForwarder creates a PTY forwarder to a peer.
	ReqWebRtcForwarder

	// ReqWebRtcForwarderStop stops a forwarder by subscription id.
	ReqWebRtcForwarderStop

	// ReqTuiSend queues a frame for the local TUI.
	ReqTuiSend

	// ReqHubQuit asks the hub to shut down.
	ReqHubQuit

	// ReqShowConnectionCode asks for the pairing overlay.
	ReqShowConnectionCode

	// ReqConnectionGenerate builds a connection URL (fresh if consumed).
	ReqConnectionGenerate

	// ReqConnectionRegenerate forces a fresh bundle.
	ReqConnectionRegenerate

	// ReqConnectionCopy copies the URL to the clipboard.
	ReqConnectionCopy

	// ReqWorktreeDelete removes a worktree and its branch.
	ReqWorktreeDelete

	// ReqCableSubscribe subscribes an additional relay channel.
	ReqCableSubscribe

	// ReqCableSend transmits on a subscribed relay channel.
	ReqCableSend

	// ReqSocketEvent re-enters the loop with a Unix socket event.
	ReqSocketEvent

	// ReqUpdateCheck asks the updater to look for a new release.
	ReqUpdateCheck

	// ReqPushRegister registers a push notification token.
	ReqPushRegister
)

// Request is a typed dataplane request enqueued by a script primitive and
// executed by the hub event loop.
type Request struct {
	Kind RequestKind

	// AgentIndex/PtyIndex address a PTY for write/resize/forwarder.
	AgentIndex int
	PtyIndex   int

	// Data is the payload for writes and sends.
	Data []byte

	// Cols/Rows for ReqPtyResize.
	Cols uint16
	Rows uint16

	// Peer is the browser peer identity for webrtc requests.
	Peer string

	// SubscriptionID names a forwarder stream.
	SubscriptionID string

	// Prefix is the forwarder's frame tag byte (default 0x01).
	Prefix byte

	// JSON is a structured payload (tui.send frames, cable sends).
	JSON json.RawMessage

	// Channel is the ActionCable channel name for cable requests.
	Channel string

	// Path and Branch are set for ReqWorktreeDelete.
	Path   string
	Branch string

	// Socket carries a Unix socket event for ReqSocketEvent.
	Socket *SocketEvent

	// Token is the push registration token.
	Token string

	// Active is the shared liveness flag for forwarder requests.
	Active *ActiveFlag
}

// HTTPResponse completes a script http.request. Delivered to the event
// loop, which hands it back to the runtime for callback dispatch.
type HTTPResponse struct {
	// ID pairs the response with its registered callback.
	ID int64

	// Status is the HTTP status code, 0 on transport failure.
	Status int

	// Body is the response body.
	Body []byte

	// Headers are the response headers, single-valued.
	Headers map[string]string

	// Err is the transport error message, empty on success.
	Err string
}

// WebSocketEventKind identifies websocket callback events.
type WebSocketEventKind int

const (
	WsConnected WebSocketEventKind = iota
	WsMessage
	WsClosed
	WsError
)

// WebSocketEvent is one event on a script-owned websocket connection.
type WebSocketEvent struct {
	// ID pairs the event with its connection.
	ID int64

	Kind WebSocketEventKind

	// Data is the message payload for WsMessage.
	Data []byte

	// Err is the error message for WsError/WsClosed.
	Err string
}

// WatchBatch is a debounced batch of filesystem events for one watcher.
type WatchBatch struct {
	// ID pairs the batch with its watcher registration.
	ID int64

	// Paths are the affected paths, deduplicated.
	Paths []string
}

// SocketEventKind identifies Unix socket callback events.
type SocketEventKind int

const (
	SocketClientConnected SocketEventKind = iota
	SocketClientMessage
	SocketClientDisconnected
)

// SocketEvent is one event on a script-owned Unix domain socket.
type SocketEvent struct {
	// ID pairs the event with its listener registration.
	ID int64

	Kind SocketEventKind

	// ClientID identifies the connected peer process.
	ClientID int64

	// Data is the message payload.
	Data []byte
}
