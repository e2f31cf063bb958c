// Package hub provides the central state management for botster-hub.
//
// This file contains the client registry and viewer index. Every connected
// client (the local TUI, browser peers, internal test clients) has
// independent selection, dimensions and sequence state; the viewer index is
// the side table that makes output fan-out a constant-time lookup.
package hub

import (
	"fmt"
	"log/slog"
	"sync"
)

// ClientKind discriminates the client variants.
type ClientKind int

const (
	// KindTui is the local terminal UI. At most one per hub.
	KindTui ClientKind = iota

	// KindBrowser is a remote browser peer, keyed by its identity string
	// (Signal identity key plus a tab identifier).
	KindBrowser

	// KindInternal is an in-process client used by tests and tooling.
	KindInternal
)

// ClientID identifies a connected client. Comparable; used as a map key.
type ClientID struct {
	Kind ClientKind

	// Identity is the peer identity for browser clients, empty otherwise.
	Identity string
}

// TuiClient is the canonical local TUI client id.
func TuiClient() ClientID {
	return ClientID{Kind: KindTui}
}

// BrowserClient returns the id for a browser peer identity.
func BrowserClient(identity string) ClientID {
	return ClientID{Kind: KindBrowser, Identity: identity}
}

// InternalClient returns the id for an in-process client.
func InternalClient(name string) ClientID {
	return ClientID{Kind: KindInternal, Identity: name}
}

// String renders the id for logging.
func (c ClientID) String() string {
	switch c.Kind {
	case KindTui:
		return "tui"
	case KindBrowser:
		return "browser:" + c.Identity
	default:
		return "internal:" + c.Identity
	}
}

// Dims is a client's last declared terminal dimensions.
type Dims struct {
	Cols uint16
	Rows uint16
}

// ClientState holds per-client selection and dimension state.
type ClientState struct {
	// SelectedAgent is the agent key this client is viewing, if any.
	SelectedAgent string
	HasSelection  bool

	// SelectedPTY is the PTY name this client focuses, if any.
	SelectedPTY string

	// Dims is the last declared terminal size, if any.
	Dims    Dims
	HasDims bool

	// LastSeq is the last acknowledged signaling sequence number.
	LastSeq int64
}

// ResponseSink delivers frames back to one client. Implementations must not
// block the caller: the TUI sink writes to a buffered channel, the browser
// sink queues onto the peer's DataChannel writer.
type ResponseSink interface {
	// SendJSON delivers a JSON-serializable control frame.
	SendJSON(v any) error

	// SendRaw delivers a prefixed raw terminal frame.
	SendRaw(frame []byte) error
}

// Registry tracks connected clients, their per-client state, their response
// sinks, their forwarders, and the viewer index.
//
// The registry enforces viewer consistency mechanically: selection changes,
// disconnects and agent removals update the client state and the viewer
// index inside the same critical section.
type Registry struct {
	clients    map[ClientID]*ClientState
	sinks      map[ClientID]ResponseSink
	viewers    map[string]map[ClientID]struct{}
	forwarders map[ClientID][]*Forwarder

	logger *slog.Logger
	mu     sync.Mutex
}

// NewRegistry creates an empty client registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients:    make(map[ClientID]*ClientState),
		sinks:      make(map[ClientID]ResponseSink),
		viewers:    make(map[string]map[ClientID]struct{}),
		forwarders: make(map[ClientID][]*Forwarder),
		logger:     logger,
	}
}

// Register adds a client with its response sink.
func (r *Registry) Register(id ClientID, sink ResponseSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[id] = &ClientState{}
	r.sinks[id] = sink
	r.logger.Info("Client registered", "client", id.String())
}

// Unregister removes a client, its viewer entries and its forwarders.
func (r *Registry) Unregister(id ClientID) {
	r.mu.Lock()
	state, ok := r.clients[id]
	if ok {
		if state.HasSelection {
			r.removeViewerLocked(state.SelectedAgent, id)
		}
		delete(r.clients, id)
		delete(r.sinks, id)
	}
	fwds := r.forwarders[id]
	delete(r.forwarders, id)
	r.mu.Unlock()

	for _, f := range fwds {
		f.Stop()
	}
	if ok {
		r.logger.Info("Client unregistered", "client", id.String())
	}
}

// IsRegistered reports whether the client is known.
func (r *Registry) IsRegistered(id ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

// State returns a copy of a client's state.
func (r *Registry) State(id ClientID) (ClientState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[id]
	if !ok {
		return ClientState{}, false
	}
	return *state, true
}

// Select records a client's agent selection and updates the viewer index in
// the same critical section. Returns the client's declared dims (if any) so
// the caller can apply them to the agent atomically with the selection.
func (r *Registry) Select(id ClientID, agentKey string) (Dims, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[id]
	if !ok {
		return Dims{}, false, Errorf(ErrState, "unknown client %s", id)
	}

	if state.HasSelection && state.SelectedAgent != agentKey {
		r.removeViewerLocked(state.SelectedAgent, id)
	}
	state.SelectedAgent = agentKey
	state.HasSelection = true

	set, ok := r.viewers[agentKey]
	if !ok {
		set = make(map[ClientID]struct{})
		r.viewers[agentKey] = set
	}
	set[id] = struct{}{}

	return state.Dims, state.HasDims, nil
}

// ClearSelection drops a client's selection and viewer entry.
func (r *Registry) ClearSelection(id ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[id]
	if !ok || !state.HasSelection {
		return
	}
	r.removeViewerLocked(state.SelectedAgent, id)
	state.SelectedAgent = ""
	state.HasSelection = false
	state.SelectedPTY = ""
}

// SetSelectedPTY records the PTY the client focuses within its selection.
func (r *Registry) SetSelectedPTY(id ClientID, pty string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.clients[id]; ok {
		state.SelectedPTY = pty
	}
}

// SetDims records a client's declared dimensions. Returns the client's
// current selection so the caller can resize the selected agent.
func (r *Registry) SetDims(id ClientID, cols, rows uint16) (selected string, hasSelection bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[id]
	if !ok {
		return "", false
	}
	state.Dims = Dims{Cols: cols, Rows: rows}
	state.HasDims = true
	return state.SelectedAgent, state.HasSelection
}

// SetLastSeq records the last acknowledged sequence number for a client.
// Returns false if seq was already acknowledged (idempotent re-delivery).
func (r *Registry) SetLastSeq(id ClientID, seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[id]
	if !ok {
		return false
	}
	if seq <= state.LastSeq {
		return false
	}
	state.LastSeq = seq
	return true
}

// Viewers returns the set of clients currently viewing an agent.
func (r *Registry) Viewers(agentKey string) []ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.viewers[agentKey]
	out := make([]ClientID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// DropAgent clears every client's selection of agentKey and empties its
// viewer set, in one critical section. Forwarders for the agent are stopped.
func (r *Registry) DropAgent(agentKey string) {
	r.mu.Lock()
	for id := range r.viewers[agentKey] {
		if state, ok := r.clients[id]; ok && state.SelectedAgent == agentKey {
			state.SelectedAgent = ""
			state.HasSelection = false
			state.SelectedPTY = ""
		}
	}
	delete(r.viewers, agentKey)

	var stopped []*Forwarder
	for id, fwds := range r.forwarders {
		keep := fwds[:0]
		for _, f := range fwds {
			if f.AgentKey == agentKey {
				stopped = append(stopped, f)
			} else {
				keep = append(keep, f)
			}
		}
		r.forwarders[id] = keep
	}
	r.mu.Unlock()

	for _, f := range stopped {
		f.Stop()
	}
}

// AddForwarder tracks a forwarder so client disconnects can cancel it.
func (r *Registry) AddForwarder(id ClientID, f *Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarders[id] = append(r.forwarders[id], f)
}

// RemoveForwarder stops and forgets a forwarder by subscription id.
func (r *Registry) RemoveForwarder(id ClientID, subscriptionID string) {
	r.mu.Lock()
	var found *Forwarder
	fwds := r.forwarders[id]
	keep := fwds[:0]
	for _, f := range fwds {
		if f.SubscriptionID == subscriptionID && found == nil {
			found = f
		} else {
			keep = append(keep, f)
		}
	}
	r.forwarders[id] = keep
	r.mu.Unlock()

	if found != nil {
		found.Stop()
	}
}

// SendJSONTo delivers a control frame to one client.
func (r *Registry) SendJSONTo(id ClientID, v any) error {
	r.mu.Lock()
	sink, ok := r.sinks[id]
	r.mu.Unlock()

	if !ok {
		return Errorf(ErrState, "no sink for client %s", id)
	}
	return sink.SendJSON(v)
}

// SendErrorTo delivers an error{message} frame to one client.
func (r *Registry) SendErrorTo(id ClientID, message string) {
	if err := r.SendJSONTo(id, map[string]any{
		"type":    "error",
		"message": message,
	}); err != nil {
		r.logger.Debug("Failed to send error frame", "client", id.String(), "error", err)
	}
}

// Broadcast delivers a control frame to every client.
func (r *Registry) Broadcast(v any) {
	r.mu.Lock()
	sinks := make([]ResponseSink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		sinks = append(sinks, sink)
	}
	r.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.SendJSON(v); err != nil {
			r.logger.Debug("Broadcast frame dropped", "error", err)
		}
	}
}

// Clients returns the ids of all registered clients.
func (r *Registry) Clients() []ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClientID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// removeViewerLocked removes a viewer entry. Callers hold r.mu.
func (r *Registry) removeViewerLocked(agentKey string, id ClientID) {
	if set, ok := r.viewers[agentKey]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.viewers, agentKey)
		}
	}
}

// debugViewerString renders the viewer index for tests and logs.
func (r *Registry) debugViewerString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%d agents with viewers", len(r.viewers))
}
