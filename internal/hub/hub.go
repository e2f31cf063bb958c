// Package hub provides the central state management for botster-hub.
//
// The Hub is the core orchestrator: it owns all application state and runs
// the single-threaded event loop that drains the typed event queue. TUI
// input, browser frames, server messages, script requests and I/O
// completions all enter as events; each handler runs as if it owned the hub
// exclusively.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"

	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/config"
	"github.com/trybotster/botster-hub/internal/git"
	"github.com/trybotster/botster-hub/internal/luaengine"
	"github.com/trybotster/botster-hub/internal/pty"
	"github.com/trybotster/botster-hub/internal/qr"
	"github.com/trybotster/botster-hub/internal/relay"
	"github.com/trybotster/botster-hub/internal/secure"
	"github.com/trybotster/botster-hub/internal/server"
	"github.com/trybotster/botster-hub/internal/webrtc"
)

// EventQueueSize bounds the multi-producer event queue.
const EventQueueSize = 1024

// HeartbeatInterval is the time between server heartbeats. It is fixed for
// the life of the hub; no command message changes it.
const HeartbeatInterval = 30 * time.Second

// Hub is the central orchestrator for the botster-hub application.
type Hub struct {
	// Config holds the application configuration.
	Config *config.Config

	// HubID is the stable identifier for this hub instance.
	HubID string

	// State is the authoritative agent/worktree store.
	State *SafeHubState

	// Registry tracks clients, selections and the viewer index.
	Registry *Registry

	// Git manages worktree operations.
	Git *git.Manager

	// Server is the Rails HTTP client (heartbeats, notifications).
	Server *server.Client

	// Cable is the ActionCable signaling client.
	Cable *relay.Client

	// Identity is the hub's long-term keypair.
	Identity *secure.Identity

	// Sessions manages per-peer envelope crypto.
	Sessions *secure.Manager

	// Peers manages browser WebRTC connections.
	Peers *webrtc.Manager

	// Lua is the embedded policy runtime.
	Lua *luaengine.Runtime

	// Logger for structured logging.
	Logger *slog.Logger

	events chan Event

	quit              bool
	pollingEnabled    bool
	offline           bool
	lastHeartbeat     time.Time
	heartbeatInterval time.Duration

	// wakeTUI pokes the TUI wake pipe after events it must react to.
	wakeTUI func()
}

// New creates a Hub with the given collaborators.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		Config:            cfg,
		HubID:             generateHubID(),
		State:             NewSafeHubState(),
		Registry:          NewRegistry(logger),
		Logger:            logger,
		events:            make(chan Event, EventQueueSize),
		pollingEnabled:    true,
		offline:           cfg.OfflineMode,
		heartbeatInterval: HeartbeatInterval,
	}

	cwd, _ := os.Getwd()
	if cwd != "" {
		h.Git = git.New(cwd, cfg.WorktreeBase, logger)
	}

	if cfg.Token != "" && !cfg.OfflineMode {
		h.Server = server.New(&server.Config{
			BaseURL:  cfg.ServerURL,
			APIToken: cfg.Token,
			HubID:    h.HubID,
		}, logger)
	}

	return h, nil
}

// generateHubID creates a stable hub identifier based on the repository
// path, so the same repo always maps to the same hub across restarts.
func generateHubID() string {
	repoInfo, err := git.DetectCurrentRepo()
	if err != nil {
		return fmt.Sprintf("hub-%d", time.Now().UnixNano())
	}
	hash := sha256.Sum256([]byte(repoInfo.Path))
	return hex.EncodeToString(hash[:16])
}

// SetWakeTUI installs the TUI wake callback.
func (h *Hub) SetWakeTUI(fn func()) {
	h.wakeTUI = fn
}

// wake pokes the TUI if one is attached.
func (h *Hub) wake() {
	if h.wakeTUI != nil {
		h.wakeTUI()
	}
}

// Enqueue adds an event to the loop's queue. Safe from any goroutine;
// drops with a log line if the queue is full rather than blocking I/O
// tasks.
func (h *Hub) Enqueue(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.Logger.Warn("Event queue full, event dropped", "kind", ev.Kind)
	}
}

// LuaSinks builds the runtime sinks that route script I/O completions
// back through this hub's event queue.
func (h *Hub) LuaSinks() luaengine.Sinks {
	return luaengine.Sinks{
		Submit: func(req *luaengine.Request) {
			h.Enqueue(Event{Kind: EventLuaRequest, LuaRequest: req})
		},
		TimerFired: func(id int64) {
			h.Enqueue(Event{Kind: EventTimerFired, TimerID: id})
		},
		HTTPDone: func(resp *luaengine.HTTPResponse) {
			h.Enqueue(Event{Kind: EventHttpResponse, HttpResponse: resp})
		},
		WebSocket: func(ev *luaengine.WebSocketEvent) {
			h.Enqueue(Event{Kind: EventWebSocketEvent, WebSocket: ev})
		},
		Watch: func(batch *luaengine.WatchBatch) {
			h.Enqueue(Event{Kind: EventUserFileWatch, FileWatch: batch})
		},
	}
}

// Scrollback implements luaengine.Host: read-only PTY scrollback access by
// display indices, through the state read lock.
func (h *Hub) Scrollback(agentIndex, ptyIndex int) ([]byte, error) {
	var data []byte
	var err error

	h.State.WithRead(func(s *HubState) {
		ag, ok := s.AgentByIndex(agentIndex)
		if !ok {
			err = Errorf(ErrState, "no agent at index %d", agentIndex)
			return
		}
		names := ag.SessionNames()
		if ptyIndex < 0 || ptyIndex >= len(names) {
			err = Errorf(ErrState, "no pty at index %d", ptyIndex)
			return
		}
		session, ok := ag.Session(names[ptyIndex])
		if !ok {
			err = Errorf(ErrState, "session vanished")
			return
		}
		data = session.Scrollback()
	})

	return data, err
}

// Setup wires transport collaborators: identity, session manager, peers,
// cable subscriptions. Call before Run.
func (h *Hub) Setup(identity *secure.Identity) {
	h.Identity = identity
	h.Sessions = secure.NewManager(identity)

	h.Peers = webrtc.NewManager(h.Sessions, webrtc.Callbacks{
		OnPeerConnected: func(peer string) {
			h.Enqueue(Event{Kind: EventClientConnected, Connected: &ClientConnectedEvent{
				Client: BrowserClient(peer),
				Sink:   &browserSink{hub: h, peer: peer},
			}})
		},
		OnPeerDisconnected: func(peer string) {
			h.Enqueue(Event{Kind: EventClientDisconnected, Disconnected: BrowserClient(peer)})
		},
		OnMessage: func(peer string, data []byte) {
			h.Enqueue(Event{Kind: EventWebRtcMessage, WebRtc: &WebRtcMessageEvent{Peer: peer, Bytes: data}})
		},
		OnSessionInvalid: func(peer string) {
			h.Enqueue(Event{Kind: EventClientDisconnected, Disconnected: BrowserClient(peer)})
		},
		SendSignal: func(peer string, payload []byte) {
			h.Enqueue(Event{Kind: EventOutgoingSignal, Outgoing: &secure.OutboundSignal{
				PeerIdentity: peer,
				Payload:      payload,
			}})
		},
	}, h.Logger)

	if h.Config.Token != "" && !h.offline {
		h.Cable = relay.New(relay.Config{
			ServerURL: h.Config.ServerURL,
			Token:     h.Config.Token,
			HubID:     h.HubID,
		}, h.Logger)
		h.Cable.OnCommand(func(msg *server.Message, seq int64) {
			h.Enqueue(Event{Kind: EventCommandMessage, Command: msg})
		})
		h.Cable.OnSignal(func(env *secure.InboundEnvelope) {
			h.Enqueue(Event{Kind: EventSignalEnvelope, Envelope: env})
		})
		h.Cable.SubscribeCommandChannel()
		h.Cable.SubscribeSignalChannel()
	}
}

// Run drives the event loop until quit. All state changes happen here.
func (h *Hub) Run(ctx context.Context) error {
	h.Logger.Info("Starting hub event loop", "hub_id", h.HubID)

	if h.Cable != nil {
		go h.Cable.Run(ctx)
	}

	h.cleanupOrphanedWorktrees()
	h.refreshWorktrees()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !h.quit {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()

		case ev := <-h.events:
			h.handleEvent(ev)

		case <-ticker.C:
			h.handleEvent(Event{Kind: EventTick})
		}
	}

	h.shutdown()
	return nil
}

// handleEvent dispatches one event. Handlers never block on I/O; anything
// slow is spawned and observed through a later event.
func (h *Hub) handleEvent(ev Event) {
	switch ev.Kind {
	case EventAction:
		h.Dispatch(ev.Action)

	case EventPtyOutput:
		h.handlePtyOutput(ev.PtyOutput)

	case EventCommandMessage:
		h.handleCommandMessage(ev.Command)

	case EventSignalEnvelope:
		h.handleSignalEnvelope(ev.Envelope)

	case EventOutgoingSignal:
		h.handleOutgoingSignal(ev.Outgoing)

	case EventWebRtcMessage:
		h.handleClientFrame(BrowserClient(ev.WebRtc.Peer), ev.WebRtc.Bytes)
		if h.Lua != nil {
			h.Lua.PeerMessage(ev.WebRtc.Peer, ev.WebRtc.Bytes)
		}

	case EventTuiRequest:
		h.handleTuiRequest(ev.TuiRequest)

	case EventTuiWakeReady:
		// Nothing to do; the wake pipe drained.

	case EventHttpResponse:
		if h.Lua != nil {
			h.Lua.CompleteHTTP(ev.HttpResponse)
		}

	case EventWebSocketEvent:
		if h.Lua != nil {
			h.Lua.DispatchWebSocket(ev.WebSocket)
		}

	case EventTimerFired:
		if h.Lua != nil {
			h.Lua.FireTimer(ev.TimerID)
		}

	case EventUserFileWatch:
		if h.Lua != nil {
			h.Lua.DispatchWatch(ev.FileWatch)
		}

	case EventLuaRequest:
		h.handleLuaRequest(ev.LuaRequest)

	case EventClientConnected:
		h.Registry.Register(ev.Connected.Client, ev.Connected.Sink)
		if h.Lua != nil {
			switch ev.Connected.Client.Kind {
			case KindBrowser:
				h.Lua.PeerConnected(ev.Connected.Client.Identity)
			case KindTui:
				h.Lua.TuiConnected()
			}
		}
		h.sendAgentListTo(ev.Connected.Client)

	case EventClientDisconnected:
		h.Registry.Unregister(ev.Disconnected)
		if h.Lua != nil {
			switch ev.Disconnected.Kind {
			case KindBrowser:
				h.Lua.PeerDisconnected(ev.Disconnected.Identity)
			case KindTui:
				h.Lua.TuiDisconnected()
			}
		}

	case EventTick:
		h.tick()
	}
}

// tick performs periodic maintenance: heartbeats and notification drains.
func (h *Hub) tick() {
	if h.Server != nil && h.pollingEnabled && time.Since(h.lastHeartbeat) >= h.heartbeatInterval {
		h.lastHeartbeat = time.Now()
		go h.sendHeartbeat()
	}

	h.drainNotifications()
}

// sendHeartbeat reports the hub and its agents to the server.
// Runs off-loop; reads only snapshot data.
func (h *Hub) sendHeartbeat() {
	var infos []server.AgentHeartbeatInfo
	repoName := ""
	h.State.WithRead(func(s *HubState) {
		for _, key := range s.OrderedKeys() {
			if ag, ok := s.GetAgent(key); ok {
				infos = append(infos, server.AgentHeartbeatInfo{
					SessionKey:  key,
					Repo:        ag.Repo,
					IssueNumber: ag.IssueNumber,
					BranchName:  ag.BranchName,
					Status:      string(ag.State()),
				})
				if repoName == "" {
					repoName = ag.Repo
				}
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Server.SendHeartbeat(ctx, repoName, infos); err != nil {
		h.Logger.Warn("Heartbeat failed", "error", err)
	}
}

// drainNotifications polls every agent for OSC notifications and routes
// them through the scripting hooks.
func (h *Hub) drainNotifications() {
	type drained struct {
		key     string
		url     string
		already bool
		notes   []agent.Notification
	}

	var all []drained
	anyPending := false
	h.State.WithRead(func(s *HubState) {
		for _, key := range s.OrderedKeys() {
			ag, ok := s.GetAgent(key)
			if !ok {
				continue
			}
			already := ag.HasPendingNotification()
			notes := ag.PollNotifications()
			if len(notes) > 0 {
				all = append(all, drained{key: key, url: ag.InvocationURL, already: already, notes: notes})
			}
			if ag.HasPendingNotification() {
				anyPending = true
			}
		}
	})

	if h.Lua != nil {
		h.Lua.SetPtyInputListening(anyPending)
	}

	for _, d := range all {
		for _, n := range d.notes {
			h.dispatchNotification(d.key, d.url, d.already, n)
		}
	}
}

// dispatchNotification runs the raw hook, enriches, and re-dispatches as
// the public pty_notification event.
func (h *Hub) dispatchNotification(agentKey, invocationURL string, alreadyNotified bool, n agent.Notification) {
	if h.Lua == nil {
		return
	}

	payload := map[string]any{
		"agent_key":      agentKey,
		"session":        n.SessionName,
		"type":           string(n.Notification.Type),
		"message":        n.Notification.Message,
		"title":          n.Notification.Title,
		"body":           n.Notification.Body,
		"invocation_url": invocationURL,
	}

	h.Lua.EmitEvent("_pty_notification_raw", payload)

	payload["already_notified"] = alreadyNotified
	h.Lua.EmitEvent("pty_notification", payload)

	if h.Server != nil {
		repo := ""
		var issue *int
		h.State.WithRead(func(s *HubState) {
			if ag, ok := s.GetAgent(agentKey); ok {
				repo = ag.Repo
				issue = ag.IssueNumber
			}
		})
		notificationType := n.Notification.Message
		if n.Notification.Type == "osc777" {
			notificationType = n.Notification.Title
		}
		url := invocationURL
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var urlPtr *string
			if url != "" {
				urlPtr = &url
			}
			if err := h.Server.SendNotification(ctx, repo, issue, urlPtr, notificationType); err != nil {
				h.Logger.Debug("Notification forward failed", "error", err)
			}
		}()
	}

	h.wake()
}

// handlePtyOutput runs the pty_output hook chain for one output chunk.
func (h *Hub) handlePtyOutput(ev *PtyOutputEvent) {
	if h.Lua == nil {
		return
	}
	if h.Lua.HasObservers("pty_output") {
		h.Lua.NotifyHook("pty_output", map[string]any{
			"agent_key": ev.AgentKey,
			"session":   ev.Session,
			"data":      string(ev.Bytes),
		})
	}
}

// handleOutgoingSignal encrypts and relays a signaling payload.
func (h *Hub) handleOutgoingSignal(sig *secure.OutboundSignal) {
	if h.Cable == nil || h.Sessions == nil {
		return
	}
	env, err := h.Sessions.Encrypt(sig.PeerIdentity, sig.Payload)
	if err != nil {
		h.Logger.Warn("Signal encrypt failed", "error", err)
		return
	}
	if err := h.Cable.SendSignal(sig.PeerIdentity, env); err != nil {
		h.Logger.Warn("Signal relay failed", "error", err)
	}
}

// handleSignalEnvelope processes one encrypted envelope from the relay.
// The first envelope from an unknown peer is the handshake that consumes
// the published bundle; everything after decrypts through the session.
func (h *Hub) handleSignalEnvelope(in *secure.InboundEnvelope) {
	if h.Sessions == nil {
		return
	}

	if _, ok := h.Sessions.Session(in.PeerIdentity); !ok {
		h.establishSession(in)
		return
	}

	plaintext, invalidate, err := h.Sessions.Decrypt(in.Envelope)
	if err != nil {
		h.Logger.Warn("Signal decrypt failed",
			"peer", in.PeerIdentity,
			"failures", h.Sessions.Failures(in.PeerIdentity),
		)
		if invalidate {
			h.invalidatePeer(in.PeerIdentity)
		}
		return
	}

	if err := h.Peers.HandleSignal(in.PeerIdentity, plaintext); err != nil {
		h.Logger.Warn("Signal handling failed", "peer", in.PeerIdentity, "error", err)
	}
}

// establishSession runs the bundle handshake for a new peer, then feeds
// the same envelope through the fresh session.
func (h *Hub) establishSession(in *secure.InboundEnvelope) {
	var bundle *secure.Bundle
	h.State.WithRead(func(s *HubState) {
		bundle = s.Bundle()
	})
	if bundle == nil {
		h.Logger.Warn("Signal from unknown peer with no published bundle", "peer", in.PeerIdentity)
		return
	}

	if _, err := h.Sessions.Establish(bundle, in.Envelope); err != nil {
		h.Logger.Warn("Session handshake failed", "peer", in.PeerIdentity, "error", err)
		return
	}
	h.Logger.Info("Peer session established", "peer", in.PeerIdentity)

	plaintext, invalidate, err := h.Sessions.Decrypt(in.Envelope)
	if err != nil {
		if invalidate {
			h.invalidatePeer(in.PeerIdentity)
		}
		return
	}
	if err := h.Peers.HandleSignal(in.PeerIdentity, plaintext); err != nil {
		h.Logger.Warn("Signal handling failed", "peer", in.PeerIdentity, "error", err)
	}
}

// invalidatePeer emits the session_invalid frame and tears the peer down,
// removing its client registration and viewer entries.
func (h *Hub) invalidatePeer(peer string) {
	invalid := secure.NewSessionInvalid()
	if frame, err := json.Marshal(invalid); err == nil && h.Cable != nil {
		// Best-effort plaintext notice through the relay; the manager
		// already sent one on the DataChannel if it was open.
		h.Cable.SendOnChannel(relay.SignalChannel, frame)
	}

	if h.Peers != nil {
		h.Peers.Teardown(peer)
	}
	h.Registry.Unregister(BrowserClient(peer))
}

// handleClientFrame routes a decrypted client command frame (browser or
// TUI) to the matching action or core handler.
func (h *Hub) handleClientFrame(client ClientID, data []byte) {
	cmd, err := relay.ParseClientCommand(data)
	if err != nil {
		h.Registry.SendErrorTo(client, "malformed command")
		return
	}

	switch cmd.Type {
	case "input":
		h.Dispatch(SendInputAction(client, []byte(cmd.Data)))
	case "select_agent":
		h.Dispatch(SelectAgentAction(client, cmd.ID))
	case "select_next":
		h.Dispatch(SelectNextAction(client))
	case "select_previous":
		h.Dispatch(SelectPreviousAction(client))
	case "select_index":
		if cmd.Index != nil {
			h.Dispatch(SelectByIndexAction(client, *cmd.Index))
		}
	case "resize":
		h.Dispatch(ResizeAction(client, cmd.Cols, cmd.Rows))
	case "scroll":
		h.Dispatch(h.scrollActionFrom(client, cmd))
	case "toggle_pty":
		h.Dispatch(TogglePtyViewAction(client))
	case "create_agent":
		h.Dispatch(CreateAgentAction(client, spawnRequestFrom(cmd)))
	case "delete_agent":
		del := true
		if cmd.DeleteWorktree != nil {
			del = *cmd.DeleteWorktree
		}
		h.Dispatch(DeleteAgentAction(client, cmd.ID, del))
	case "list_agents":
		h.Dispatch(RequestAgentListAction(client))
	case "list_worktrees":
		h.Dispatch(RequestWorktreeListAction(client))
	case "reopen_worktree":
		req := SpawnRequest{BranchName: cmd.Branch, WorktreePath: cmd.Path}
		if cmd.Prompt != nil {
			req.Prompt = *cmd.Prompt
		}
		h.Dispatch(CreateAgentAction(client, req))
	case "subscribe":
		h.handleSubscribe(client, cmd)
	case "unsubscribe":
		h.Registry.RemoveForwarder(client, cmd.SubscriptionID)
	case "toggle_polling":
		h.Dispatch(Action{Type: ActionTogglePolling})
	case "ping":
		if err := h.Registry.SendJSONTo(client, map[string]any{"type": "pong"}); err != nil {
			h.Logger.Debug("Pong send failed", "client", client.String())
		}
	default:
		// Script-defined command; the runtime callback sees the frame.
	}
}

// scrollActionFrom translates a scroll command frame.
func (h *Hub) scrollActionFrom(client ClientID, cmd *relay.ClientCommand) Action {
	lines := 1
	if cmd.Lines != nil {
		lines = *cmd.Lines
	}
	switch cmd.Direction {
	case "up":
		return ScrollAction(client, ScrollUp, lines)
	case "down":
		return ScrollAction(client, ScrollDown, lines)
	case "top":
		return ScrollAction(client, ScrollToTop, 0)
	case "bottom":
		return ScrollAction(client, ScrollToBottom, 0)
	default:
		return Action{Type: ActionNone}
	}
}

// spawnRequestFrom builds a spawn request from a create_agent frame.
func spawnRequestFrom(cmd *relay.ClientCommand) SpawnRequest {
	req := SpawnRequest{}
	if cmd.IssueOrBranch != nil {
		if n, err := parseIssueNumber(*cmd.IssueOrBranch); err == nil {
			req.IssueNumber = &n
		} else {
			req.BranchName = *cmd.IssueOrBranch
		}
	}
	if cmd.Prompt != nil {
		req.Prompt = *cmd.Prompt
	}
	return req
}

// handleSubscribe creates a forwarder for a client's PTY subscription.
func (h *Hub) handleSubscribe(client ClientID, cmd *relay.ClientCommand) {
	agentIndex, ptyIndex := 0, 0
	if cmd.AgentIndex != nil {
		agentIndex = *cmd.AgentIndex
	}
	if cmd.PtyIndex != nil {
		ptyIndex = *cmd.PtyIndex
	}
	subID := cmd.SubscriptionID
	if subID == "" {
		subID = fmt.Sprintf("sub-%d-%d", agentIndex, ptyIndex)
	}
	prefix := byte(DefaultFramePrefix)
	if cmd.Prefix != nil {
		prefix = byte(*cmd.Prefix)
	}
	if err := h.StartForwarder(client, agentIndex, ptyIndex, subID, prefix, nil); err != nil {
		h.Registry.SendErrorTo(client, err.Error())
	}
}

// StartForwarder spawns a forwarder task for (client, agent, pty). The
// active flag, when given, is shared with a script-side handle.
func (h *Hub) StartForwarder(client ClientID, agentIndex, ptyIndex int, subID string, prefix byte, active *luaengine.ActiveFlag) error {
	var key, ptyName string
	var session *pty.Session

	h.State.WithRead(func(s *HubState) {
		ag, ok := s.AgentByIndex(agentIndex)
		if !ok {
			return
		}
		names := ag.SessionNames()
		if ptyIndex < 0 || ptyIndex >= len(names) {
			return
		}
		ptyName = names[ptyIndex]
		if sess, ok := ag.Session(ptyName); ok {
			session = sess
			key = ag.SessionKey()
		}
	})
	if session == nil {
		return Errorf(ErrState, "no pty at (%d, %d)", agentIndex, ptyIndex)
	}

	var sink ResponseSink
	if client.Kind == KindBrowser {
		sink = &subscriptionSink{hub: h, peer: client.Identity, subID: subID}
	} else {
		var ok bool
		h.Registry.mu.Lock()
		sink, ok = h.Registry.sinks[client]
		h.Registry.mu.Unlock()
		if !ok {
			return Errorf(ErrState, "client %s has no sink", client)
		}
	}

	// Replace any previous forwarder for the same subscription id.
	h.Registry.RemoveForwarder(client, subID)

	f := NewForwarder(client, key, ptyName, subID, prefix, session, sink, h.Logger)
	h.Registry.AddForwarder(client, f)
	go func() {
		f.Run()
		f.Stop()
		if active != nil {
			active.Store(false)
		}
	}()
	return nil
}

// handleTuiRequest processes a typed request from the TUI thread.
func (h *Hub) handleTuiRequest(req *TuiRequestEvent) {
	if req.PtyInput != nil {
		h.writePtyByIndex(req.PtyInput.AgentIndex, req.PtyInput.PtyIndex, req.PtyInput.Bytes)
		return
	}
	if req.Message != nil {
		h.handleClientFrame(TuiClient(), req.Message)
		if h.Lua != nil {
			h.Lua.TuiMessage(req.Message)
		}
	}
}

// writePtyByIndex writes input to a PTY addressed by display indices.
func (h *Hub) writePtyByIndex(agentIndex, ptyIndex int, data []byte) {
	h.State.WithRead(func(s *HubState) {
		ag, ok := s.AgentByIndex(agentIndex)
		if !ok {
			return
		}
		names := ag.SessionNames()
		if ptyIndex < 0 || ptyIndex >= len(names) {
			return
		}
		if session, ok := ag.Session(names[ptyIndex]); ok {
			if _, err := session.Write(data); err != nil {
				h.Logger.Warn("PTY write failed", "error", err)
			}
		}
	})
}

// handleLuaRequest executes one script dataplane request.
func (h *Hub) handleLuaRequest(req *luaengine.Request) {
	switch req.Kind {
	case luaengine.ReqPtyWrite:
		h.writePtyByIndex(req.AgentIndex, req.PtyIndex, req.Data)

	case luaengine.ReqPtyResize:
		h.State.WithRead(func(s *HubState) {
			if ag, ok := s.AgentByIndex(req.AgentIndex); ok {
				if err := ag.Resize(req.Cols, req.Rows); err != nil {
					h.Logger.Warn("PTY resize failed", "error", err)
				}
			}
		})

	case luaengine.ReqWebRtcSend:
		if h.Peers != nil {
			if err := h.Peers.SendEncrypted(req.Peer, req.JSON); err != nil {
				h.Logger.Debug("Peer send failed", "peer", req.Peer, "error", err)
			}
		}

	case luaengine.ReqWebRtcForwarder:
		client := BrowserClient(req.Peer)
		if err := h.StartForwarder(client, req.AgentIndex, req.PtyIndex, req.SubscriptionID, req.Prefix, req.Active); err != nil {
			h.Logger.Warn("Forwarder start failed", "error", err)
			if req.Active != nil {
				req.Active.Store(false)
			}
		}

	case luaengine.ReqWebRtcForwarderStop:
		h.Registry.RemoveForwarder(BrowserClient(req.Peer), req.SubscriptionID)

	case luaengine.ReqTuiSend:
		if err := h.Registry.SendJSONTo(TuiClient(), json.RawMessage(req.JSON)); err != nil {
			h.Logger.Debug("TUI send failed", "error", err)
		}
		h.wake()

	case luaengine.ReqHubQuit:
		h.quit = true

	case luaengine.ReqShowConnectionCode, luaengine.ReqConnectionGenerate:
		h.generateConnectionCode(false)

	case luaengine.ReqConnectionRegenerate:
		h.generateConnectionCode(true)

	case luaengine.ReqConnectionCopy:
		var url string
		h.State.WithRead(func(s *HubState) { url = s.ConnectionURL() })
		if url != "" {
			if err := clipboard.WriteAll(url); err != nil {
				h.Logger.Warn("Clipboard copy failed", "error", err)
			}
		}

	case luaengine.ReqWorktreeDelete:
		if h.Git != nil {
			if err := h.Git.DeleteWorktreeByPath(req.Path, req.Branch); err != nil {
				h.Logger.Error("Worktree delete failed", "path", req.Path, "error", err)
			}
			h.refreshWorktrees()
		}

	case luaengine.ReqCableSubscribe:
		if h.Cable != nil {
			channel := req.Channel
			h.Cable.Subscribe(channel, func(message []byte) {
				h.Enqueue(Event{Kind: EventCommandMessage, Command: &server.Message{
					EventType: "cable:" + channel,
					Payload:   map[string]any{"raw": string(message)},
				}})
			})
		}

	case luaengine.ReqCableSend:
		if h.Cable != nil {
			h.Cable.SendOnChannel(req.Channel, req.JSON)
		}

	case luaengine.ReqSocketEvent:
		if h.Lua != nil {
			h.Lua.DispatchSocket(req.Socket)
		}

	case luaengine.ReqUpdateCheck:
		h.Logger.Info("Update check requested")

	case luaengine.ReqPushRegister:
		h.Logger.Info("Push token registered", "token_len", len(req.Token))
	}
}

// generateConnectionCode publishes a connection URL, regenerating the
// bundle when forced or when the current one was consumed by a handshake.
func (h *Hub) generateConnectionCode(force bool) {
	if h.Identity == nil {
		h.emitConnectionError("device identity unavailable")
		return
	}

	var url string
	var genErr error
	h.State.WithWrite(func(s *HubState) {
		if force || s.NeedsFreshBundle() {
			bundle, err := secure.NewBundle(h.Identity)
			if err != nil {
				genErr = err
				return
			}
			s.SetBundle(bundle, secure.ConnectionURL(h.Config.ServerURL, h.HubID, bundle))
		}
		url = s.ConnectionURL()
	})

	if genErr != nil {
		h.Logger.Error("Bundle generation failed", "error", genErr)
		h.emitConnectionError(genErr.Error())
		return
	}

	qrText := ""
	if lines, err := qr.Render(url, 80, 40); err == nil {
		qrText = strings.Join(lines, "\n")
	} else {
		// Overlay shows the URL as text when the code cannot fit.
		h.Logger.Debug("QR render skipped", "error", err)
	}
	if h.Lua != nil {
		h.Lua.EmitEvent("connection_code_ready", map[string]any{
			"url": url,
			"qr":  qrText,
		})
	}
	h.wake()
}

func (h *Hub) emitConnectionError(message string) {
	if h.Lua != nil {
		h.Lua.EmitEvent("connection_code_error", map[string]any{"message": message})
	}
	h.wake()
}

// sendAgentListTo delivers the agent list to one client.
func (h *Hub) sendAgentListTo(client ClientID) {
	msg := relay.AgentsMessage(h.agentInfos())
	if err := h.Registry.SendJSONTo(client, msg); err != nil {
		h.Logger.Debug("Agent list send failed", "client", client.String())
	}
}

// broadcastAgentList delivers the agent list to every client.
func (h *Hub) broadcastAgentList() {
	h.Registry.Broadcast(relay.AgentsMessage(h.agentInfos()))
	h.wake()
}

// agentInfos snapshots the agent table for client display.
func (h *Hub) agentInfos() []relay.AgentInfo {
	var infos []relay.AgentInfo
	h.State.WithRead(func(s *HubState) {
		for _, key := range s.OrderedKeys() {
			ag, ok := s.GetAgent(key)
			if !ok {
				continue
			}
			repo := ag.Repo
			branch := ag.BranchName
			infos = append(infos, relay.AgentInfo{
				ID:          ag.GetID(),
				Key:         key,
				Repo:        &repo,
				IssueNumber: ag.IssueNumber,
				BranchName:  &branch,
				State:       string(ag.State()),
				ActivePty:   ag.ActivePTYName(),
				PtyNames:    ag.SessionNames(),
				HasNotify:   ag.HasPendingNotification(),
				AgeSeconds:  int64(ag.Age().Seconds()),
			})
		}
	})
	return infos
}

// refreshWorktrees rebuilds the available worktree list (worktrees with no
// live agent).
func (h *Hub) refreshWorktrees() {
	if h.Git == nil {
		return
	}
	worktrees, err := h.Git.ListAllWorktrees()
	if err != nil {
		h.Logger.Debug("Worktree list failed", "error", err)
		return
	}

	h.State.WithWrite(func(s *HubState) {
		active := make(map[string]bool)
		for _, ag := range s.AllAgents() {
			active[ag.WorktreePath] = true
		}
		var available []WorktreeInfo
		for _, wt := range worktrees {
			if !active[wt.Path] {
				available = append(available, WorktreeInfo{Path: wt.Path, Branch: wt.Branch})
			}
		}
		s.SetAvailableWorktrees(available)
	})
}

// cleanupOrphanedWorktrees removes worktrees left behind with teardown
// markers by previous crashed sessions.
func (h *Hub) cleanupOrphanedWorktrees() {
	if h.Git == nil {
		return
	}
	worktrees, err := h.Git.ListAllWorktrees()
	if err != nil {
		return
	}
	for _, wt := range worktrees {
		marker := wt.Path + "/.botster_teardown"
		if _, err := os.Stat(marker); err == nil {
			h.Logger.Info("Cleaning up orphaned worktree", "path", wt.Path)
			if err := h.Git.DeleteWorktreeByPath(wt.Path, wt.Branch); err != nil {
				h.Logger.Warn("Orphan cleanup failed", "path", wt.Path, "error", err)
			}
		}
	}
}

// shutdown tears everything down in dependency order.
func (h *Hub) shutdown() {
	h.Logger.Info("Shutting down hub")

	if h.Lua != nil {
		h.Lua.EmitEvent("shutdown", map[string]any{})
	}

	var agents []*agent.Agent
	h.State.WithWrite(func(s *HubState) {
		for _, key := range s.OrderedKeys() {
			if ag := s.RemoveAgent(key); ag != nil {
				agents = append(agents, ag)
			}
			h.Registry.DropAgent(key)
		}
	})
	for _, ag := range agents {
		ag.Kill()
	}

	if h.Peers != nil {
		h.Peers.Close()
	}
	if h.Cable != nil {
		h.Cable.Close()
	}
}

// --- Response sinks ---

// browserSink sends control frames to one browser peer through the
// encrypted DataChannel.
type browserSink struct {
	hub  *Hub
	peer string
}

// SendJSON seals and ships a control frame.
func (s *browserSink) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.hub.Peers.SendEncrypted(s.peer, payload)
}

// SendRaw wraps a prefixed terminal frame in the raw-reply JSON shape.
func (s *browserSink) SendRaw(frame []byte) error {
	return (&subscriptionSink{hub: s.hub, peer: s.peer, subID: "default"}).SendRaw(frame)
}

// subscriptionSink ships one subscription's raw frames to a browser peer
// as {subscriptionId, raw: base64(bytes)} replies.
type subscriptionSink struct {
	hub   *Hub
	peer  string
	subID string
}

// SendJSON delegates control frames to the peer channel.
func (s *subscriptionSink) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.hub.Peers.SendEncrypted(s.peer, payload)
}

// SendRaw ships a raw terminal frame for this subscription.
func (s *subscriptionSink) SendRaw(frame []byte) error {
	payload, err := json.Marshal(relay.RawFrame{
		SubscriptionID: s.subID,
		Raw:            base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return err
	}
	return s.hub.Peers.SendEncrypted(s.peer, payload)
}

// parseIssueNumber parses a numeric issue reference.
func parseIssueNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil {
		return 0, err
	}
	return n, nil
}
