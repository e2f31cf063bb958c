package webrtc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/trybotster/botster-hub/internal/secure"
)

// Callbacks are the manager's upcalls. They run on pion goroutines or on
// the goroutine calling HandleSignal, Teardown or Close; the hub wires them
// to event queue submissions.
type Callbacks struct {
	// OnPeerConnected fires when a peer's DataChannel opens.
	OnPeerConnected func(peer string)

	// OnPeerDisconnected fires when a peer connection dies.
	OnPeerDisconnected func(peer string)

	// OnMessage delivers a decrypted, decompressed DataChannel frame.
	OnMessage func(peer string, data []byte)

	// OnSessionInvalid fires after the crypto desync threshold; the
	// session_invalid frame has already been sent if a DataChannel existed.
	OnSessionInvalid func(peer string)

	// SendSignal relays a plaintext signaling payload (answer/ice) for
	// encryption and transport to the peer.
	SendSignal func(peer string, payload []byte)
}

// SignalPayload is the decrypted shape of signal channel payloads.
type SignalPayload struct {
	Type      string           `json:"type"`
	SDP       string           `json:"sdp,omitempty"`
	Candidate *signalCandidate `json:"candidate,omitempty"`
}

type signalCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// peerConn is one browser peer's connection state.
type peerConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
	mu sync.Mutex
}

// Manager owns all browser peer connections.
//
// Per peer it maintains at most one PeerConnection. Offers create the
// connection and produce an answer; ICE candidates are forwarded in both
// directions through the encrypted signal relay.
type Manager struct {
	sessions  *secure.Manager
	callbacks Callbacks
	logger    *slog.Logger

	peers map[string]*peerConn
	api   *webrtc.API

	mu sync.Mutex
}

// NewManager creates a peer manager.
func NewManager(sessions *secure.Manager, callbacks Callbacks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  sessions,
		callbacks: callbacks,
		logger:    logger,
		peers:     make(map[string]*peerConn),
		api:       webrtc.NewAPI(),
	}
}

// HandleSignal processes a decrypted signal payload from a peer. Unknown
// types are logged and ignored.
func (m *Manager) HandleSignal(peer string, payload []byte) error {
	var sig SignalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("malformed signal payload: %w", err)
	}

	switch sig.Type {
	case "offer":
		return m.handleOffer(peer, sig.SDP)
	case "ice":
		return m.handleICE(peer, sig.Candidate)
	case "answer":
		// The hub never initiates, so an answer has no pending offer.
		m.logger.Debug("Unexpected answer from peer", "peer", peer)
		return nil
	default:
		m.logger.Debug("Unknown signal type ignored", "peer", peer, "type", sig.Type)
		return nil
	}
}

// handleOffer creates (if missing) the peer connection, applies the remote
// offer, and relays the SDP answer back through the signal channel.
func (m *Manager) handleOffer(peer, sdp string) error {
	p, err := m.ensurePeer(peer)
	if err != nil {
		return err
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote offer failed: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer failed: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer failed: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"type": "answer",
		"sdp":  answer.SDP,
	})
	if err != nil {
		return err
	}
	m.callbacks.SendSignal(peer, payload)
	return nil
}

// handleICE forwards a remote candidate into the peer connection.
func (m *Manager) handleICE(peer string, cand *signalCandidate) error {
	if cand == nil {
		return fmt.Errorf("ice payload missing candidate")
	}

	m.mu.Lock()
	p, ok := m.peers[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("ice for unknown peer")
	}

	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

// ensurePeer returns the existing connection or builds a fresh one.
func (m *Manager) ensurePeer(peer string) (*peerConn, error) {
	m.mu.Lock()
	if p, ok := m.peers[peer]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("peer connection failed: %w", err)
	}

	p := &peerConn{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		payload, err := json.Marshal(map[string]any{
			"type": "ice",
			"candidate": map[string]any{
				"candidate":     init.Candidate,
				"sdpMid":        init.SDPMid,
				"sdpMLineIndex": init.SDPMLineIndex,
			},
		})
		if err != nil {
			return
		}
		m.callbacks.SendSignal(peer, payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			m.Teardown(peer)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()

		dc.OnOpen(func() {
			m.logger.Info("Peer DataChannel open", "peer", peer)
			if m.callbacks.OnPeerConnected != nil {
				m.callbacks.OnPeerConnected(peer)
			}
		})

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			m.handleDataFrame(peer, msg.Data)
		})

		dc.OnClose(func() {
			if m.callbacks.OnPeerDisconnected != nil {
				m.callbacks.OnPeerDisconnected(peer)
			}
		})
	})

	m.mu.Lock()
	m.peers[peer] = p
	m.mu.Unlock()
	return p, nil
}

// handleDataFrame decrypts one DataChannel frame, tracking desync.
func (m *Manager) handleDataFrame(peer string, data []byte) {
	env, err := secure.ParseEnvelope(data)
	if err != nil {
		m.logger.Debug("Non-envelope DataChannel frame dropped", "peer", peer)
		return
	}

	plaintext, invalidate, err := m.sessions.Decrypt(env)
	if err != nil {
		if invalidate {
			m.invalidateSession(peer)
		}
		return
	}

	payload, err := unpackFrame(plaintext)
	if err != nil {
		m.logger.Debug("Undecodable frame dropped", "peer", peer, "error", err)
		return
	}

	if m.callbacks.OnMessage != nil {
		m.callbacks.OnMessage(peer, payload)
	}
}

// invalidateSession sends one plaintext session_invalid frame when the
// peer has a DataChannel, and tears the peer down.
func (m *Manager) invalidateSession(peer string) {
	m.logger.Warn("Peer crypto session invalidated", "peer", peer)

	m.mu.Lock()
	p, ok := m.peers[peer]
	m.mu.Unlock()

	if ok {
		p.mu.Lock()
		dc := p.dc
		p.mu.Unlock()
		if dc != nil {
			if frame, err := json.Marshal(secure.NewSessionInvalid()); err == nil {
				dc.Send(frame)
			}
		}
	}

	m.Teardown(peer)
	if m.callbacks.OnSessionInvalid != nil {
		m.callbacks.OnSessionInvalid(peer)
	}
}

// SendEncrypted seals a payload for a peer and ships it on the
// DataChannel. Payloads above the threshold are compressed first.
func (m *Manager) SendEncrypted(peer string, payload []byte) error {
	m.mu.Lock()
	p, ok := m.peers[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for peer")
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("peer DataChannel not open")
	}

	packed, err := packFrame(payload)
	if err != nil {
		return err
	}
	env, err := m.sessions.Encrypt(peer, packed)
	if err != nil {
		return fmt.Errorf("encrypt failed: %w", err)
	}
	frame, err := env.Marshal()
	if err != nil {
		return err
	}
	return dc.Send(frame)
}

// Teardown closes and forgets a peer connection.
func (m *Manager) Teardown(peer string) {
	m.mu.Lock()
	p, ok := m.peers[peer]
	if ok {
		delete(m.peers, peer)
	}
	m.mu.Unlock()

	if ok {
		p.pc.Close()
		m.sessions.Remove(peer)
		if m.callbacks.OnPeerDisconnected != nil {
			m.callbacks.OnPeerDisconnected(peer)
		}
	}
}

// HasPeer reports whether a peer connection exists.
func (m *Manager) HasPeer(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peer]
	return ok
}

// Peers lists connected peer identities.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.peers))
	for p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Close tears down every peer.
func (m *Manager) Close() {
	for _, peer := range m.Peers() {
		m.Teardown(peer)
	}
}
