package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trybotster/botster-hub/internal/secure"
	"github.com/trybotster/botster-hub/internal/server"
)

// Reconnect backoff bounds.
const (
	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// RequestTimeout bounds a blocking hub_client.request round trip.
const RequestTimeout = 10 * time.Second

// cableFrame is the ActionCable wire envelope.
type cableFrame struct {
	Type       string          `json:"type,omitempty"`
	Command    string          `json:"command,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Data       string          `json:"data,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// channelMessage is the payload shape the server delivers on both hub
// channels: a monotonically increasing per-channel sequence, an event type
// and a free-form payload.
type channelMessage struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`

	// RequestID correlates hub_client request/response pairs.
	RequestID string `json:"request_id,omitempty"`
}

// Config holds cable client configuration.
type Config struct {
	// ServerURL is the https base URL; the cable endpoint is derived.
	ServerURL string

	// Token authenticates the hub device.
	Token string

	// HubID identifies this hub instance to the server.
	HubID string
}

// Client maintains the ActionCable connection to the signaling server.
//
// The server is untrusted: it sees subscription identifiers and plaintext
// command traffic, and relays opaque MessageEnvelope blobs on the signal
// channel. Connection loss triggers exponential backoff reconnection with
// automatic re-subscription.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn   *websocket.Conn
	sendCh chan cableFrame

	// subscriptions maps identifier JSON -> handler.
	subscriptions map[string]func(message []byte)

	// lastSeq tracks the highest acknowledged sequence per channel for
	// idempotent re-delivery handling.
	lastSeq map[string]int64

	// onCommand receives command channel messages.
	onCommand func(msg *server.Message, seq int64)

	// onSignal receives parsed envelopes from the signal channel.
	onSignal func(*secure.InboundEnvelope)

	// pending correlates blocking requests with their responses.
	pending map[string]chan json.RawMessage

	connected atomic.Bool
	closed    atomic.Bool
	nextReqID atomic.Int64

	// writeMu serializes writes: the writer goroutine and direct
	// Request writes share one connection.
	writeMu sync.Mutex
	mu      sync.Mutex
}

// writeFrame serializes one frame onto the connection.
func (c *Client) writeFrame(conn *websocket.Conn, frame cableFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// New creates a cable client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:           cfg,
		logger:        logger,
		sendCh:        make(chan cableFrame, 256),
		subscriptions: make(map[string]func([]byte)),
		lastSeq:       make(map[string]int64),
		pending:       make(map[string]chan json.RawMessage),
	}
}

// OnCommand sets the command channel handler.
func (c *Client) OnCommand(fn func(msg *server.Message, seq int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = fn
}

// OnSignal sets the signal channel handler.
func (c *Client) OnSignal(fn func(*secure.InboundEnvelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

// cableURL derives the websocket endpoint from the server URL.
func (c *Client) cableURL() string {
	url := c.cfg.ServerURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/cable"
}

// identifier builds the ActionCable subscription identifier for a channel.
func (c *Client) identifier(channel string) string {
	ident, _ := json.Marshal(map[string]string{
		"channel": channel,
		"hub_id":  c.cfg.HubID,
	})
	return string(ident)
}

// Run maintains the connection until the context is cancelled, redialing
// with exponential backoff and resubscribing all channels after each
// reconnect.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectMin

	for ctx.Err() == nil && !c.closed.Load() {
		err := c.runOnce(ctx)
		if ctx.Err() != nil || c.closed.Load() {
			return
		}
		if err != nil {
			c.logger.Warn("Cable connection lost", "error", err, "retry_in", backoff)
		}

		// Jittered exponential backoff.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// runOnce dials, resubscribes, and pumps frames until failure.
func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cableURL(), header)
	if err != nil {
		return fmt.Errorf("cable dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	idents := make([]string, 0, len(c.subscriptions))
	for ident := range c.subscriptions {
		idents = append(idents, ident)
	}
	c.mu.Unlock()
	c.connected.Store(true)
	defer c.connected.Store(false)

	// Re-issue every subscription on the fresh connection.
	for _, ident := range idents {
		c.enqueue(cableFrame{Command: "subscribe", Identifier: ident})
	}

	readerDone := make(chan struct{})
	go func() {
		for {
			select {
			case frame := <-c.sendCh:
				if err := c.writeFrame(conn, frame); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-readerDone:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			close(readerDone)
			return fmt.Errorf("cable read failed: %w", err)
		}
		c.handleFrame(data)
	}
}

// handleFrame routes one inbound cable frame.
func (c *Client) handleFrame(data []byte) {
	var frame cableFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("Malformed cable frame dropped", "error", err)
		return
	}

	switch frame.Type {
	case "welcome", "ping", "confirm_subscription":
		return
	case "reject_subscription":
		c.logger.Warn("Cable subscription rejected", "identifier", frame.Identifier)
		return
	}

	if frame.Message == nil {
		return
	}

	c.mu.Lock()
	handler := c.subscriptions[frame.Identifier]
	c.mu.Unlock()

	if handler != nil {
		handler(frame.Message)
	}
}

// enqueue queues a frame for the writer; drops when the queue is full.
func (c *Client) enqueue(frame cableFrame) {
	select {
	case c.sendCh <- frame:
	default:
		c.logger.Warn("Cable send queue full, frame dropped", "command", frame.Command)
	}
}

// Subscribe registers a channel handler and issues the subscribe command.
// Safe before Run; the subscription is issued on connect.
func (c *Client) Subscribe(channel string, handler func(message []byte)) {
	ident := c.identifier(channel)

	c.mu.Lock()
	c.subscriptions[ident] = handler
	c.mu.Unlock()

	if c.connected.Load() {
		c.enqueue(cableFrame{Command: "subscribe", Identifier: ident})
	}
}

// SubscribeCommandChannel wires the command channel: plaintext control
// messages, replayed into the hub event loop. Every delivery is
// acknowledged; a sequence reaches the event loop only once, so
// re-delivery of a seen sequence is a no-op beyond re-acknowledgement.
func (c *Client) SubscribeCommandChannel() {
	c.Subscribe(CommandChannel, func(message []byte) {
		var msg channelMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("Malformed command message dropped", "error", err)
			return
		}

		// Responses to blocking requests bypass the event loop.
		if msg.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			if ok {
				delete(c.pending, msg.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg.Payload
				return
			}
		}

		c.mu.Lock()
		already := msg.Sequence != 0 && msg.Sequence <= c.lastSeq[CommandChannel]
		if !already && msg.Sequence != 0 {
			c.lastSeq[CommandChannel] = msg.Sequence
		}
		onCommand := c.onCommand
		c.mu.Unlock()

		c.Acknowledge(CommandChannel, msg.Sequence)
		if already {
			return
		}

		if onCommand != nil {
			srvMsg := &server.Message{
				ID:        msg.Sequence,
				EventType: msg.EventType,
			}
			if len(msg.Payload) > 0 {
				var payload map[string]any
				if err := json.Unmarshal(msg.Payload, &payload); err != nil {
					c.logger.Debug("Command payload not an object", "error", err)
				} else {
					srvMsg.Payload = payload
				}
			}
			onCommand(srvMsg, msg.Sequence)
		}
	})
}

// SubscribeSignalChannel wires the encrypted signal channel. Every payload
// must be a MessageEnvelope; anything else is dropped.
func (c *Client) SubscribeSignalChannel() {
	c.Subscribe(SignalChannel, func(message []byte) {
		var msg channelMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("Malformed signal message dropped", "error", err)
			return
		}

		env, err := secure.ParseEnvelope(msg.Payload)
		if err != nil {
			c.logger.Debug("Signal payload not an envelope", "error", err)
			return
		}

		c.Acknowledge(SignalChannel, msg.Sequence)

		c.mu.Lock()
		onSignal := c.onSignal
		c.mu.Unlock()
		if onSignal != nil {
			onSignal(&secure.InboundEnvelope{
				PeerIdentity: env.SenderIdentityKey,
				Envelope:     env,
				Seq:          msg.Sequence,
			})
		}
	})
}

// Acknowledge confirms delivery of a sequence number on a channel.
// Acknowledging the same sequence twice is harmless.
func (c *Client) Acknowledge(channel string, seq int64) {
	if seq == 0 {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"action":   "acknowledge",
		"sequence": seq,
	})
	c.enqueue(cableFrame{
		Command:    "message",
		Identifier: c.identifier(channel),
		Data:       string(data),
	})
}

// SendOnChannel transmits a payload on a subscribed channel.
func (c *Client) SendOnChannel(channel string, payload []byte) {
	c.enqueue(cableFrame{
		Command:    "message",
		Identifier: c.identifier(channel),
		Data:       string(payload),
	})
}

// SendSignal relays an encrypted envelope to a peer via the signal channel.
func (c *Client) SendSignal(peerIdentity string, env *secure.Envelope) error {
	envBytes, err := env.Marshal()
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{
		"action":    "signal",
		"recipient": peerIdentity,
		"envelope":  json.RawMessage(envBytes),
	})
	if err != nil {
		return err
	}
	c.enqueue(cableFrame{
		Command:    "message",
		Identifier: c.identifier(SignalChannel),
		Data:       string(data),
	})
	return nil
}

// Request performs a blocking request/response round trip on the command
// channel. The frame is written directly through the per-connection sender
// so a script calling this from the event loop cannot deadlock it.
func (c *Client) Request(payload []byte) ([]byte, error) {
	reqID := fmt.Sprintf("req-%d", c.nextReqID.Add(1))

	respCh := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[reqID] = respCh
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("cable not connected")
	}

	data, err := json.Marshal(map[string]any{
		"action":     "request",
		"request_id": reqID,
		"payload":    json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	frame := cableFrame{
		Command:    "message",
		Identifier: c.identifier(CommandChannel),
		Data:       string(data),
	}

	// Direct write, bypassing the queue, so the response can be awaited
	// without the writer goroutine being required to drain first.
	if err := c.writeFrame(conn, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("request write failed: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(RequestTimeout):
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("request timed out")
	}
}

// Connected reports whether the cable link is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
