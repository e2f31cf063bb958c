package relay

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/trybotster/botster-hub/internal/secure"
	"github.com/trybotster/botster-hub/internal/server"
)

func testClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(Config{
		ServerURL: "https://trybotster.com",
		Token:     "btstr_test",
		HubID:     "hub1",
	}, logger)
}

// frameFor builds a serialized inbound cable frame for a channel.
func frameFor(c *Client, channel string, message any) []byte {
	payload, _ := json.Marshal(message)
	frame, _ := json.Marshal(map[string]any{
		"identifier": c.identifier(channel),
		"message":    json.RawMessage(payload),
	})
	return frame
}

func TestCableURLDerivation(t *testing.T) {
	c := testClient()
	if got := c.cableURL(); got != "wss://trybotster.com/cable" {
		t.Errorf("cableURL = %q", got)
	}

	c2 := New(Config{ServerURL: "http://localhost:3000"}, nil)
	if got := c2.cableURL(); got != "ws://localhost:3000/cable" {
		t.Errorf("cableURL = %q", got)
	}
}

func TestCommandChannelDelivery(t *testing.T) {
	c := testClient()

	var got *server.Message
	c.OnCommand(func(msg *server.Message, seq int64) {
		got = msg
	})
	c.SubscribeCommandChannel()

	c.handleFrame(frameFor(c, CommandChannel, map[string]any{
		"sequence":   int64(1),
		"event_type": "issue_comment",
		"payload":    map[string]any{"repo": "owner/r", "issue_number": 42},
	}))

	if got == nil {
		t.Fatal("command not delivered")
	}
	if got.EventType != "issue_comment" {
		t.Errorf("event_type = %q", got.EventType)
	}
	if got.Repo() != "owner/r" {
		t.Errorf("repo = %q", got.Repo())
	}
}

func TestCommandChannelRedeliveryIgnored(t *testing.T) {
	c := testClient()

	deliveries := 0
	c.OnCommand(func(msg *server.Message, seq int64) {
		deliveries++
	})
	c.SubscribeCommandChannel()

	frame := frameFor(c, CommandChannel, map[string]any{
		"sequence":   int64(7),
		"event_type": "issue_comment",
		"payload":    map[string]any{},
	})
	c.handleFrame(frame)
	c.handleFrame(frame)

	if deliveries != 1 {
		t.Errorf("deliveries = %d, want 1 (re-delivery is ack-only)", deliveries)
	}
}

func TestSignalChannelParsesEnvelopes(t *testing.T) {
	c := testClient()

	var got *secure.InboundEnvelope
	c.OnSignal(func(env *secure.InboundEnvelope) {
		got = env
	})
	c.SubscribeSignalChannel()

	envelope := map[string]any{
		"schema_version":      1,
		"sender_identity_key": "peerkey",
		"ratchet_header":      base64.StdEncoding.EncodeToString([]byte("{}")),
		"ciphertext":          base64.StdEncoding.EncodeToString([]byte("ct")),
	}
	c.handleFrame(frameFor(c, SignalChannel, map[string]any{
		"sequence": int64(3),
		"payload":  envelope,
	}))

	if got == nil {
		t.Fatal("envelope not delivered")
	}
	if got.PeerIdentity != "peerkey" || got.Seq != 3 {
		t.Errorf("envelope = %+v", got)
	}
}

func TestSignalChannelDropsNonEnvelopes(t *testing.T) {
	c := testClient()

	delivered := false
	c.OnSignal(func(env *secure.InboundEnvelope) {
		delivered = true
	})
	c.SubscribeSignalChannel()

	c.handleFrame(frameFor(c, SignalChannel, map[string]any{
		"sequence": int64(4),
		"payload":  map[string]any{"type": "offer"},
	}))

	if delivered {
		t.Error("non-envelope payload delivered")
	}
}

func TestProtocolFramesIgnored(t *testing.T) {
	c := testClient()
	c.SubscribeCommandChannel()

	for _, frame := range []string{
		`{"type":"welcome"}`,
		`{"type":"ping","message":12345}`,
		`{"type":"confirm_subscription","identifier":"x"}`,
		`not json at all`,
	} {
		c.handleFrame([]byte(frame))
	}
	// Nothing to assert: the protocol frames must simply not panic or
	// reach the handlers.
}

func TestParseClientCommand(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"type":"resize","cols":100,"rows":50}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Type != "resize" || cmd.Cols != 100 || cmd.Rows != 50 {
		t.Errorf("cmd = %+v", cmd)
	}

	if _, err := ParseClientCommand([]byte(`{`)); err == nil {
		t.Error("malformed command accepted")
	}
}

func TestRawFrameShape(t *testing.T) {
	data, _ := json.Marshal(RawFrame{SubscriptionID: "sub1", Raw: "aGk="})

	var decoded map[string]string
	json.Unmarshal(data, &decoded)
	if decoded["subscriptionId"] != "sub1" || decoded["raw"] != "aGk=" {
		t.Errorf("frame = %s", data)
	}
}
