package hub

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/trybotster/botster-hub/internal/pty"
)

// closableSink fails sends after Close, like a dead transport.
type closableSink struct {
	captureSink
	closed bool
	mu2    sync.Mutex
}

func (s *closableSink) SendRaw(frame []byte) error {
	s.mu2.Lock()
	closed := s.closed
	s.mu2.Unlock()
	if closed {
		return errSinkClosed
	}
	return s.captureSink.SendRaw(frame)
}

var errSinkClosed = Errorf(ErrTransport, "sink closed")

func spawnCat(t *testing.T) *pty.Session {
	t.Helper()
	s := pty.New("agent", nil)
	if err := s.Spawn(pty.SpawnConfig{Command: "cat", Rows: 24, Cols: 80}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	t.Cleanup(func() { s.Kill() })
	return s
}

func TestForwarderSendsScrollbackFirstWithPrefix(t *testing.T) {
	session := spawnCat(t)

	session.Write([]byte("seed\n"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !bytes.Contains(session.Scrollback(), []byte("seed")) {
		time.Sleep(20 * time.Millisecond)
	}

	sink := &captureSink{}
	f := NewForwarder(TuiClient(), "k", "agent", "sub1", 0x07, session, sink, nil)
	go f.Run()
	defer f.Stop()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.raws)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.raws) == 0 {
		t.Fatal("no frames delivered")
	}
	first := sink.raws[0]
	if first[0] != 0x07 {
		t.Errorf("prefix = %#x, want 0x07", first[0])
	}
	if !bytes.Contains(first[1:], []byte("seed")) {
		t.Errorf("first frame = %q, want scrollback content", first)
	}
}

func TestForwarderStopCancelsQuickly(t *testing.T) {
	session := spawnCat(t)

	f := NewForwarder(TuiClient(), "k", "agent", "sub1", 0x01, session, &captureSink{}, nil)
	done := make(chan struct{})
	go func() {
		f.Run()
		close(done)
	}()

	f.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop within one broadcast wake")
	}
	if f.IsActive() {
		t.Error("IsActive() = true after Stop")
	}
}

func TestForwarderTerminatesOnClosedSink(t *testing.T) {
	session := spawnCat(t)

	sink := &closableSink{}
	sink.mu2.Lock()
	sink.closed = true
	sink.mu2.Unlock()

	f := NewForwarder(TuiClient(), "k", "agent", "sub1", 0x01, session, sink, nil)
	done := make(chan struct{})
	go func() {
		f.Run()
		close(done)
	}()

	// The scrollback frame send fails immediately.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder kept running with a closed sink")
	}
}

func TestForwarderTerminatesOnProcessExit(t *testing.T) {
	session := pty.New("agent", nil)
	if err := session.Spawn(pty.SpawnConfig{Command: "true", Rows: 24, Cols: 80}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	f := NewForwarder(TuiClient(), "k", "agent", "sub1", 0x01, session, &captureSink{}, nil)
	done := make(chan struct{})
	go func() {
		f.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not terminate on process exit")
	}
}
