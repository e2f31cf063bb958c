package pty

import (
	"bytes"
	"testing"
)

func collect(sub *Subscription, n int) []Event {
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, <-sub.C)
	}
	return events
}

func TestSubscriberSeesScrollbackFirst(t *testing.T) {
	b := NewBroadcaster(1024)
	b.PublishOutput([]byte("before "))
	b.PublishOutput([]byte("subscribe"))

	sub := b.Subscribe(false)
	defer sub.Cancel()

	b.PublishOutput([]byte(" after"))

	events := collect(sub, 2)
	if events[0].Type != EventScrollback {
		t.Fatalf("first event = %v, want Scrollback", events[0].Type)
	}
	if !bytes.Equal(events[0].Data, []byte("before subscribe")) {
		t.Errorf("scrollback = %q", events[0].Data)
	}
	if events[1].Type != EventOutput || !bytes.Equal(events[1].Data, []byte(" after")) {
		t.Errorf("live event = %v %q", events[1].Type, events[1].Data)
	}
}

func TestScrollbackCarriesKittyFlag(t *testing.T) {
	b := NewBroadcaster(64)
	sub := b.Subscribe(true)
	defer sub.Cancel()

	ev := <-sub.C
	if ev.Type != EventScrollback || !ev.Kitty {
		t.Errorf("event = %+v, want Scrollback with kitty", ev)
	}
}

func TestNoByteDuplicatedOrLostAroundSubscribe(t *testing.T) {
	b := NewBroadcaster(1 << 20)

	for i := 0; i < 100; i++ {
		b.PublishOutput([]byte{byte(i)})
	}
	sub := b.Subscribe(false)
	defer sub.Cancel()
	for i := 100; i < 200; i++ {
		b.PublishOutput([]byte{byte(i)})
	}

	var got []byte
	ev := <-sub.C
	got = append(got, ev.Data...)
	for i := 0; i < 100; i++ {
		ev := <-sub.C
		if ev.Type != EventOutput {
			t.Fatalf("event %d = %v", i, ev.Type)
		}
		got = append(got, ev.Data...)
	}

	if len(got) != 200 {
		t.Fatalf("got %d bytes, want 200", len(got))
	}
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("byte %d = %d (duplicate or gap)", i, v)
		}
	}
}

func TestLaggedSubscriberLosesLiveNotScrollback(t *testing.T) {
	b := NewBroadcaster(1 << 20)
	sub := b.Subscribe(false)
	defer sub.Cancel()

	// Overflow the subscriber channel without draining it.
	for i := 0; i < SubscriberBuffer*2; i++ {
		b.PublishOutput([]byte("x"))
	}

	// The live stream dropped events, but the scrollback has every byte.
	if got := len(b.Scrollback()); got != SubscriberBuffer*2 {
		t.Errorf("scrollback = %d bytes, want %d", got, SubscriberBuffer*2)
	}
}

func TestProcessExitedReachesLaggedSubscriber(t *testing.T) {
	b := NewBroadcaster(1 << 20)
	sub := b.Subscribe(false)

	for i := 0; i < SubscriberBuffer*2; i++ {
		b.PublishOutput([]byte("x"))
	}
	b.Publish(Event{Type: EventProcessExited})

	sawExit := false
	for ev := range sub.C {
		if ev.Type == EventProcessExited {
			sawExit = true
			break
		}
	}
	if !sawExit {
		t.Error("lagged subscriber never observed ProcessExited")
	}
	sub.Cancel()
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster(64)
	sub := b.Subscribe(false)

	<-sub.C // scrollback
	sub.Cancel()

	if _, ok := <-sub.C; ok {
		// A queued event may remain; drain until closed.
		for range sub.C {
		}
	}

	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
}

func TestSubscribeAfterCloseGetsScrollbackAndExit(t *testing.T) {
	b := NewBroadcaster(64)
	b.PublishOutput([]byte("history"))
	b.Publish(Event{Type: EventProcessExited})
	b.Close()

	sub := b.Subscribe(false)
	defer sub.Cancel()

	events := collect(sub, 2)
	if events[0].Type != EventScrollback || !bytes.Equal(events[0].Data, []byte("history")) {
		t.Errorf("first = %+v", events[0])
	}
	if events[1].Type != EventProcessExited {
		t.Errorf("second = %v, want ProcessExited", events[1].Type)
	}
}
