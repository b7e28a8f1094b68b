package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
)

func chatFrame(callID, text string) protocol.Frame {
	return protocol.NewFrame(callID, "", protocol.ChatSend{Message: text})
}

func TestDispatcherPublishesToCallSubscribers(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "call-1", Subscriber{ConnID: "c1", UserID: "H1"})
	defer cleanup()

	dispatcher.Publish("call-1", chatFrame("call-1", "hello"), Everyone())

	select {
	case received := <-stream:
		if received.Type != protocol.TypeChatSend || received.CallID != "call-1" {
			t.Fatalf("unexpected frame %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected frame within deadline")
	}
}

func TestDispatcherIsolatesCallsAndAudiences(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, hostCleanup := dispatcher.Subscribe(ctx, "call-1", Subscriber{ConnID: "c1", UserID: "H1"})
	defer hostCleanup()
	member, memberCleanup := dispatcher.Subscribe(ctx, "call-1", Subscriber{ConnID: "c2", UserID: "P2"})
	defer memberCleanup()
	other, otherCleanup := dispatcher.Subscribe(ctx, "call-2", Subscriber{ConnID: "c3", UserID: "P3"})
	defer otherCleanup()

	dispatcher.Publish("call-1", chatFrame("call-1", "to host"), Users("H1"))
	dispatcher.Publish("call-1", chatFrame("call-1", "to c2"), Connection("c2"))

	if frame := <-host; frame.Message.(protocol.ChatSend).Message != "to host" {
		t.Fatalf("unexpected host frame %+v", frame)
	}
	if frame := <-member; frame.Message.(protocol.ChatSend).Message != "to c2" {
		t.Fatalf("unexpected member frame %+v", frame)
	}
	select {
	case frame := <-other:
		t.Fatalf("did not expect frame for another call: %+v", frame)
	case <-host:
		t.Fatal("did not expect a second host frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherDropsSlowSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(1)
	overflowed := make(chan struct{}, 1)
	stream, cleanup := dispatcher.Subscribe(context.Background(), "call-1", Subscriber{
		ConnID:     "c1",
		UserID:     "P2",
		OnOverflow: func() { overflowed <- struct{}{} },
	})
	defer cleanup()

	dispatcher.Publish("call-1", chatFrame("call-1", "one"), Everyone())
	dispatcher.Publish("call-1", chatFrame("call-1", "two"), Everyone())

	select {
	case <-overflowed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected overflow callback")
	}
	if dispatcher.Count("call-1") != 0 {
		t.Fatalf("expected slow subscriber to be removed")
	}
	if frame, ok := <-stream; !ok || frame.Message.(protocol.ChatSend).Message != "one" {
		t.Fatalf("expected buffered frame before close, got %+v %v", frame, ok)
	}
	if _, ok := <-stream; ok {
		t.Fatalf("expected stream to be closed")
	}
}

func TestDispatcherCleanupOnContextDone(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	stream, cleanup := dispatcher.Subscribe(ctx, "call-1", Subscriber{ConnID: "c1", UserID: "P2"})
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after context cancellation")
	}
	cleanup()
}
