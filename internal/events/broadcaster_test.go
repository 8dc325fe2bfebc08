package events

import (
	"strings"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe(1)
	ch2 := b.Subscribe(2)

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2) // second call is a no-op
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(7)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventCreate, OwnerID: 7, Path: "/test/file.txt", Size: 100})

	select {
	case received := <-ch:
		if received.Type != EventCreate {
			t.Errorf("expected type %s, got %s", EventCreate, received.Type)
		}
		if received.Path != "/test/file.txt" {
			t.Errorf("expected path /test/file.txt, got %s", received.Path)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterOwnerScoping(t *testing.T) {
	b := NewBroadcaster()
	mine := b.Subscribe(1)
	theirs := b.Subscribe(2)
	defer b.Unsubscribe(mine)
	defer b.Unsubscribe(theirs)

	b.Publish(Event{Type: EventDelete, OwnerID: 1, Path: "/a"})

	select {
	case <-mine:
	case <-time.After(time.Second):
		t.Fatal("owner's subscriber did not receive event")
	}
	select {
	case ev := <-theirs:
		t.Fatalf("other owner received %+v", ev)
	default:
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventModify, OwnerID: 1, Path: "/f"})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered %d events, want %d", len(ch), cap(ch))
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventMove, OwnerID: 3, NodeID: "n1", Path: "/b/x", OldPath: "/a/x", Timestamp: 1})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "owner") {
		t.Errorf("owner id leaked into payload: %s", s)
	}
	if !strings.Contains(s, `"old_path":"/a/x"`) {
		t.Errorf("missing old_path: %s", s)
	}
}
