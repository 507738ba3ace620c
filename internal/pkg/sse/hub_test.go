package sse

import (
	"strings"
	"testing"
)

func TestEventFormatSSE(t *testing.T) {
	event := Event{
		Type: "message_update",
		Data: map[string]interface{}{"content": "hello"},
	}

	result := event.FormatSSE()

	if !strings.HasPrefix(result, "event: message_update\n") {
		t.Errorf("unexpected event line: %q", result)
	}
	if !strings.Contains(result, "data: {\"content\":\"hello\"}\n") {
		t.Errorf("unexpected data line: %q", result)
	}
	if !strings.HasSuffix(result, "\n\n") {
		t.Errorf("event must end with a blank line: %q", result)
	}
}

func TestHubBroadcastByResource(t *testing.T) {
	hub := NewHub()

	a := &Client{ID: "a", Channel: make(chan Event, 1), Resource: "chat:1"}
	b := &Client{ID: "b", Channel: make(chan Event, 1), Resource: "chat:2"}
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast("chat:1", Event{Type: "ping"})

	select {
	case ev := <-a.Channel:
		if ev.Type != "ping" {
			t.Errorf("expected ping, got %s", ev.Type)
		}
	default:
		t.Fatal("subscriber of chat:1 received nothing")
	}

	select {
	case <-b.Channel:
		t.Fatal("subscriber of chat:2 must not receive chat:1 events")
	default:
	}
}

func TestHubSkipsFullSubscriber(t *testing.T) {
	hub := NewHub()
	c := &Client{ID: "a", Channel: make(chan Event, 1), Resource: "chat:1"}
	hub.Register(c)

	// Fill the buffer, then broadcast again; the hub must not block.
	hub.Broadcast("chat:1", Event{Type: "one"})
	hub.Broadcast("chat:1", Event{Type: "two"})

	ev := <-c.Channel
	if ev.Type != "one" {
		t.Errorf("expected the first event to survive, got %s", ev.Type)
	}
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	hub := NewHub()
	c := &Client{ID: "a", Channel: make(chan Event, 1), Resource: "chat:1"}
	hub.Register(c)

	if got := hub.ClientCount("chat:1"); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}

	hub.Unregister(c)

	if _, open := <-c.Channel; open {
		t.Error("channel must be closed after unregister")
	}
	if got := hub.ClientCount("chat:1"); got != 0 {
		t.Errorf("expected 0 clients, got %d", got)
	}

	// A second unregister is a no-op, not a double close.
	hub.Unregister(c)
}
