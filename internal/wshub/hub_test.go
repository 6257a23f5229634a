package wshub

import (
	"testing"
	"time"

	"tablesync/internal/identity"
	"tablesync/internal/protocol"
)

func testHubClient(connID string) *Client {
	return &Client{
		ConnID:   connID,
		Identity: identity.Identity{UserID: "u-" + connID, Name: connID, Role: identity.RolePlayer},
		Send:     make(chan []byte, 16),
	}
}

func TestRegisterAndBroadcast(t *testing.T) {
	h := NewHub()

	c1 := testHubClient("c1")
	c2 := testHubClient("c2")
	h.Register(c1)
	h.Register(c2)

	h.Broadcast(protocol.ServerMessage{Type: protocol.TypeRoster})

	// Broadcast includes every connection, the sender too.
	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.Send:
			msg, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Type != protocol.TypeRoster {
				t.Fatalf("unexpected message: %+v", msg)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s did not receive broadcast", c.ConnID)
		}
	}
}

func TestSendTo_TargetsOneConnection(t *testing.T) {
	h := NewHub()

	c1 := testHubClient("c1")
	c2 := testHubClient("c2")
	h.Register(c1)
	h.Register(c2)

	h.SendTo("c1", protocol.ErrorMessage("c1", "nope", "a1"))

	select {
	case <-c1.Send:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("c1 did not receive targeted message")
	}

	select {
	case <-c2.Send:
		t.Fatal("c2 should not receive a targeted message")
	default:
	}
}

func TestUnregister(t *testing.T) {
	h := NewHub()
	c := testHubClient("c1")
	h.Register(c)

	h.Unregister("c1")

	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
	if _, ok := <-c.Send; ok {
		t.Error("Send channel should be closed after Unregister")
	}
	if _, ok := h.Identity("c1"); ok {
		t.Error("identity should be gone after Unregister")
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	h := NewHub()
	c := &Client{ConnID: "c1", Send: make(chan []byte, 1)}
	h.Register(c)

	h.Broadcast(protocol.ServerMessage{Type: protocol.TypeRoster})
	h.Broadcast(protocol.ServerMessage{Type: protocol.TypeRoster})

	// Second message dropped; Broadcast must not block.
	if len(c.Send) != 1 {
		t.Errorf("len(Send) = %d, want 1", len(c.Send))
	}
}

func TestUserConnected(t *testing.T) {
	h := NewHub()
	laptop := &Client{ConnID: "c1", Identity: identity.Identity{UserID: "p1"}, Send: make(chan []byte, 1)}
	tablet := &Client{ConnID: "c2", Identity: identity.Identity{UserID: "p1"}, Send: make(chan []byte, 1)}
	h.Register(laptop)
	h.Register(tablet)

	h.Unregister("c1")
	if !h.UserConnected("p1") {
		t.Error("p1 still has a registered connection")
	}

	h.Unregister("c2")
	if h.UserConnected("p1") {
		t.Error("p1 has no connections left")
	}
}

func TestSetIdentity(t *testing.T) {
	h := NewHub()
	c := testHubClient("c1")
	h.Register(c)

	id, _ := h.Identity("c1")
	id.Role = identity.RoleHost
	h.SetIdentity("c1", id)

	got, ok := h.Identity("c1")
	if !ok || got.Role != identity.RoleHost {
		t.Errorf("identity = %+v, want host role", got)
	}
}
