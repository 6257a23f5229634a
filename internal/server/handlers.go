package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"tablesync/internal/identity"
	"tablesync/internal/protocol"
	"tablesync/internal/rooms"
	"tablesync/internal/wshub"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type Server struct {
	Rooms *rooms.Store
}

type createRoomResponse struct {
	Code    string `json:"code"`
	HostKey string `json:"host_key,omitempty"`
}

// handleCreateRoom mints a room and returns its code plus the host key the
// creator presents when joining over the socket.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	initial, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}
	if len(initial) == 0 {
		initial = json.RawMessage(`{}`)
	}

	room, hostKey, err := s.Rooms.Create("", initial)
	if err != nil {
		log.Println(err)
		http.Error(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createRoomResponse{Code: room.Code, HostKey: hostKey})
}

// handleWS upgrades the connection and attaches it to the room named by the
// join query parameter. The reader loop runs until the transport closes;
// the write pump drains the hub's per-client channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("join")))
	if code == "" {
		http.Error(w, "missing join code", http.StatusBadRequest)
		return
	}

	// Fail the handshake early for dead codes so the client gets a real
	// HTTP status instead of an immediate close frame.
	if _, err := s.Rooms.Lookup(code); err != nil {
		if errors.Is(err, rooms.ErrRoomEnded) {
			http.Error(w, "room has ended", http.StatusGone)
			return
		}
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "anonymous"
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.New().String()
	}
	hostKey := r.URL.Query().Get("host_key")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	connID := uuid.New().String()
	client := &wshub.Client{
		ConnID:   connID,
		Identity: identity.Identity{UserID: userID, Name: name, Role: identity.RolePlayer},
		Conn:     conn,
		Send:     make(chan []byte, 16),
	}

	if _, err := s.Rooms.Join(code, client, hostKey); err != nil {
		reason := "join failed"
		if errors.Is(err, rooms.ErrRoomEnded) {
			reason = "room has ended"
		}
		conn.Close(websocket.StatusPolicyViolation, reason)
		return
	}
	defer s.Rooms.Leave(connID)

	go client.WritePump(r.Context())

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			room := s.Rooms.Get(code)
			if room != nil {
				room.Hub.SendTo(connID, protocol.ErrorMessage(connID, "bad frame", ""))
			}
			continue
		}

		switch msg.Type {
		case protocol.TypeEvent:
			action, err := protocol.Action(msg)
			if err != nil {
				continue
			}
			// Rejections are answered inside Submit, targeted at this
			// connection only.
			if _, err := s.Rooms.Submit(code, connID, action); err != nil {
				log.Printf("[WS] Rejected action %s in %s: %v\n", action.ID, code, err)
			}
		case protocol.TypeDiceRoll:
			if err := s.Rooms.ForwardDice(code, connID, msg); err != nil {
				log.Printf("[WS] Dice roll in %s: %v\n", code, err)
			}
		case protocol.TypeResyncRequest:
			if err := s.Rooms.Resync(code, connID); err != nil {
				log.Printf("[WS] Resync in %s: %v\n", code, err)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
