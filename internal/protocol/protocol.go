package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the envelope. The set is extensible; unknown
// types are passed through untouched.
const (
	TypeEvent         = "event"
	TypeState         = "state"
	TypeDiceRoll      = "dice-roll"
	TypeRoster        = "roster"
	TypeResyncRequest = "resync-request"
	TypeError         = "error"
)

// ServerMessage is the wire envelope, one JSON object per frame. An empty
// Dst means "every connection in the room"; a set Dst targets one
// connection only.
type ServerMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Src       string          `json:"src,omitempty"`
	Dst       string          `json:"dst,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// GameAction is the unit of mutation. Version is 0 while the action is a
// client proposal and is assigned by the room once accepted.
type GameAction struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	UserID       string          `json:"user_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int             `json:"version,omitempty"`
	RequiresAuth bool            `json:"requires_auth,omitempty"`
	Optimistic   bool            `json:"optimistic,omitempty"`
}

func Encode(m ServerMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return data, nil
}

func Decode(frame []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("decoding frame: %w", err)
	}
	return m, nil
}

// WrapAction frames an action as an "event" envelope.
func WrapAction(a GameAction, src, dst string) (ServerMessage, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encoding action %s: %w", a.ID, err)
	}
	return ServerMessage{
		Type:      TypeEvent,
		Data:      data,
		Src:       src,
		Dst:       dst,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Action extracts the GameAction from an "event" envelope.
func Action(m ServerMessage) (GameAction, error) {
	if m.Type != TypeEvent {
		return GameAction{}, fmt.Errorf("expected %s message, got %s", TypeEvent, m.Type)
	}
	var a GameAction
	if err := json.Unmarshal(m.Data, &a); err != nil {
		return GameAction{}, fmt.Errorf("decoding action: %w", err)
	}
	return a, nil
}

type errorData struct {
	Message  string `json:"message"`
	ActionID string `json:"action_id,omitempty"`
}

// ErrorMessage builds a targeted "error" envelope. ActionID identifies the
// rejected action, if any, so the issuer can roll back its optimistic copy.
func ErrorMessage(dst, message, actionID string) ServerMessage {
	data, _ := json.Marshal(errorData{Message: message, ActionID: actionID})
	return ServerMessage{
		Type:      TypeError,
		Data:      data,
		Dst:       dst,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ErrorInfo reads the message text and action id out of an "error" envelope.
func ErrorInfo(m ServerMessage) (message, actionID string) {
	var d errorData
	if err := json.Unmarshal(m.Data, &d); err != nil {
		return "", ""
	}
	return d.Message, d.ActionID
}

type stateData struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// StateMessage builds a full-state resync reply targeted at one connection.
func StateMessage(dst string, version int, state json.RawMessage) ServerMessage {
	data, _ := json.Marshal(stateData{Version: version, State: state})
	return ServerMessage{
		Type:      TypeState,
		Data:      data,
		Dst:       dst,
		Timestamp: time.Now().UnixMilli(),
	}
}

// StateInfo reads the version and state blob out of a "state" envelope.
func StateInfo(m ServerMessage) (int, json.RawMessage, error) {
	var d stateData
	if err := json.Unmarshal(m.Data, &d); err != nil {
		return 0, nil, fmt.Errorf("decoding state message: %w", err)
	}
	return d.Version, d.State, nil
}
