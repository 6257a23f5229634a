package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tablesync/internal/identity"
	"tablesync/internal/protocol"
	"tablesync/internal/rooms"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := rooms.NewStore(rooms.Options{
		HibernateAfter: time.Minute,
		AbandonAfter:   10 * time.Minute,
		Apply:          journalApply,
		Signer:         identity.NewHostKeySigner("test-secret", time.Hour),
	})
	srv := &Server{Rooms: store}
	ts := httptest.NewServer(Routes(srv))
	t.Cleanup(ts.Close)
	return srv, ts
}

func createRoom(t *testing.T, ts *httptest.Server) createRoomResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/rooms", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /rooms status = %d, want 201", resp.StatusCode)
	}
	var created createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	return created
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msg protocol.ServerMessage) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatal(err)
	}
}

func TestHandleCreateRoom(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	if created.Code == "" {
		t.Error("response code should not be empty")
	}
	if created.HostKey == "" {
		t.Error("response host key should not be empty")
	}
}

func TestHandleWS_UnknownRoom(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws?join=ZZZZZ")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleWS_MissingCode(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWS_SubmitAndEcho(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts)

	conn := dialWS(t, ts, "join="+created.Code+"&name=gm&user_id=gm&host_key="+created.HostKey)

	if msg := readEnvelope(t, conn); msg.Type != protocol.TypeRoster {
		t.Fatalf("first frame type = %q, want roster", msg.Type)
	}

	action := protocol.GameAction{ID: "a1", Type: "scene/create", UserID: "gm", RequiresAuth: true}
	evt, err := protocol.WrapAction(action, "gm", "")
	if err != nil {
		t.Fatal(err)
	}
	sendEnvelope(t, conn, evt)

	echo := readEnvelope(t, conn)
	if echo.Type != protocol.TypeEvent {
		t.Fatalf("echo type = %q, want event", echo.Type)
	}
	confirmed, err := protocol.Action(echo)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.ID != "a1" || confirmed.Version != 1 {
		t.Errorf("confirmed = %+v, want id a1 version 1", confirmed)
	}
	if room := srv.Rooms.Get(created.Code); room.Version() != 1 {
		t.Errorf("room version = %d, want 1", room.Version())
	}
}

func TestWS_PlayerAuthActionRejected(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts)

	conn := dialWS(t, ts, "join="+created.Code+"&name=p1&user_id=p1")
	readEnvelope(t, conn) // roster

	action := protocol.GameAction{ID: "a1", Type: "scene/create", UserID: "p1", RequiresAuth: true}
	evt, _ := protocol.WrapAction(action, "p1", "")
	sendEnvelope(t, conn, evt)

	msg := readEnvelope(t, conn)
	if msg.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want error", msg.Type)
	}
	if _, actionID := protocol.ErrorInfo(msg); actionID != "a1" {
		t.Errorf("rejected action id = %q, want a1", actionID)
	}
	if room := srv.Rooms.Get(created.Code); room.Version() != 0 {
		t.Errorf("room version = %d after rejection, want 0", room.Version())
	}
}

func TestWS_ResyncRequest(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	conn := dialWS(t, ts, "join="+created.Code+"&name=gm&user_id=gm&host_key="+created.HostKey)
	readEnvelope(t, conn) // roster

	action := protocol.GameAction{ID: "a1", Type: "token/move", UserID: "gm"}
	evt, _ := protocol.WrapAction(action, "gm", "")
	sendEnvelope(t, conn, evt)
	readEnvelope(t, conn) // echo

	sendEnvelope(t, conn, protocol.ServerMessage{Type: protocol.TypeResyncRequest})

	msg := readEnvelope(t, conn)
	if msg.Type != protocol.TypeState {
		t.Fatalf("frame type = %q, want state", msg.Type)
	}
	version, state, err := protocol.StateInfo(msg)
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("resync version = %d, want 1", version)
	}
	if !bytes.Contains(state, []byte(`"a1"`)) {
		t.Errorf("resync state %s should contain the journaled action", state)
	}
}

func TestWS_DiceRollBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts)

	c1 := dialWS(t, ts, "join="+created.Code+"&name=p1&user_id=p1")
	readEnvelope(t, c1) // roster with p1

	c2 := dialWS(t, ts, "join="+created.Code+"&name=p2&user_id=p2")
	readEnvelope(t, c1) // roster with p1+p2
	readEnvelope(t, c2) // roster with p1+p2

	sendEnvelope(t, c1, protocol.ServerMessage{
		Type: protocol.TypeDiceRoll,
		Data: json.RawMessage(`{"expression":"2d6+3","total":11}`),
	})

	msg := readEnvelope(t, c2)
	if msg.Type != protocol.TypeDiceRoll {
		t.Fatalf("frame type = %q, want dice-roll", msg.Type)
	}
	if msg.Src != "p1" {
		t.Errorf("Src = %q, want p1", msg.Src)
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
