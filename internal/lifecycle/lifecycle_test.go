package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

var allPhases = []Phase{
	PhasePreparation, PhaseReady, PhaseStarting, PhaseLive, PhasePaused, PhaseEnded,
}

func machineAt(t *testing.T, phase Phase) *Machine {
	t.Helper()
	m := NewMachine()
	switch phase {
	case PhasePreparation:
	case PhaseReady:
		m.MarkReadyToStart(nil)
	case PhaseStarting:
		m.MarkReadyToStart(nil)
		m.mu.Lock()
		m.phase = PhaseStarting
		m.mintedCode = "CODE1"
		m.mu.Unlock()
	case PhaseLive:
		m.mu.Lock()
		m.phase = PhaseLive
		m.mu.Unlock()
	case PhasePaused:
		m.mu.Lock()
		m.phase = PhasePaused
		m.mu.Unlock()
	case PhaseEnded:
		m.mu.Lock()
		m.phase = PhaseEnded
		m.mu.Unlock()
	}
	return m
}

// Every (phase, attempted) pair outside the table leaves the phase
// unchanged and never panics.
func TestTransitionTable_Exhaustive(t *testing.T) {
	for _, from := range allPhases {
		for _, to := range allPhases {
			m := machineAt(t, from)
			allowed := canTransition(from, to)
			changed := m.TransitionTo(to)
			if changed != allowed {
				t.Errorf("TransitionTo(%s -> %s) = %v, want %v", from, to, changed, allowed)
			}
			if !allowed && m.Phase() != from {
				t.Errorf("invalid transition %s -> %s changed phase to %s", from, to, m.Phase())
			}
			if allowed && m.Phase() != to {
				t.Errorf("valid transition %s -> %s left phase at %s", from, to, m.Phase())
			}
		}
	}
}

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	if m.Phase() != PhasePreparation {
		t.Errorf("Phase = %s, want preparation", m.Phase())
	}
	if m.Mode() != ModeOffline {
		t.Errorf("Mode = %s, want offline", m.Mode())
	}
	if m.LocalSessionID() == "" {
		t.Error("LocalSessionID should be set")
	}
}

func TestReenteringPreparationRegeneratesSessionID(t *testing.T) {
	m := NewMachine()
	first := m.LocalSessionID()

	m.MarkReadyToStart(nil)
	m.TransitionTo(PhasePreparation)

	if m.LocalSessionID() == first {
		t.Error("re-entering preparation should mint a new local session id")
	}
}

func TestPermissions(t *testing.T) {
	cases := []struct {
		phase Phase
		want  Permissions
	}{
		{PhasePreparation, Permissions{CanEditScenes: true, CanEditCharacters: true, CanEditSettings: true, IsLocalOnly: true}},
		{PhaseReady, Permissions{CanEditScenes: true, CanEditCharacters: true, CanEditSettings: true, IsLocalOnly: true}},
		{PhaseStarting, Permissions{IsLocalOnly: true}},
		{PhaseLive, Permissions{CanEditScenes: true, CanEditCharacters: true, CanEditSettings: true, CanInvitePlayers: true, CanSyncToServer: true}},
		{PhasePaused, Permissions{CanEditScenes: true, CanEditCharacters: true, CanEditSettings: true, CanSyncToServer: true}},
		{PhaseEnded, Permissions{}},
	}
	for _, tc := range cases {
		if got := PermissionsFor(tc.phase); got != tc.want {
			t.Errorf("PermissionsFor(%s) = %+v, want %+v", tc.phase, got, tc.want)
		}
	}
}

func TestGoLive_FullProtocol(t *testing.T) {
	m := NewMachine()
	snapshot := json.RawMessage(`{"scene":"tavern"}`)

	if !m.MarkReadyToStart(snapshot) {
		t.Fatal("MarkReadyToStart failed from preparation")
	}
	if !m.CanGoLive() {
		t.Fatal("CanGoLive should be true in ready")
	}

	code, err := m.StartGoingLive(context.Background(), func(ctx context.Context, snap json.RawMessage) (string, error) {
		if string(snap) != string(snapshot) {
			t.Errorf("starter got snapshot %s", snap)
		}
		return "ABCDE", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if code != "ABCDE" {
		t.Fatalf("code = %q", code)
	}
	if m.Phase() != PhaseStarting {
		t.Fatalf("Phase = %s, want starting", m.Phase())
	}

	if err := m.GoLive(code, snapshot); err != nil {
		t.Fatal(err)
	}
	if m.Phase() != PhaseLive {
		t.Errorf("Phase = %s, want live", m.Phase())
	}
	if m.Mode() != ModeHosting {
		t.Errorf("Mode = %s, want hosting", m.Mode())
	}
	if !m.IsHost() {
		t.Error("IsHost should be true after going live")
	}
	if m.RoomCode() != "ABCDE" {
		t.Errorf("RoomCode = %q", m.RoomCode())
	}
}

func TestStartGoingLive_FailureRollsBack(t *testing.T) {
	m := NewMachine()
	m.MarkReadyToStart(nil)

	_, err := m.StartGoingLive(context.Background(), func(ctx context.Context, snap json.RawMessage) (string, error) {
		return "", errors.New("transport error")
	})
	if err == nil {
		t.Fatal("expected starter error")
	}
	if m.Phase() != PhaseReady {
		t.Errorf("Phase = %s after failure, want ready", m.Phase())
	}
	if m.Mode() != ModeOffline {
		t.Errorf("Mode = %s after failure, want offline", m.Mode())
	}
	if m.RoomCode() != "" {
		t.Errorf("RoomCode = %q after failure, want empty", m.RoomCode())
	}
}

func TestGoLive_RequiresMintedCode(t *testing.T) {
	m := NewMachine()
	m.MarkReadyToStart(nil)

	if err := m.GoLive("ABCDE", nil); !errors.Is(err, ErrNotStarting) {
		t.Errorf("GoLive from ready: error = %v, want ErrNotStarting", err)
	}

	m.StartGoingLive(context.Background(), func(ctx context.Context, snap json.RawMessage) (string, error) {
		return "ABCDE", nil
	})
	if err := m.GoLive("OTHER", nil); !errors.Is(err, ErrNotStarting) {
		t.Errorf("GoLive with foreign code: error = %v, want ErrNotStarting", err)
	}
	if err := m.GoLive("ABCDE", nil); err != nil {
		t.Errorf("GoLive with minted code: %v", err)
	}
}

func TestJoinSession(t *testing.T) {
	m := NewMachine()
	if !m.JoinSession("ABCDE") {
		t.Fatal("JoinSession failed from preparation")
	}
	if m.Phase() != PhaseLive || m.Mode() != ModeJoining {
		t.Errorf("phase=%s mode=%s, want live/joining", m.Phase(), m.Mode())
	}
	if m.IsHost() {
		t.Error("joining participant must not be host")
	}
}

func TestReset(t *testing.T) {
	m := NewMachine()
	first := m.LocalSessionID()
	m.JoinSession("ABCDE")
	m.MarkDirty()

	m.Reset()

	if m.Phase() != PhasePreparation || m.Mode() != ModeOffline {
		t.Errorf("phase=%s mode=%s after Reset", m.Phase(), m.Mode())
	}
	if m.RoomCode() != "" {
		t.Error("Reset should clear the room code")
	}
	if m.HasLocalChanges() {
		t.Error("Reset should clear the dirty flag")
	}
	if m.LocalSessionID() == first {
		t.Error("Reset should mint a new local session id")
	}
}
