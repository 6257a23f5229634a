package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeOffline = Mode("offline")
	ModeHosting = Mode("hosting")
	ModeJoining = Mode("joining")
)

type Phase string

const (
	PhasePreparation = Phase("preparation")
	PhaseReady       = Phase("ready")
	PhaseStarting    = Phase("starting")
	PhaseLive        = Phase("live")
	PhasePaused      = Phase("paused")
	PhaseEnded       = Phase("ended")
)

// transitions is the complete table of legal phase changes. Anything not
// listed here is ignored, never an error.
var transitions = map[Phase][]Phase{
	PhasePreparation: {PhaseReady, PhaseStarting},
	PhaseReady:       {PhasePreparation, PhaseStarting},
	PhaseStarting:    {PhaseLive, PhasePreparation},
	PhaseLive:        {PhasePaused, PhaseEnded},
	PhasePaused:      {PhaseLive, PhaseEnded},
	PhaseEnded:       {PhasePreparation},
}

// Permissions is the fixed capability set derived from a phase.
type Permissions struct {
	CanEditScenes     bool
	CanEditCharacters bool
	CanEditSettings   bool
	CanInvitePlayers  bool
	CanSyncToServer   bool
	IsLocalOnly       bool
}

func PermissionsFor(p Phase) Permissions {
	switch p {
	case PhasePreparation, PhaseReady:
		return Permissions{
			CanEditScenes:     true,
			CanEditCharacters: true,
			CanEditSettings:   true,
			IsLocalOnly:       true,
		}
	case PhaseStarting:
		// Edits freeze while a room code is being minted.
		return Permissions{IsLocalOnly: true}
	case PhaseLive:
		return Permissions{
			CanEditScenes:     true,
			CanEditCharacters: true,
			CanEditSettings:   true,
			CanInvitePlayers:  true,
			CanSyncToServer:   true,
		}
	case PhasePaused:
		return Permissions{
			CanEditScenes:     true,
			CanEditCharacters: true,
			CanEditSettings:   true,
			CanSyncToServer:   true,
		}
	default: // ended
		return Permissions{}
	}
}

// MutablePhase reports whether the phase permits state mutation at all.
func MutablePhase(p Phase) bool {
	perms := PermissionsFor(p)
	return perms.CanEditScenes || perms.CanEditCharacters || perms.CanEditSettings
}

var ErrNotStarting = errors.New("go-live requires a successful start")

// Starter obtains a room code for the given state snapshot, typically by
// asking the room registry over the network.
type Starter func(ctx context.Context, snapshot json.RawMessage) (string, error)

// Machine tracks one participant's session lifecycle. Each participant
// holds its own value; nothing here is shared or global.
type Machine struct {
	mu              sync.Mutex
	mode            Mode
	phase           Phase
	isHost          bool
	hasLocalChanges bool
	lastSyncedAt    time.Time
	serverRoomCode  string
	localSessionID  string
	snapshot        json.RawMessage
	mintedCode      string
}

func NewMachine() *Machine {
	return &Machine{
		mode:           ModeOffline,
		phase:          PhasePreparation,
		localSessionID: uuid.New().String(),
	}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Machine) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

func (m *Machine) Permissions() Permissions {
	return PermissionsFor(m.Phase())
}

func (m *Machine) RoomCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverRoomCode
}

func (m *Machine) LocalSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSessionID
}

func (m *Machine) CanGoLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseReady
}

func (m *Machine) HasLocalChanges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasLocalChanges
}

func (m *Machine) LastSyncedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSyncedAt
}

func (m *Machine) CanTransitionTo(next Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canTransition(m.phase, next)
}

func canTransition(from, to Phase) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTo moves to the next phase if the table allows it. An
// out-of-table request logs a warning and leaves the phase unchanged.
func (m *Machine) TransitionTo(next Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(next)
}

func (m *Machine) transition(next Phase) bool {
	if !canTransition(m.phase, next) {
		log.Printf("[Lifecycle] Ignoring invalid transition %s -> %s\n", m.phase, next)
		return false
	}
	m.phase = next
	if next == PhasePreparation {
		// Re-entering preparation starts a fresh local session.
		m.localSessionID = uuid.New().String()
		m.serverRoomCode = ""
		m.mintedCode = ""
		m.mode = ModeOffline
	}
	return true
}

// MarkReadyToStart snapshots the current local state and moves to ready.
// Calling it from ready refreshes the snapshot.
func (m *Machine) MarkReadyToStart(snapshot json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhasePreparation && m.phase != PhaseReady {
		log.Printf("[Lifecycle] Ignoring invalid transition %s -> %s\n", m.phase, PhaseReady)
		return false
	}
	m.phase = PhaseReady
	m.snapshot = snapshot
	return true
}

// StartGoingLive moves ready -> starting and asks the starter for a room
// code. On any failure the machine rolls back atomically: phase ready,
// mode offline, no code retained.
func (m *Machine) StartGoingLive(ctx context.Context, start Starter) (string, error) {
	m.mu.Lock()
	if !m.transition(PhaseStarting) {
		m.mu.Unlock()
		return "", ErrNotStarting
	}
	m.mode = ModeHosting
	snapshot := m.snapshot
	m.mu.Unlock()

	code, err := start(ctx, snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.phase = PhaseReady
		m.mode = ModeOffline
		m.mintedCode = ""
		return "", err
	}
	m.mintedCode = code
	return code, nil
}

// GoLive moves starting -> live. The code must come from the successful
// StartGoingLive that put the machine into starting.
func (m *Machine) GoLive(code string, snapshot json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseStarting || code == "" || code != m.mintedCode {
		return ErrNotStarting
	}
	m.phase = PhaseLive
	m.mode = ModeHosting
	m.isHost = true
	m.serverRoomCode = code
	m.snapshot = snapshot
	m.lastSyncedAt = time.Now()
	return nil
}

// JoinSession puts a remote participant straight into a live session.
func (m *Machine) JoinSession(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhasePreparation && m.phase != PhaseReady {
		log.Printf("[Lifecycle] Ignoring join while %s\n", m.phase)
		return false
	}
	m.phase = PhaseLive
	m.mode = ModeJoining
	m.isHost = false
	m.serverRoomCode = code
	m.lastSyncedAt = time.Now()
	return true
}

func (m *Machine) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasLocalChanges = true
}

func (m *Machine) MarkSynced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasLocalChanges = false
	m.lastSyncedAt = time.Now()
}

// Reset returns to preparation regardless of current phase, regenerating
// the local session id.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhasePreparation
	m.mode = ModeOffline
	m.isHost = false
	m.hasLocalChanges = false
	m.serverRoomCode = ""
	m.mintedCode = ""
	m.snapshot = nil
	m.localSessionID = uuid.New().String()
}
