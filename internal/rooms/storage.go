package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tablesync/internal/authority"
	"tablesync/internal/identity"
	"tablesync/internal/lifecycle"
	"tablesync/internal/metrics"
	"tablesync/internal/protocol"
	"tablesync/internal/wshub"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomEnded    = errors.New("room has ended")
	ErrRoomCreation = errors.New("failed to generate unique room code")
	ErrNotJoined    = errors.New("connection is not in the room")
)

// ApplyFunc mutates the opaque authoritative state with a confirmed action.
// Provided by the surrounding application; the store never looks inside
// the blob.
type ApplyFunc func(state json.RawMessage, a protocol.GameAction) (json.RawMessage, error)

// SnapshotSink receives a room's final state when the room is abandoned.
type SnapshotSink interface {
	SaveSnapshot(code string, version int, state json.RawMessage) error
}

type Options struct {
	HibernateAfter time.Duration
	AbandonAfter   time.Duration
	TombstoneTTL   time.Duration // how long abandoned codes keep answering ErrRoomEnded
	CodeLength     int
	CodeRetries    int
	Apply          ApplyFunc
	Signer         *identity.HostKeySigner
	Snapshots      SnapshotSink     // nil if no persistence configured
	Now            func() time.Time // defaults to time.Now
}

// Store is the authoritative room registry. The registry map and the
// connection back-references are guarded by mu; per-room mutation is
// serialized by each room's own lock, so rooms never block each other.
type Store struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string]string // connID -> roomCode, lookup only
	ended  map[string]time.Time // abandoned codes and when they were retired
	opts   Options
	now    func() time.Time
}

func NewStore(opts Options) *Store {
	if opts.CodeLength <= 0 {
		opts.CodeLength = 5
	}
	if opts.CodeRetries <= 0 {
		opts.CodeRetries = 10
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
		ended:  make(map[string]time.Time),
		opts:   opts,
		now:    now,
	}
}

// Run sweeps hibernation and abandonment until the context is canceled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Create mints a new room with a unique code. The returned host key lets
// the creator (re)claim the host role when joining over the socket.
func (s *Store) Create(hostConnID string, initial json.RawMessage) (*Room, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.opts.CodeRetries; i++ {
		code, err := GenerateCode(s.opts.CodeLength)
		if err != nil {
			return nil, "", fmt.Errorf("generating room code: %w", err)
		}
		if _, exists := s.rooms[code]; exists {
			continue
		}
		if _, dead := s.ended[code]; dead {
			continue
		}

		now := s.now()
		room := &Room{
			Code:         code,
			Created:      now,
			Hub:          wshub.NewHub(),
			hostConnID:   hostConnID,
			phase:        lifecycle.PhaseLive,
			roster:       make(map[string]identity.Identity),
			lastActivity: now,
			status:       StatusActive,
			state:        initial,
			emptySince:   now,
		}
		s.rooms[code] = room
		metrics.RoomsActive.Inc()

		var hostKey string
		if s.opts.Signer != nil {
			hostKey, err = s.opts.Signer.Mint(code)
			if err != nil {
				log.Printf("[Rooms] Minting host key for %s: %v\n", code, err)
			}
		}
		log.Printf("[Rooms] Created room %s\n", code)
		return room, hostKey, nil
	}
	return nil, "", fmt.Errorf("%w after %d attempts", ErrRoomCreation, s.opts.CodeRetries)
}

// Join attaches a connection to a room. A hibernating room reactivates
// before the join is processed; an abandoned code fails with ErrRoomEnded.
// A valid host key upgrades the joining identity to host.
func (s *Store) Join(code string, client *wshub.Client, hostKey string) (*Room, error) {
	s.mu.Lock()
	room, ok := s.rooms[code]
	if !ok {
		defer s.mu.Unlock()
		if _, dead := s.ended[code]; dead {
			return nil, ErrRoomEnded
		}
		return nil, ErrRoomNotFound
	}
	s.byConn[client.ConnID] = code
	s.mu.Unlock()

	room.mu.Lock()
	if room.status == StatusAbandoned {
		// The sweep marked it but has not removed it from the registry yet.
		room.mu.Unlock()
		s.mu.Lock()
		delete(s.byConn, client.ConnID)
		s.mu.Unlock()
		return nil, ErrRoomEnded
	}
	if room.status == StatusHibernating {
		room.status = StatusActive
		room.hibernatedAt = time.Time{}
		metrics.RoomsHibernating.Dec()
		metrics.RoomsActive.Inc()
		log.Printf("[Rooms] Room %s reactivated\n", code)
	}

	if hostKey != "" && s.opts.Signer != nil {
		if err := s.opts.Signer.Verify(hostKey, code); err == nil {
			client.Identity.Role = identity.RoleHost
			room.hostConnID = client.ConnID
		} else {
			log.Printf("[Rooms] Rejected host key for %s: %v\n", code, err)
		}
	}

	room.roster[client.Identity.UserID] = client.Identity
	room.Hub.Register(client)
	room.lastActivity = s.now()
	room.emptySince = time.Time{}
	roster := rosterMessage(code, room.rosterLocked())
	room.mu.Unlock()

	metrics.ConnectionsOpen.Inc()
	room.Hub.Broadcast(roster)
	return room, nil
}

// Submit runs one proposed action through validation and, on acceptance,
// assigns the next version, applies the mutation, and broadcasts the
// confirmed action to the whole room. Rejections go back to the issuer
// only. Actions for the same room are strictly serialized by the room lock.
func (s *Store) Submit(code, connID string, a protocol.GameAction) (protocol.GameAction, error) {
	room, err := s.Lookup(code)
	if err != nil {
		return protocol.GameAction{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.status != StatusActive {
		room.Hub.SendTo(connID, protocol.ErrorMessage(connID, ErrRoomEnded.Error(), a.ID))
		return protocol.GameAction{}, ErrRoomEnded
	}

	sender, ok := room.Hub.Identity(connID)
	if !ok {
		return protocol.GameAction{}, ErrNotJoined
	}

	if err := authority.Validate(a, sender, room.phase); err != nil {
		room.Hub.SendTo(connID, protocol.ErrorMessage(connID, err.Error(), a.ID))
		metrics.ActionsRejected.WithLabelValues(rejectReason(err)).Inc()
		return protocol.GameAction{}, err
	}

	a.Version = room.version + 1
	if s.opts.Apply != nil {
		next, err := s.opts.Apply(room.state, a)
		if err != nil {
			room.Hub.SendTo(connID, protocol.ErrorMessage(connID, err.Error(), a.ID))
			metrics.ActionsRejected.WithLabelValues("apply_failed").Inc()
			return protocol.GameAction{}, fmt.Errorf("applying action %s: %w", a.ID, err)
		}
		room.state = next
	}
	room.version = a.Version
	room.lastActivity = s.now()
	room.applyPhaseAction(a.Type)

	msg, err := protocol.WrapAction(a, a.UserID, "")
	if err != nil {
		return protocol.GameAction{}, err
	}
	room.Hub.Broadcast(msg)
	metrics.ActionsAccepted.Inc()
	return a, nil
}

// Session control actions move the room's phase after they are accepted,
// so the authority and phase checks above gate them like any other action.
func (r *Room) applyPhaseAction(actionType string) {
	switch actionType {
	case "session/pause":
		r.phase = lifecycle.PhasePaused
	case "session/resume":
		r.phase = lifecycle.PhaseLive
	case "session/end":
		r.phase = lifecycle.PhaseEnded
	}
}

// ForwardDice re-broadcasts a dice-roll frame through the room, stamped
// with the sender. Roll parsing and randomness live outside this core.
func (s *Store) ForwardDice(code, connID string, msg protocol.ServerMessage) error {
	room, err := s.Lookup(code)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.status != StatusActive {
		room.mu.Unlock()
		return ErrRoomEnded
	}
	sender, ok := room.Hub.Identity(connID)
	if !ok {
		room.mu.Unlock()
		return ErrNotJoined
	}
	msg.Src = sender.UserID
	msg.Timestamp = s.now().UnixMilli()
	room.lastActivity = s.now()
	room.mu.Unlock()

	room.Hub.Broadcast(msg)
	return nil
}

// Resync replies to one connection with the full authoritative state. The
// reply is enqueued under the room lock so it cannot trail the broadcast of
// a later action.
func (s *Store) Resync(code, connID string) error {
	room, err := s.Lookup(code)
	if err != nil {
		return err
	}

	room.mu.Lock()
	room.Hub.SendTo(connID, protocol.StateMessage(connID, room.version, room.state))
	room.mu.Unlock()
	return nil
}

// Leave detaches a connection. A departing host leaves the room host-less;
// no participant is promoted implicitly. The room itself survives and
// starts its hibernation clock once empty.
func (s *Store) Leave(connID string) {
	s.mu.Lock()
	code, ok := s.byConn[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byConn, connID)
	room := s.rooms[code]
	s.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	id, joined := room.Hub.Identity(connID)
	room.Hub.Unregister(connID)
	if joined && !room.Hub.UserConnected(id.UserID) {
		// The roster is keyed by user; the entry stays while any of the
		// user's connections remains.
		delete(room.roster, id.UserID)
	}
	if room.hostConnID == connID {
		room.hostConnID = ""
		log.Printf("[Rooms] Host left room %s; waiting for explicit reclaim\n", code)
	}
	room.lastActivity = s.now()
	if room.Hub.Len() == 0 {
		room.emptySince = s.now()
	}
	roster := rosterMessage(code, room.rosterLocked())
	room.mu.Unlock()

	if joined {
		metrics.ConnectionsOpen.Dec()
	}
	room.Hub.Broadcast(roster)
}

// Tick advances the room status machine: empty active rooms past the grace
// interval hibernate, and hibernating rooms past the abandon interval are
// retired, handing their final snapshot to the persistence sink.
func (s *Store) Tick(now time.Time) {
	s.mu.Lock()
	list := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		list = append(list, room)
	}
	s.mu.Unlock()

	var abandoned []string
	for _, room := range list {
		room.mu.Lock()
		switch room.status {
		case StatusActive:
			if room.Hub.Len() == 0 && !room.emptySince.IsZero() &&
				now.Sub(room.emptySince) >= s.opts.HibernateAfter {
				room.status = StatusHibernating
				room.hibernatedAt = now
				metrics.RoomsActive.Dec()
				metrics.RoomsHibernating.Inc()
				log.Printf("[Rooms] Room %s hibernating\n", room.Code)
			}
		case StatusHibernating:
			if now.Sub(room.hibernatedAt) >= s.opts.AbandonAfter {
				room.status = StatusAbandoned
				if s.opts.Snapshots != nil {
					if err := s.opts.Snapshots.SaveSnapshot(room.Code, room.version, room.state); err != nil {
						log.Printf("[Rooms] Persisting snapshot for %s: %v\n", room.Code, err)
					}
				}
				metrics.RoomsHibernating.Dec()
				metrics.RoomsAbandoned.Inc()
				abandoned = append(abandoned, room.Code)
				log.Printf("[Rooms] Room %s abandoned\n", room.Code)
			}
		}
		room.mu.Unlock()
	}

	s.mu.Lock()
	for _, code := range abandoned {
		delete(s.rooms, code)
		s.ended[code] = now
	}
	// Tombstones answer ErrRoomEnded for a bounded window, then age out so
	// the set cannot grow without limit.
	for code, retired := range s.ended {
		if now.Sub(retired) >= s.opts.TombstoneTTL {
			delete(s.ended, code)
		}
	}
	s.mu.Unlock()
}

func (s *Store) Get(code string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[code]
}

func (s *Store) List() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		list = append(list, r)
	}
	return list
}

func (s *Store) Lookup(code string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[code]
	if !ok {
		if _, dead := s.ended[code]; dead {
			return nil, ErrRoomEnded
		}
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, authority.ErrInsufficientAuthority):
		return "insufficient_authority"
	case errors.Is(err, authority.ErrInvalidPhase):
		return "invalid_phase"
	default:
		return "other"
	}
}

type rosterData struct {
	RoomCode string              `json:"room_code"`
	Members  []identity.Identity `json:"members"`
}

func rosterMessage(code string, members []identity.Identity) protocol.ServerMessage {
	data, _ := json.Marshal(rosterData{RoomCode: code, Members: members})
	return protocol.ServerMessage{
		Type:      protocol.TypeRoster,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}
