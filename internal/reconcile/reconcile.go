package reconcile

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tablesync/internal/lifecycle"
	"tablesync/internal/protocol"

	"github.com/google/uuid"
)

var ErrSyncForbidden = errors.New("lifecycle phase forbids syncing actions")

// ApplyFunc applies one action to local state and returns the new state.
// Implementations must be pure: applying the confirmed echo of an action in
// place of its optimistic copy must produce the same value.
type ApplyFunc func(state json.RawMessage, a protocol.GameAction) (json.RawMessage, error)

type Sender interface {
	Send(protocol.ServerMessage) error
}

// Reconciler applies locally-issued actions immediately and reconciles them
// against the authoritative echo: confirm, supersede, or roll back. All
// state lives in the value; callers hold one per session.
type Reconciler struct {
	mu               sync.Mutex
	applies          map[string]ApplyFunc
	sender           Sender
	machine          *lifecycle.Machine
	userID           string
	confirmed        json.RawMessage
	confirmedVersion int
	local            json.RawMessage
	pending          []protocol.GameAction
}

func New(userID string, initial json.RawMessage, sender Sender, machine *lifecycle.Machine) *Reconciler {
	return &Reconciler{
		applies:   make(map[string]ApplyFunc),
		sender:    sender,
		machine:   machine,
		userID:    userID,
		confirmed: initial,
		local:     initial,
	}
}

// Register installs the apply function for one action type.
func (r *Reconciler) Register(actionType string, fn ApplyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies[actionType] = fn
}

// Issue sends a proposed action to the authority. Optimistic actions are
// applied to local state first and tagged pending until the echo arrives.
func (r *Reconciler) Issue(a protocol.GameAction) error {
	if !r.machine.Permissions().CanSyncToServer {
		return ErrSyncForbidden
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp == 0 {
		a.Timestamp = time.Now().UnixMilli()
	}
	if a.UserID == "" {
		a.UserID = r.userID
	}

	r.mu.Lock()
	if a.Optimistic {
		next, err := r.applyLocked(r.local, a)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.local = next
		r.pending = append(r.pending, a)
	}
	r.mu.Unlock()

	msg, err := protocol.WrapAction(a, r.userID, "")
	if err != nil {
		return err
	}
	return r.sender.Send(msg)
}

// HandleMessage dispatches an inbound envelope: confirmed actions, targeted
// rejections, and full-state resync replies.
func (r *Reconciler) HandleMessage(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeEvent:
		a, err := protocol.Action(msg)
		if err != nil {
			log.Printf("[Reconcile] Dropping bad event: %v\n", err)
			return
		}
		r.HandleConfirmed(a)
	case protocol.TypeError:
		message, actionID := protocol.ErrorInfo(msg)
		if actionID != "" {
			log.Printf("[Reconcile] Action %s rejected: %s\n", actionID, message)
			r.HandleRejected(actionID)
		}
	case protocol.TypeState:
		version, state, err := protocol.StateInfo(msg)
		if err != nil {
			log.Printf("[Reconcile] Dropping bad state message: %v\n", err)
			return
		}
		r.Reset(state, version)
	}
}

// HandleConfirmed folds an authoritative action into confirmed state. The
// echo of our own pending action replaces the optimistic copy in place: the
// state value is unchanged, only its standing moves from pending to
// confirmed. Foreign actions are applied to confirmed state and local state
// is re-derived on top of the remaining pending queue.
//
// Confirmed versions must arrive as an unbroken sequence. Duplicates are
// discarded; a gap means the transport dropped a frame, so the action is
// discarded and a full resync is requested instead of applying on top of
// missing history.
func (r *Reconciler) HandleConfirmed(a protocol.GameAction) {
	r.mu.Lock()
	if a.Version <= r.confirmedVersion {
		r.mu.Unlock()
		return
	}
	if a.Version != r.confirmedVersion+1 {
		have := r.confirmedVersion
		r.mu.Unlock()
		log.Printf("[Reconcile] Version gap: confirmed %d, received %d; requesting resync\n", have, a.Version)
		r.requestResync()
		return
	}
	defer r.mu.Unlock()

	next, err := r.applyLocked(r.confirmed, a)
	if err != nil {
		log.Printf("[Reconcile] Applying confirmed action %s: %v\n", a.ID, err)
		return
	}
	r.confirmed = next
	r.confirmedVersion = a.Version

	if i := r.pendingIndex(a.ID); i >= 0 {
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		// Local state already reflects the optimistic copy; no replay.
		return
	}
	r.replayLocked()
}

// HandleRejected rolls back one optimistic action by replaying from the
// last confirmed state plus the remaining pending queue. No per-type
// inverse logic; confirmed order wins, optimistic is provisional.
func (r *Reconciler) HandleRejected(actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.pendingIndex(actionID)
	if i < 0 {
		return
	}
	r.pending = append(r.pending[:i], r.pending[i+1:]...)
	r.replayLocked()
}

// Reset replaces all local knowledge with a full authoritative snapshot,
// e.g. after a resync. Pending actions are discarded: they were flushed
// before the resync request, so the snapshot already reflects their fate.
func (r *Reconciler) Reset(state json.RawMessage, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = state
	r.confirmedVersion = version
	r.local = state
	r.pending = nil
}

func (r *Reconciler) LocalState() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

func (r *Reconciler) ConfirmedVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmedVersion
}

func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) requestResync() {
	msg := protocol.ServerMessage{
		Type:      protocol.TypeResyncRequest,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := r.sender.Send(msg); err != nil {
		log.Printf("[Reconcile] Requesting resync: %v\n", err)
	}
}

func (r *Reconciler) pendingIndex(actionID string) int {
	for i, p := range r.pending {
		if p.ID == actionID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) applyLocked(state json.RawMessage, a protocol.GameAction) (json.RawMessage, error) {
	fn, ok := r.applies[a.Type]
	if !ok {
		// Unknown types are opaque to this client; state passes through.
		return state, nil
	}
	return fn(state, a)
}

func (r *Reconciler) replayLocked() {
	state := r.confirmed
	for _, p := range r.pending {
		next, err := r.applyLocked(state, p)
		if err != nil {
			log.Printf("[Reconcile] Replaying pending action %s: %v\n", p.ID, err)
			continue
		}
		state = next
	}
	r.local = state
}
