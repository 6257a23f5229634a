package rooms

import (
	"encoding/json"
	"sync"
	"time"

	"tablesync/internal/identity"
	"tablesync/internal/lifecycle"
	"tablesync/internal/wshub"
)

type Status string

const (
	StatusActive      = Status("active")
	StatusHibernating = Status("hibernating")
	StatusAbandoned   = Status("abandoned")
)

// Room is one authoritative session. The Store serializes every mutation
// through mu, which is what makes version assignment a total order.
type Room struct {
	Code    string
	Created time.Time
	Hub     *wshub.Hub

	mu           sync.Mutex
	hostConnID   string
	phase        lifecycle.Phase
	roster       map[string]identity.Identity
	version      int
	lastActivity time.Time
	status       Status
	state        json.RawMessage
	emptySince   time.Time
	hibernatedAt time.Time
}

func (r *Room) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) Phase() lifecycle.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Room) HostConnID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostConnID
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) State() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Roster() []identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []identity.Identity {
	members := make([]identity.Identity, 0, len(r.roster))
	for _, id := range r.roster {
		members = append(members, id)
	}
	return members
}
