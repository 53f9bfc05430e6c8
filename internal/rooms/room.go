package rooms

import "sync"

// room holds the occupant set for one room code.
//
// Lock order: Registry.mu before room.mu, always. Membership mutation takes
// both; broadcasts that only read membership take room.mu alone, so two
// rooms can fan out events in parallel.
type room struct {
	code string

	mu      sync.Mutex
	members map[string]*Session
}

func newRoom(code string) *room {
	return &room{
		code:    code,
		members: make(map[string]*Session),
	}
}

// othersLocked returns the occupants excluding the given session id.
// Callers must hold r.mu.
func (r *room) othersLocked(exclude string) []PeerInfo {
	peers := make([]PeerInfo, 0, len(r.members))
	for id, s := range r.members {
		if id == exclude {
			continue
		}
		peers = append(peers, PeerInfo{ID: id, Identity: s.identity})
	}
	return peers
}

// broadcastLocked delivers ev to every occupant except the given session id.
// Callers must hold r.mu.
func (r *room) broadcastLocked(exclude string, ev Event) {
	for id, s := range r.members {
		if id == exclude {
			continue
		}
		s.deliver(ev)
	}
}
