// Package rooms is the relay-side room and session registry: admission
// control under a per-room capacity cap, membership events, and targeted
// forwarding of negotiation envelopes between sessions.
package rooms

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meshroom/meshroom/internal/metrics"
)

var (
	ErrRoomFull      = errors.New("rooms: room is full")
	ErrEmptyRoomCode = errors.New("rooms: room code must not be empty")
	ErrEmptyIdentity = errors.New("rooms: identity must not be empty")
)

// Registry is the single authority for room membership. It is constructed at
// process start and injected into the signaling server; no other component
// may add or remove sessions.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	capacity int

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]*Session
}

func NewRegistry(capacity int, m *metrics.Metrics, log *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = 10
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		metrics:  m,
		capacity: capacity,
		rooms:    make(map[string]*room),
		sessions: make(map[string]*Session),
	}
}

func (reg *Registry) Metrics() *metrics.Metrics { return reg.metrics }

// Join admits a participant into the room, creating the room if needed.
//
// On success the new session's join-accepted event (own id plus the other
// occupants) is delivered to sink before any occupant learns of the arrival,
// so the newcomer can start preparing before it is asked to answer offers.
// The capacity check and the membership insert happen under the room lock;
// concurrent joins cannot both take the last slot.
func (reg *Registry) Join(roomCode, identity string, sink EventSink) (*Session, error) {
	if roomCode == "" {
		return nil, ErrEmptyRoomCode
	}
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	r, ok := reg.rooms[roomCode]
	if !ok {
		r = newRoom(roomCode)
		reg.rooms[roomCode] = r
		reg.metrics.Inc(metrics.RoomsCreated)
	}

	r.mu.Lock()
	if len(r.members) >= reg.capacity {
		r.mu.Unlock()
		reg.mu.Unlock()
		reg.metrics.Inc(metrics.JoinRejectedFull)
		return nil, ErrRoomFull
	}

	sess := &Session{
		id:       id,
		identity: identity,
		roomCode: roomCode,
		joinedAt: time.Now(),
		sink:     sink,
		audioOn:  true,
		videoOn:  true,
	}
	r.members[id] = sess
	reg.sessions[id] = sess
	count := len(r.members)
	reg.mu.Unlock()

	sess.deliver(Event{
		Kind:             EventJoinAccepted,
		SessionID:        id,
		Participants:     r.othersLocked(id),
		ParticipantCount: count,
	})
	r.broadcastLocked(id, Event{
		Kind:     EventParticipantJoined,
		From:     id,
		Identity: identity,
	})
	r.mu.Unlock()

	reg.metrics.Inc(metrics.Joins)
	reg.log.Info("participant joined",
		"room", roomCode,
		"session_id", id,
		"identity", identity,
		"occupancy", count,
	)
	return sess, nil
}

// Relay forwards a negotiation envelope from one session to exactly one
// other session. A missing target is a silent no-op: the sender's own
// cleanup path reconciles state once it learns the target left.
func (reg *Registry) Relay(kind RelayKind, fromID, toID string, payload json.RawMessage) {
	reg.mu.Lock()
	to := reg.sessions[toID]
	reg.mu.Unlock()

	if to == nil {
		reg.metrics.Inc(metrics.RelayRoutingMiss)
		reg.log.Debug("relay target gone", "kind", string(kind), "from", fromID, "to", toID)
		return
	}

	var ev EventKind
	switch kind {
	case RelayCallOffer:
		ev = EventIncomingCall
	case RelayCallAnswer:
		ev = EventCallAccepted
	case RelayRenegotiationOffer:
		ev = EventRenegotiationOffer
	case RelayRenegotiationAnswer:
		ev = EventRenegotiationAnswer
	default:
		reg.log.Warn("unknown relay kind", "kind", string(kind), "from", fromID)
		return
	}

	to.deliver(Event{Kind: ev, From: fromID, Payload: payload})
}

// ToggleMedia updates the session's audio/video flag and broadcasts the
// change to the rest of its room.
func (reg *Registry) ToggleMedia(sessionID string, kind MediaKind, enabled bool) {
	reg.mu.Lock()
	sess := reg.sessions[sessionID]
	if sess == nil {
		reg.mu.Unlock()
		return
	}
	r := reg.rooms[sess.roomCode]
	reg.mu.Unlock()
	if r == nil {
		return
	}

	sess.setMedia(kind, enabled)
	reg.metrics.Inc(metrics.MediaToggles)

	r.mu.Lock()
	r.broadcastLocked(sessionID, Event{
		Kind:    EventMediaToggle,
		From:    sessionID,
		Media:   kind,
		Enabled: enabled,
	})
	r.mu.Unlock()
}

// Leave removes the session from its room, notifies the remaining
// occupants, and deletes the room once empty. It is idempotent; leaving an
// unknown session is a no-op.
func (reg *Registry) Leave(sessionID string) {
	reg.mu.Lock()
	sess := reg.sessions[sessionID]
	if sess == nil {
		reg.mu.Unlock()
		return
	}
	delete(reg.sessions, sessionID)

	r := reg.rooms[sess.roomCode]
	if r == nil {
		reg.mu.Unlock()
		sess.close()
		return
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	remaining := len(r.members)
	if remaining == 0 {
		delete(reg.rooms, sess.roomCode)
		reg.metrics.Inc(metrics.RoomsDeleted)
	}
	reg.mu.Unlock()

	if remaining > 0 {
		r.broadcastLocked(sessionID, Event{
			Kind:     EventParticipantLeft,
			From:     sessionID,
			Identity: sess.identity,
		})
	}
	r.mu.Unlock()

	sess.close()
	reg.metrics.Inc(metrics.ParticipantsLeft)
	reg.log.Info("participant left",
		"room", sess.roomCode,
		"session_id", sessionID,
		"identity", sess.identity,
		"remaining", remaining,
	)
}

// RoomOccupancy reports the current number of sessions in the room, or 0 if
// the room does not exist.
func (reg *Registry) RoomOccupancy(roomCode string) int {
	reg.mu.Lock()
	r := reg.rooms[roomCode]
	reg.mu.Unlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// RoomCount reports the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
