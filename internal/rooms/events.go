package rooms

import "encoding/json"

// EventKind identifies a relay-originated event delivered to a session.
type EventKind string

const (
	EventJoinAccepted        EventKind = "join-accepted"
	EventParticipantJoined   EventKind = "participant-joined"
	EventParticipantLeft     EventKind = "participant-left"
	EventIncomingCall        EventKind = "incoming-call"
	EventCallAccepted        EventKind = "call-accepted"
	EventRenegotiationOffer  EventKind = "renegotiation-offer"
	EventRenegotiationAnswer EventKind = "renegotiation-answer"
	EventMediaToggle         EventKind = "media-toggle"
)

// RelayKind identifies a targeted negotiation envelope a session may ask the
// registry to forward to one other session.
type RelayKind string

const (
	RelayCallOffer           RelayKind = "call-offer"
	RelayCallAnswer          RelayKind = "call-answer"
	RelayRenegotiationOffer  RelayKind = "renegotiation-offer"
	RelayRenegotiationAnswer RelayKind = "renegotiation-answer"
)

// MediaKind identifies which outbound media flag a toggle applies to.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// PeerInfo describes one occupant of a room.
type PeerInfo struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
}

// Event is a single ordered message from the registry to one session.
//
// Field use depends on Kind: join-accepted carries SessionID, Participants
// and ParticipantCount; negotiation events carry From and Payload;
// media-toggle carries From, Media and Enabled.
type Event struct {
	Kind EventKind

	SessionID        string
	From             string
	Identity         string
	Participants     []PeerInfo
	ParticipantCount int

	Payload json.RawMessage

	Media   MediaKind
	Enabled bool
}

// EventSink receives a session's outbound events in delivery order. A sink
// must not block; it reports false when the event was dropped (queue full or
// connection gone).
type EventSink interface {
	Deliver(ev Event) bool
}
