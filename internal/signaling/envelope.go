// Package signaling defines the wire schema spoken between participants and
// the relay, and the relay's WebSocket server.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Kind identifies an envelope on the wire.
type Kind string

const (
	// Client to relay.
	KindJoinRequest         Kind = "join-request"
	KindCallOffer           Kind = "call-offer"
	KindCallAnswer          Kind = "call-answer"
	KindRenegotiationOffer  Kind = "renegotiation-offer"
	KindRenegotiationAnswer Kind = "renegotiation-answer"
	KindMediaToggle         Kind = "media-toggle"
	KindLeave               Kind = "leave"

	// Relay to client.
	KindJoinAccepted      Kind = "join-accepted"
	KindRoomFull          Kind = "room-full"
	KindParticipantJoined Kind = "participant-joined"
	KindParticipantLeft   Kind = "participant-left"
	KindIncomingCall      Kind = "incoming-call"
	KindCallAccepted      Kind = "call-accepted"
	KindError             Kind = "error"
)

// SDP is a JSON-friendly session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Participant is one room occupant as listed in join-accepted.
type Participant struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
}

// MediaToggle carries an audio/video mute state change.
type MediaToggle struct {
	Kind    string `json:"kind"` // "audio" or "video"
	Enabled bool   `json:"enabled"`
}

// Envelope is the single message shape exchanged over the signaling socket.
// Field use depends on Kind.
type Envelope struct {
	Kind Kind `json:"kind"`

	// join-request.
	RoomCode string `json:"roomCode,omitempty"`

	// join-request outbound; participant-joined/-left inbound.
	Identity string `json:"identity,omitempty"`

	// join-accepted: the receiver's own relay-assigned id.
	// participant-joined/-left: the subject's id.
	SessionID string `json:"sessionId,omitempty"`

	// Targeted client-to-relay envelopes.
	To string `json:"to,omitempty"`

	// Relay-to-client envelopes forwarded from another session.
	From string `json:"from,omitempty"`

	Participants     []Participant `json:"participants,omitempty"`
	ParticipantCount int           `json:"participantCount,omitempty"`

	SDP   *SDP         `json:"sdp,omitempty"`
	Media *MediaToggle `json:"media,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates a single envelope, rejecting unknown fields
// and trailing data.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindJoinRequest:
		if e.RoomCode == "" {
			return fmt.Errorf("join-request missing roomCode")
		}
		if e.Identity == "" {
			return fmt.Errorf("join-request missing identity")
		}
	case KindCallOffer, KindRenegotiationOffer:
		// Renegotiation offers travel both directions: To when sent to the
		// relay, From once forwarded to the target.
		if e.To == "" && e.From == "" {
			return fmt.Errorf("%s missing to/from", e.Kind)
		}
		if e.SDP == nil || e.SDP.Type != "offer" {
			return fmt.Errorf("%s requires sdp.type=offer", e.Kind)
		}
	case KindCallAnswer, KindRenegotiationAnswer:
		if e.To == "" && e.From == "" {
			return fmt.Errorf("%s missing to/from", e.Kind)
		}
		if e.SDP == nil || e.SDP.Type != "answer" {
			return fmt.Errorf("%s requires sdp.type=answer", e.Kind)
		}
	case KindMediaToggle:
		if e.Media == nil {
			return fmt.Errorf("media-toggle missing media")
		}
		if e.Media.Kind != "audio" && e.Media.Kind != "video" {
			return fmt.Errorf("media-toggle has kind %q", e.Media.Kind)
		}
	case KindLeave, KindRoomFull:
	case KindJoinAccepted:
		if e.SessionID == "" {
			return fmt.Errorf("join-accepted missing sessionId")
		}
	case KindParticipantJoined, KindParticipantLeft:
		if e.SessionID == "" {
			return fmt.Errorf("%s missing sessionId", e.Kind)
		}
	case KindIncomingCall:
		if e.From == "" {
			return fmt.Errorf("incoming-call missing from")
		}
		if e.SDP == nil || e.SDP.Type != "offer" {
			return fmt.Errorf("incoming-call requires sdp.type=offer")
		}
	case KindCallAccepted:
		if e.From == "" {
			return fmt.Errorf("call-accepted missing from")
		}
		if e.SDP == nil || e.SDP.Type != "answer" {
			return fmt.Errorf("call-accepted requires sdp.type=answer")
		}
	case KindError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error missing code/message")
		}
	default:
		return fmt.Errorf("unsupported envelope kind %q", e.Kind)
	}
	return nil
}

// clientKind reports whether the kind is one a participant may send to the
// relay.
func clientKind(k Kind) bool {
	switch k {
	case KindJoinRequest, KindCallOffer, KindCallAnswer,
		KindRenegotiationOffer, KindRenegotiationAnswer,
		KindMediaToggle, KindLeave:
		return true
	}
	return false
}
