// Package peer wraps the WebRTC peer connection behind a small capability
// interface so negotiation logic can be exercised without network I/O.
package peer

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Sender is an outbound track binding on a peer connection.
type Sender interface {
	// Track returns the currently bound local track, or nil.
	Track() webrtc.TrackLocal
	// ReplaceTrack swaps the outbound track without renegotiating.
	ReplaceTrack(webrtc.TrackLocal) error
}

// Capability is the slice of peer connection behavior negotiation needs.
// Offers and answers are non-trickle: both CreateOffer and CreateAnswer
// return only after ICE gathering completes, so the description carries all
// candidates and no separate candidate signaling is required.
type Capability interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Senders() []Sender

	OnTrack(fn func(track *webrtc.TrackRemote))
	OnNegotiationNeeded(fn func())

	Close() error
}
