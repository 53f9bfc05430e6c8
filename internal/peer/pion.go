package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const defaultGatherTimeout = 2 * time.Second

// Pion implements Capability over a pion *webrtc.PeerConnection.
type Pion struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
}

// New creates a peer connection from the given API. A zero gatherTimeout
// falls back to a small default; gathering host candidates should be near
// instant and STUN rarely takes more than a second.
func New(api *webrtc.API, iceServers []webrtc.ICEServer, gatherTimeout time.Duration) (*Pion, error) {
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Pion{pc: pc, gatherTimeout: gatherTimeout}, nil
}

// PeerConnection exposes the underlying connection for callers that need
// state inspection.
func (p *Pion) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Pion) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return p.setLocalAndGather(ctx, offer)
}

func (p *Pion) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return p.setLocalAndGather(ctx, answer)
}

func (p *Pion) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		// Use whatever candidates made it in; a partial description is
		// still negotiable.
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no local description after gathering")
	}
	return *local, nil
}

func (p *Pion) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *Pion) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	return pionSender{sender}, nil
}

func (p *Pion) Senders() []Sender {
	rtpSenders := p.pc.GetSenders()
	senders := make([]Sender, 0, len(rtpSenders))
	for _, s := range rtpSenders {
		senders = append(senders, pionSender{s})
	}
	return senders
}

func (p *Pion) OnTrack(fn func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *Pion) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

func (p *Pion) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	s *webrtc.RTPSender
}

func (ps pionSender) Track() webrtc.TrackLocal { return ps.s.Track() }

func (ps pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return ps.s.ReplaceTrack(track)
}
