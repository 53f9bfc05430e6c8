package media

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshroom/meshroom/internal/peer"
)

// Coordinator tracks which local tracks are published on which peer
// connections. All mutation goes through it, so a track is attached to a
// given connection at most once and a video substitution lands on every
// live connection or none.
type Coordinator struct {
	log *slog.Logger

	mu        sync.Mutex
	source    *Source
	share     webrtc.TrackLocal
	conns     map[string]peer.Capability
	readyOnce sync.Once
	ready     chan struct{}
}

func NewCoordinator(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:   log,
		conns: make(map[string]peer.Capability),
		ready: make(chan struct{}),
	}
}

// SetLocalSource installs the capture tracks. The first call wins; repeated
// calls are ignored so racing capture paths cannot double-publish.
func (c *Coordinator) SetLocalSource(src *Source) {
	c.mu.Lock()
	if c.source != nil {
		c.mu.Unlock()
		c.log.Debug("local source already installed, ignoring")
		return
	}
	c.source = src
	conns := c.snapshotConnsLocked()
	tracks := c.outboundTracksLocked()
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })

	for id, cap := range conns {
		if err := attachMissing(cap, tracks); err != nil {
			c.log.Warn("attach local tracks failed", "remote_id", id, "err", err)
		}
	}
}

// Ready is closed once a local source is installed. Answer paths wait on it
// so a callee never answers an offer without its own tracks attached.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// AttachTo registers the connection and ensures every currently published
// track is attached to it, skipping tracks already bound to a sender.
func (c *Coordinator) AttachTo(remoteID string, cap peer.Capability) error {
	c.mu.Lock()
	c.conns[remoteID] = cap
	tracks := c.outboundTracksLocked()
	c.mu.Unlock()

	return attachMissing(cap, tracks)
}

// Detach forgets the connection. The capability owns its own shutdown.
func (c *Coordinator) Detach(remoteID string) {
	c.mu.Lock()
	delete(c.conns, remoteID)
	c.mu.Unlock()
}

// ReplaceOutboundVideo swaps the published video track on every live
// connection, typically for screen sharing. The swap is all-or-nothing: on
// any failure the connections already switched are put back on the previous
// track and the error is returned.
func (c *Coordinator) ReplaceOutboundVideo(track webrtc.TrackLocal) error {
	c.mu.Lock()
	prev := c.currentVideoLocked()
	conns := c.snapshotConnsLocked()
	c.mu.Unlock()

	var switched []peer.Sender
	for id, cap := range conns {
		sender := videoSender(cap)
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			for _, s := range switched {
				if rerr := s.ReplaceTrack(prev); rerr != nil {
					c.log.Warn("revert after failed video swap failed", "err", rerr)
				}
			}
			return fmt.Errorf("replace video for %s: %w", id, err)
		}
		switched = append(switched, sender)
	}

	c.mu.Lock()
	c.share = track
	c.mu.Unlock()
	return nil
}

// RevertVideo restores the camera track on every live connection and ends
// the substitution. Safe to call when no substitution is active.
func (c *Coordinator) RevertVideo() error {
	c.mu.Lock()
	if c.share == nil {
		c.mu.Unlock()
		return nil
	}
	c.share = nil
	var camera webrtc.TrackLocal
	if c.source != nil {
		camera = c.source.VideoTrack()
	}
	conns := c.snapshotConnsLocked()
	c.mu.Unlock()

	if camera == nil {
		return nil
	}

	var firstErr error
	for id, cap := range conns {
		sender := videoSender(cap)
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(camera); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("revert video for %s: %w", id, err)
		}
	}
	return firstErr
}

// Sharing reports whether a substituted video track is currently published.
func (c *Coordinator) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.share != nil
}

// ShareTrack returns the substituted video track, or nil when none is
// published.
func (c *Coordinator) ShareTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.share
}

// ReleaseAll stops every closable local track and forgets all connections.
// Called on leave; the negotiation layer closes the peer connections.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	var tracks []webrtc.TrackLocal
	if c.source != nil {
		tracks = c.source.Tracks()
	}
	if c.share != nil {
		tracks = append(tracks, c.share)
	}
	c.share = nil
	c.conns = make(map[string]peer.Capability)
	c.mu.Unlock()

	for _, t := range tracks {
		if closer, ok := t.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Debug("closing local track", "err", err)
			}
		}
	}
}

func (c *Coordinator) snapshotConnsLocked() map[string]peer.Capability {
	conns := make(map[string]peer.Capability, len(c.conns))
	for id, cap := range c.conns {
		conns[id] = cap
	}
	return conns
}

// outboundTracksLocked is the set a connection should publish right now:
// the source's tracks, with the video slot taken by the substitute while a
// share is active.
func (c *Coordinator) outboundTracksLocked() []webrtc.TrackLocal {
	if c.source == nil {
		return nil
	}
	var out []webrtc.TrackLocal
	for _, t := range c.source.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo && c.share != nil {
			continue
		}
		out = append(out, t)
	}
	if c.share != nil {
		out = append(out, c.share)
	}
	return out
}

func (c *Coordinator) currentVideoLocked() webrtc.TrackLocal {
	if c.share != nil {
		return c.share
	}
	if c.source != nil {
		return c.source.VideoTrack()
	}
	return nil
}

func attachMissing(cap peer.Capability, tracks []webrtc.TrackLocal) error {
	senders := cap.Senders()
	for _, t := range tracks {
		bound := false
		for _, s := range senders {
			if s.Track() == t {
				bound = true
				break
			}
		}
		if bound {
			continue
		}
		if _, err := cap.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func videoSender(cap peer.Capability) peer.Sender {
	for _, s := range cap.Senders() {
		t := s.Track()
		if t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}
