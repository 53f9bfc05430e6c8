// Package media owns the local capture tracks and keeps every live peer
// connection's outbound senders consistent with them.
package media

import (
	"github.com/pion/webrtc/v4"
)

// Source is the set of local capture tracks a participant publishes. A
// source may be audio-only when no camera is available.
type Source struct {
	tracks []webrtc.TrackLocal
}

func NewSource(tracks ...webrtc.TrackLocal) *Source {
	return &Source{tracks: tracks}
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTrack returns the source's video track, or nil for audio-only
// sources.
func (s *Source) VideoTrack() webrtc.TrackLocal {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return t
		}
	}
	return nil
}

func (s *Source) AudioOnly() bool {
	return s.VideoTrack() == nil
}
