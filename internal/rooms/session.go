package rooms

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Session is one participant's live membership in one room. It is owned by
// the Registry; all mutation goes through registry operations.
type Session struct {
	id       string
	identity string
	roomCode string
	joinedAt time.Time
	sink     EventSink

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	closed  bool
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Identity() string    { return s.identity }
func (s *Session) RoomCode() string    { return s.roomCode }
func (s *Session) JoinedAt() time.Time { return s.joinedAt }

func (s *Session) AudioOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *Session) VideoOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *Session) setMedia(kind MediaKind, enabled bool) {
	s.mu.Lock()
	switch kind {
	case MediaAudio:
		s.audioOn = enabled
	case MediaVideo:
		s.videoOn = enabled
	}
	s.mu.Unlock()
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// deliver forwards ev to the session's sink unless the session is closed.
func (s *Session) deliver(ev Event) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	return s.sink.Deliver(ev)
}

func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
