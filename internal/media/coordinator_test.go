package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meshroom/meshroom/internal/peer"
)

type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	closed bool
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }

// closableTrack simulates a capture track that owns a device handle.
type closableTrack struct {
	fakeTrack
}

func (t *closableTrack) Close() error {
	t.closed = true
	return nil
}

var _ io.Closer = (*closableTrack)(nil)

type fakeSender struct {
	mu         sync.Mutex
	track      webrtc.TrackLocal
	replaceErr error
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.track = t
	return nil
}

type fakeCapability struct {
	mu         sync.Mutex
	senders    []*fakeSender
	addErr     error
	replaceErr error
}

func (f *fakeCapability) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}

func (f *fakeCapability) CreateAnswer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}

func (f *fakeCapability) ApplyAnswer(webrtc.SessionDescription) error { return nil }

func (f *fakeCapability) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	s := &fakeSender{track: track, replaceErr: f.replaceErr}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeCapability) Senders() []peer.Sender {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.Sender, len(f.senders))
	for i, s := range f.senders {
		out[i] = s
	}
	return out
}

func (f *fakeCapability) OnTrack(func(*webrtc.TrackRemote)) {}
func (f *fakeCapability) OnNegotiationNeeded(func())        {}
func (f *fakeCapability) Close() error                      { return nil }

func (f *fakeCapability) trackIDs() []string {
	var ids []string
	for _, s := range f.Senders() {
		ids = append(ids, s.Track().ID())
	}
	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cameraSource() (*Source, *fakeTrack, *fakeTrack) {
	audio := &fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio}
	video := &fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo}
	return NewSource(audio, video), audio, video
}

func TestSetLocalSourceFirstWinsAndSignalsReady(t *testing.T) {
	c := NewCoordinator(testLogger())

	select {
	case <-c.Ready():
		t.Fatalf("ready before any source")
	default:
	}

	src, _, video := cameraSource()
	c.SetLocalSource(src)

	select {
	case <-c.Ready():
	default:
		t.Fatalf("ready not signaled after SetLocalSource")
	}

	// A second source is ignored.
	c.SetLocalSource(NewSource(&fakeTrack{id: "other", kind: webrtc.RTPCodecTypeAudio}))

	pc := &fakeCapability{}
	if err := c.AttachTo("r1", pc); err != nil {
		t.Fatalf("AttachTo: %v", err)
	}
	ids := pc.trackIDs()
	if len(ids) != 2 || ids[0] != "mic" || ids[1] != "cam" {
		t.Fatalf("attached tracks = %v, want the first source", ids)
	}
	if src.VideoTrack() != video {
		t.Fatalf("video track lookup broken")
	}
}

func TestAttachToIsIdempotent(t *testing.T) {
	c := NewCoordinator(testLogger())
	src, _, _ := cameraSource()
	c.SetLocalSource(src)

	pc := &fakeCapability{}
	for i := 0; i < 3; i++ {
		if err := c.AttachTo("r1", pc); err != nil {
			t.Fatalf("AttachTo %d: %v", i, err)
		}
	}
	if got := len(pc.Senders()); got != 2 {
		t.Fatalf("senders = %d, want 2 despite repeated attaches", got)
	}
}

func TestSetLocalSourceAttachesToAlreadyRegisteredConns(t *testing.T) {
	c := NewCoordinator(testLogger())

	pc := &fakeCapability{}
	if err := c.AttachTo("r1", pc); err != nil {
		t.Fatalf("AttachTo: %v", err)
	}
	if got := len(pc.Senders()); got != 0 {
		t.Fatalf("senders = %d before a source exists", got)
	}

	src, _, _ := cameraSource()
	c.SetLocalSource(src)
	if got := len(pc.Senders()); got != 2 {
		t.Fatalf("senders = %d, want tracks pushed to registered conns", got)
	}
}

func TestReplaceOutboundVideoSwapsEveryConnection(t *testing.T) {
	c := NewCoordinator(testLogger())
	src, _, _ := cameraSource()
	c.SetLocalSource(src)

	pc1, pc2 := &fakeCapability{}, &fakeCapability{}
	if err := c.AttachTo("r1", pc1); err != nil {
		t.Fatalf("AttachTo r1: %v", err)
	}
	if err := c.AttachTo("r2", pc2); err != nil {
		t.Fatalf("AttachTo r2: %v", err)
	}

	screen := &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}
	if err := c.ReplaceOutboundVideo(screen); err != nil {
		t.Fatalf("ReplaceOutboundVideo: %v", err)
	}
	if !c.Sharing() {
		t.Fatalf("Sharing() = false after replace")
	}
	for _, pc := range []*fakeCapability{pc1, pc2} {
		ids := pc.trackIDs()
		if len(ids) != 2 || ids[1] != "screen" {
			t.Fatalf("tracks = %v, want screen in the video slot", ids)
		}
	}

	if err := c.RevertVideo(); err != nil {
		t.Fatalf("RevertVideo: %v", err)
	}
	if c.Sharing() {
		t.Fatalf("Sharing() = true after revert")
	}
	for _, pc := range []*fakeCapability{pc1, pc2} {
		ids := pc.trackIDs()
		if ids[1] != "cam" {
			t.Fatalf("tracks = %v, want camera restored", ids)
		}
	}
}

func TestReplaceOutboundVideoRevertsOnPartialFailure(t *testing.T) {
	c := NewCoordinator(testLogger())
	src, _, _ := cameraSource()
	c.SetLocalSource(src)

	good := &fakeCapability{}
	bad := &fakeCapability{replaceErr: errors.New("sender gone")}
	if err := c.AttachTo("good", good); err != nil {
		t.Fatalf("AttachTo good: %v", err)
	}
	if err := c.AttachTo("bad", bad); err != nil {
		t.Fatalf("AttachTo bad: %v", err)
	}

	screen := &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}
	if err := c.ReplaceOutboundVideo(screen); err == nil {
		t.Fatalf("expected replace failure")
	}
	if c.Sharing() {
		t.Fatalf("Sharing() = true after failed replace")
	}
	if ids := good.trackIDs(); ids[1] != "cam" {
		t.Fatalf("tracks = %v, want camera back on the healthy connection", ids)
	}
}

func TestRevertVideoWithoutShareIsNoop(t *testing.T) {
	c := NewCoordinator(testLogger())
	src, _, _ := cameraSource()
	c.SetLocalSource(src)

	if err := c.RevertVideo(); err != nil {
		t.Fatalf("RevertVideo: %v", err)
	}
}

func TestReleaseAllClosesOwnedTracks(t *testing.T) {
	c := NewCoordinator(testLogger())

	audio := &closableTrack{fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio}}
	video := &closableTrack{fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo}}
	c.SetLocalSource(NewSource(audio, video))

	pc := &fakeCapability{}
	if err := c.AttachTo("r1", pc); err != nil {
		t.Fatalf("AttachTo: %v", err)
	}

	c.ReleaseAll()
	if !audio.closed || !video.closed {
		t.Fatalf("tracks not closed: audio=%v video=%v", audio.closed, video.closed)
	}
}

func TestAudioOnlySource(t *testing.T) {
	src := NewSource(&fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio})
	if !src.AudioOnly() {
		t.Fatalf("AudioOnly() = false")
	}
	if src.VideoTrack() != nil {
		t.Fatalf("VideoTrack() != nil for audio-only source")
	}

	c := NewCoordinator(testLogger())
	c.SetLocalSource(src)

	pc := &fakeCapability{}
	if err := c.AttachTo("r1", pc); err != nil {
		t.Fatalf("AttachTo: %v", err)
	}
	if got := len(pc.Senders()); got != 1 {
		t.Fatalf("senders = %d, want just audio", got)
	}
}
