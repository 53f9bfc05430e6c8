package rooms

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/meshroom/meshroom/internal/metrics"
)

// recorder is an EventSink that keeps everything delivered to it.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Deliver(ev Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) byKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, capacity int) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewRegistry(capacity, m, nil), m
}

func TestJoinDeliversAcceptanceWithRoster(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)

	alice := &recorder{}
	aliceSess, err := reg.Join("room-1", "alice", alice)
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}

	bob := &recorder{}
	bobSess, err := reg.Join("room-1", "bob", bob)
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	if bobSess.ID() == aliceSess.ID() {
		t.Fatalf("session ids must be unique")
	}

	bobEvents := bob.all()
	if len(bobEvents) == 0 || bobEvents[0].Kind != EventJoinAccepted {
		t.Fatalf("bob's first event = %+v, want join-accepted", bobEvents)
	}
	accepted := bobEvents[0]
	if accepted.SessionID != bobSess.ID() {
		t.Fatalf("join-accepted session id = %q, want %q", accepted.SessionID, bobSess.ID())
	}
	if accepted.ParticipantCount != 2 {
		t.Fatalf("participant count = %d, want 2", accepted.ParticipantCount)
	}
	if len(accepted.Participants) != 1 || accepted.Participants[0].ID != aliceSess.ID() {
		t.Fatalf("roster = %+v, want just alice", accepted.Participants)
	}

	joined := alice.byKind(EventParticipantJoined)
	if len(joined) != 1 || joined[0].From != bobSess.ID() || joined[0].Identity != "bob" {
		t.Fatalf("alice saw %+v, want bob's arrival", joined)
	}
}

func TestJoinRejectsWhenFull(t *testing.T) {
	reg, m := newTestRegistry(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := reg.Join("room-1", "occupant", &recorder{}); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	if _, err := reg.Join("room-1", "late", &recorder{}); err != ErrRoomFull {
		t.Fatalf("join = %v, want ErrRoomFull", err)
	}
	if got := reg.RoomOccupancy("room-1"); got != 2 {
		t.Fatalf("occupancy = %d, want 2 after rejection", got)
	}
	if got := m.Get(metrics.JoinRejectedFull); got != 1 {
		t.Fatalf("%s = %d, want 1", metrics.JoinRejectedFull, got)
	}
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	const capacity = 10
	const attempts = 30

	reg, _ := newTestRegistry(t, capacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Join("crowded", "p", &recorder{})
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				admitted++
			case ErrRoomFull:
				rejected++
			default:
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != capacity || rejected != attempts-capacity {
		t.Fatalf("admitted=%d rejected=%d, want %d/%d", admitted, rejected, capacity, attempts-capacity)
	}
	if got := reg.RoomOccupancy("crowded"); got != capacity {
		t.Fatalf("occupancy = %d, want %d", got, capacity)
	}
}

func TestJoinValidatesInput(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)

	if _, err := reg.Join("", "alice", &recorder{}); err != ErrEmptyRoomCode {
		t.Fatalf("empty room code: %v", err)
	}
	if _, err := reg.Join("room-1", "", &recorder{}); err != ErrEmptyIdentity {
		t.Fatalf("empty identity: %v", err)
	}
	if got := reg.RoomCount(); got != 0 {
		t.Fatalf("room count = %d, want 0", got)
	}
}

func TestRelayForwardsToTargetOnly(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)

	alice, bob, carol := &recorder{}, &recorder{}, &recorder{}
	aliceSess, _ := reg.Join("room-1", "alice", alice)
	bobSess, _ := reg.Join("room-1", "bob", bob)
	reg.Join("room-1", "carol", carol)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	reg.Relay(RelayCallOffer, aliceSess.ID(), bobSess.ID(), payload)

	incoming := bob.byKind(EventIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("bob incoming calls = %d, want 1", len(incoming))
	}
	if incoming[0].From != aliceSess.ID() {
		t.Fatalf("incoming from = %q, want alice", incoming[0].From)
	}
	if string(incoming[0].Payload) != string(payload) {
		t.Fatalf("payload = %s, want %s", incoming[0].Payload, payload)
	}
	if got := carol.byKind(EventIncomingCall); len(got) != 0 {
		t.Fatalf("carol must not see targeted envelopes, got %+v", got)
	}
}

func TestRelayToUnknownTargetIsSilent(t *testing.T) {
	reg, m := newTestRegistry(t, 10)

	alice := &recorder{}
	aliceSess, _ := reg.Join("room-1", "alice", alice)

	reg.Relay(RelayCallAnswer, aliceSess.ID(), "no-such-session", json.RawMessage(`{}`))

	if got := m.Get(metrics.RelayRoutingMiss); got != 1 {
		t.Fatalf("%s = %d, want 1", metrics.RelayRoutingMiss, got)
	}
	// Alice only ever got her own join-accepted.
	if got := alice.all(); len(got) != 1 {
		t.Fatalf("alice events = %+v, want only join-accepted", got)
	}
}

func TestToggleMediaBroadcastsToOthers(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)

	alice, bob := &recorder{}, &recorder{}
	aliceSess, _ := reg.Join("room-1", "alice", alice)
	reg.Join("room-1", "bob", bob)

	reg.ToggleMedia(aliceSess.ID(), MediaAudio, false)

	toggles := bob.byKind(EventMediaToggle)
	if len(toggles) != 1 {
		t.Fatalf("bob toggles = %d, want 1", len(toggles))
	}
	if toggles[0].From != aliceSess.ID() || toggles[0].Media != MediaAudio || toggles[0].Enabled {
		t.Fatalf("toggle = %+v, want audio off from alice", toggles[0])
	}
	if got := alice.byKind(EventMediaToggle); len(got) != 0 {
		t.Fatalf("toggles must not echo to the sender, got %+v", got)
	}
}

func TestLeaveNotifiesAndDeletesEmptyRoom(t *testing.T) {
	reg, m := newTestRegistry(t, 10)

	alice, bob := &recorder{}, &recorder{}
	aliceSess, _ := reg.Join("room-1", "alice", alice)
	bobSess, _ := reg.Join("room-1", "bob", bob)

	reg.Leave(aliceSess.ID())

	left := bob.byKind(EventParticipantLeft)
	if len(left) != 1 || left[0].From != aliceSess.ID() || left[0].Identity != "alice" {
		t.Fatalf("bob saw %+v, want alice's departure", left)
	}
	if got := reg.RoomCount(); got != 1 {
		t.Fatalf("room count = %d, want 1 while bob remains", got)
	}

	reg.Leave(bobSess.ID())
	if got := reg.RoomCount(); got != 0 {
		t.Fatalf("room count = %d, want 0 after last leave", got)
	}
	if got := m.Get(metrics.RoomsDeleted); got != 1 {
		t.Fatalf("%s = %d, want 1", metrics.RoomsDeleted, got)
	}

	// Idempotent: a second leave for the same session is a no-op.
	reg.Leave(aliceSess.ID())
	if got := m.Get(metrics.ParticipantsLeft); got != 2 {
		t.Fatalf("%s = %d, want 2", metrics.ParticipantsLeft, got)
	}
}

func TestRoomCodeReusableAfterDeletion(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)

	sess, _ := reg.Join("room-1", "alice", &recorder{})
	reg.Leave(sess.ID())

	if _, err := reg.Join("room-1", "bob", &recorder{}); err != nil {
		t.Fatalf("rejoin deleted room: %v", err)
	}
	if got := reg.RoomOccupancy("room-1"); got != 1 {
		t.Fatalf("occupancy = %d, want 1", got)
	}
}
