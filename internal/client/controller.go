package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshroom/meshroom/internal/clock"
	"github.com/meshroom/meshroom/internal/media"
	"github.com/meshroom/meshroom/internal/metrics"
	"github.com/meshroom/meshroom/internal/negotiation"
	"github.com/meshroom/meshroom/internal/peer"
	"github.com/meshroom/meshroom/internal/signaling"
)

// ErrRoomFull is returned from Join when the relay rejects the room as at
// capacity. The connection stays usable for another join attempt.
var ErrRoomFull = errors.New("client: room is full")

// ErrClosed is returned when the controller has been shut down.
var ErrClosed = errors.New("client: controller closed")

// EnvelopeSender sends one signaling envelope to the relay.
type EnvelopeSender interface {
	Send(env signaling.Envelope) error
}

// CapabilityFactory creates the peer connection for one remote participant.
type CapabilityFactory func() (peer.Capability, error)

// RemoteTrackHandler observes remote media as it starts arriving.
type RemoteTrackHandler func(remoteID string, track *webrtc.TrackRemote)

// Participant is a roster entry for one other room occupant.
type Participant struct {
	ID       string
	Identity string
	AudioOn  bool
	VideoOn  bool
}

type Config struct {
	Sender        EnvelopeSender
	NewCapability CapabilityFactory
	Coordinator   *media.Coordinator
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	DebounceWindow time.Duration

	OnRemoteTrack RemoteTrackHandler
}

// Controller owns a participant's room state: the roster and one
// negotiation machine per remote. Envelopes from a given remote are applied
// in arrival order on that remote's worker; machines for different remotes
// never wait on each other.
type Controller struct {
	log     *slog.Logger
	clk     clock.Clock
	met     *metrics.Metrics
	window  time.Duration
	coord   *media.Coordinator
	newCap  CapabilityFactory
	send    EnvelopeSender
	onTrack RemoteTrackHandler

	ctx    context.Context
	cancel context.CancelFunc

	joinCh chan error

	mu        sync.Mutex
	sessionID string
	machines  map[string]*negotiation.Machine
	workers   map[string]*worker
	roster    map[string]*Participant
}

func NewController(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		log:      log,
		clk:      clk,
		met:      cfg.Metrics,
		window:   cfg.DebounceWindow,
		coord:    cfg.Coordinator,
		newCap:   cfg.NewCapability,
		send:     cfg.Sender,
		onTrack:  cfg.OnRemoteTrack,
		ctx:      ctx,
		cancel:   cancel,
		joinCh:   make(chan error, 1),
		machines: make(map[string]*negotiation.Machine),
		workers:  make(map[string]*worker),
		roster:   make(map[string]*Participant),
	}
}

// Join requests admission to the room and waits for the relay's verdict.
func (ctl *Controller) Join(ctx context.Context, roomCode, identity string) error {
	err := ctl.send.Send(signaling.Envelope{
		Kind:     signaling.KindJoinRequest,
		RoomCode: roomCode,
		Identity: identity,
	})
	if err != nil {
		return err
	}
	select {
	case err := <-ctl.joinCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-ctl.ctx.Done():
		return ErrClosed
	}
}

// Run pumps envelopes from the connection into the controller until the
// connection fails or the controller closes.
func (ctl *Controller) Run(conn *Conn) error {
	for {
		env, err := conn.Receive()
		if err != nil {
			return err
		}
		ctl.HandleEnvelope(env)
		select {
		case <-ctl.ctx.Done():
			return nil
		default:
		}
	}
}

// HandleEnvelope applies one relay-to-client envelope.
func (ctl *Controller) HandleEnvelope(env signaling.Envelope) {
	switch env.Kind {
	case signaling.KindJoinAccepted:
		ctl.handleJoinAccepted(env)
	case signaling.KindRoomFull:
		ctl.reportJoin(ErrRoomFull)
	case signaling.KindParticipantJoined:
		ctl.handleParticipantJoined(env)
	case signaling.KindParticipantLeft:
		ctl.handleParticipantLeft(env)
	case signaling.KindIncomingCall:
		ctl.handleIncomingCall(env)
	case signaling.KindCallAccepted:
		ctl.handleCallAccepted(env)
	case signaling.KindRenegotiationOffer:
		ctl.handleRenegotiationOffer(env)
	case signaling.KindRenegotiationAnswer:
		ctl.handleRenegotiationAnswer(env)
	case signaling.KindMediaToggle:
		ctl.handleMediaToggle(env)
	case signaling.KindError:
		ctl.log.Warn("relay error", "code", env.Code, "message", env.Message)
	default:
		ctl.log.Debug("ignoring envelope", "kind", string(env.Kind))
	}
}

func (ctl *Controller) handleJoinAccepted(env signaling.Envelope) {
	ctl.mu.Lock()
	ctl.sessionID = env.SessionID
	for _, p := range env.Participants {
		ctl.roster[p.ID] = &Participant{ID: p.ID, Identity: p.Identity, AudioOn: true, VideoOn: true}
	}
	ctl.mu.Unlock()

	ctl.log.Info("joined room",
		"session_id", env.SessionID,
		"participants", env.ParticipantCount,
	)
	ctl.reportJoin(nil)
}

func (ctl *Controller) reportJoin(err error) {
	select {
	case ctl.joinCh <- err:
	default:
	}
}

// handleParticipantJoined starts the call toward the newcomer. Existing
// occupants initiate; the newcomer only answers, so the pair never races to
// offer first.
func (ctl *Controller) handleParticipantJoined(env signaling.Envelope) {
	remoteID := env.SessionID

	ctl.mu.Lock()
	ctl.roster[remoteID] = &Participant{ID: remoteID, Identity: env.Identity, AudioOn: true, VideoOn: true}
	m, err := ctl.machineForLocked(remoteID)
	ctl.mu.Unlock()
	if err != nil {
		ctl.log.Warn("creating peer connection", "remote_id", remoteID, "err", err)
		return
	}

	ctl.log.Info("participant joined", "remote_id", remoteID, "identity", env.Identity)
	ctl.enqueue(remoteID, func() {
		_ = m.InitiateCall(ctl.ctx)
	})
}

func (ctl *Controller) handleParticipantLeft(env signaling.Envelope) {
	remoteID := env.SessionID

	ctl.mu.Lock()
	delete(ctl.roster, remoteID)
	m := ctl.machines[remoteID]
	delete(ctl.machines, remoteID)
	w := ctl.workers[remoteID]
	delete(ctl.workers, remoteID)
	ctl.mu.Unlock()

	ctl.log.Info("participant left", "remote_id", remoteID, "identity", env.Identity)
	if w != nil {
		close(w.done)
	}
	if m != nil {
		m.Teardown()
	}
}

func (ctl *Controller) handleIncomingCall(env signaling.Envelope) {
	offer, err := env.SDP.ToPion()
	if err != nil {
		ctl.log.Warn("bad incoming offer", "from", env.From, "err", err)
		return
	}
	remoteID := env.From

	ctl.mu.Lock()
	m := ctl.machines[remoteID]
	var stale *negotiation.Machine
	if m != nil && m.State() != negotiation.Idle {
		// A fresh initial offer supersedes whatever exchange this id had
		// going; the remote has rebuilt its side.
		stale = m
		delete(ctl.machines, remoteID)
		m = nil
	}
	if m == nil {
		m, err = ctl.machineForLocked(remoteID)
	}
	ctl.mu.Unlock()

	if stale != nil {
		stale.Teardown()
	}
	if err != nil {
		ctl.log.Warn("creating peer connection", "remote_id", remoteID, "err", err)
		return
	}

	ctl.enqueue(remoteID, func() {
		_ = m.AcceptCall(ctl.ctx, offer)
	})
}

func (ctl *Controller) handleCallAccepted(env signaling.Envelope) {
	answer, err := env.SDP.ToPion()
	if err != nil {
		ctl.log.Warn("bad call answer", "from", env.From, "err", err)
		return
	}
	m := ctl.machine(env.From)
	if m == nil {
		ctl.log.Debug("answer from unknown remote", "from", env.From)
		return
	}
	ctl.enqueue(env.From, func() {
		_ = m.CompleteCall(answer)
	})
}

func (ctl *Controller) handleRenegotiationOffer(env signaling.Envelope) {
	offer, err := env.SDP.ToPion()
	if err != nil {
		ctl.log.Warn("bad renegotiation offer", "from", env.From, "err", err)
		return
	}
	m := ctl.machine(env.From)
	if m == nil {
		ctl.log.Debug("renegotiation offer from unknown remote", "from", env.From)
		return
	}
	ctl.enqueue(env.From, func() {
		_ = m.HandleRenegotiationOffer(ctl.ctx, offer)
	})
}

func (ctl *Controller) handleRenegotiationAnswer(env signaling.Envelope) {
	answer, err := env.SDP.ToPion()
	if err != nil {
		ctl.log.Warn("bad renegotiation answer", "from", env.From, "err", err)
		return
	}
	m := ctl.machine(env.From)
	if m == nil {
		ctl.log.Debug("renegotiation answer from unknown remote", "from", env.From)
		return
	}
	ctl.enqueue(env.From, func() {
		_ = m.HandleRenegotiationAnswer(answer)
	})
}

func (ctl *Controller) handleMediaToggle(env signaling.Envelope) {
	if env.Media == nil {
		return
	}
	ctl.mu.Lock()
	if p := ctl.roster[env.From]; p != nil {
		switch env.Media.Kind {
		case "audio":
			p.AudioOn = env.Media.Enabled
		case "video":
			p.VideoOn = env.Media.Enabled
		}
	}
	ctl.mu.Unlock()
}

// SendOffer implements negotiation.Signaler.
func (ctl *Controller) SendOffer(remoteID string, sdp webrtc.SessionDescription, renegotiation bool) error {
	kind := signaling.KindCallOffer
	if renegotiation {
		kind = signaling.KindRenegotiationOffer
	}
	desc := signaling.SDPFromPion(sdp)
	return ctl.send.Send(signaling.Envelope{Kind: kind, To: remoteID, SDP: &desc})
}

// SendAnswer implements negotiation.Signaler.
func (ctl *Controller) SendAnswer(remoteID string, sdp webrtc.SessionDescription, renegotiation bool) error {
	kind := signaling.KindCallAnswer
	if renegotiation {
		kind = signaling.KindRenegotiationAnswer
	}
	desc := signaling.SDPFromPion(sdp)
	return ctl.send.Send(signaling.Envelope{Kind: kind, To: remoteID, SDP: &desc})
}

// ToggleAudio announces the local audio mute state to the room.
func (ctl *Controller) ToggleAudio(enabled bool) error {
	return ctl.send.Send(signaling.Envelope{
		Kind:  signaling.KindMediaToggle,
		Media: &signaling.MediaToggle{Kind: "audio", Enabled: enabled},
	})
}

// ToggleVideo announces the local video mute state to the room.
func (ctl *Controller) ToggleVideo(enabled bool) error {
	return ctl.send.Send(signaling.Envelope{
		Kind:  signaling.KindMediaToggle,
		Media: &signaling.MediaToggle{Kind: "video", Enabled: enabled},
	})
}

// StartScreenShare swaps the published video to the given track on every
// live connection without renegotiating. A non-nil ended channel reverts to
// the camera automatically when it closes, covering shares the user stops
// outside the app.
func (ctl *Controller) StartScreenShare(track webrtc.TrackLocal, ended <-chan struct{}) error {
	if err := ctl.coord.ReplaceOutboundVideo(track); err != nil {
		return err
	}
	if ended == nil {
		return nil
	}
	go func() {
		select {
		case <-ended:
			// A newer share may have replaced this one already.
			if ctl.coord.ShareTrack() != track {
				return
			}
			if err := ctl.coord.RevertVideo(); err != nil {
				ctl.log.Warn("revert after share ended", "err", err)
			}
		case <-ctl.ctx.Done():
		}
	}()
	return nil
}

// StopScreenShare restores the camera track. Call it when the share track
// ends, expectedly or not.
func (ctl *Controller) StopScreenShare() error {
	return ctl.coord.RevertVideo()
}

// Leave announces departure, tears down every pairwise session, and
// releases the local media. The controller is unusable afterwards.
func (ctl *Controller) Leave() error {
	err := ctl.send.Send(signaling.Envelope{Kind: signaling.KindLeave})

	ctl.mu.Lock()
	machines := make([]*negotiation.Machine, 0, len(ctl.machines))
	for _, m := range ctl.machines {
		machines = append(machines, m)
	}
	ctl.machines = make(map[string]*negotiation.Machine)
	ctl.workers = make(map[string]*worker)
	ctl.roster = make(map[string]*Participant)
	ctl.mu.Unlock()

	for _, m := range machines {
		m.Teardown()
	}
	ctl.coord.ReleaseAll()
	ctl.cancel()
	return err
}

func (ctl *Controller) SessionID() string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.sessionID
}

// Participants returns a roster snapshot sorted by id.
func (ctl *Controller) Participants() []Participant {
	ctl.mu.Lock()
	out := make([]Participant, 0, len(ctl.roster))
	for _, p := range ctl.roster {
		out = append(out, *p)
	}
	ctl.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ctl *Controller) machine(remoteID string) *negotiation.Machine {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.machines[remoteID]
}

// machineForLocked returns the machine for the remote, creating it and its
// worker if needed. Callers must hold ctl.mu.
func (ctl *Controller) machineForLocked(remoteID string) (*negotiation.Machine, error) {
	if m, ok := ctl.machines[remoteID]; ok {
		return m, nil
	}

	cap, err := ctl.newCap()
	if err != nil {
		return nil, err
	}
	cap.OnTrack(func(track *webrtc.TrackRemote) {
		if ctl.onTrack != nil {
			ctl.onTrack(remoteID, track)
		}
	})

	m := negotiation.New(negotiation.Config{
		RemoteID:       remoteID,
		Capability:     cap,
		Coordinator:    ctl.coord,
		Signaler:       ctl,
		Clock:          ctl.clk,
		Logger:         ctl.log,
		Metrics:        ctl.met,
		DebounceWindow: ctl.window,
	})
	ctl.machines[remoteID] = m

	if _, ok := ctl.workers[remoteID]; !ok {
		w := &worker{ch: make(chan func(), 32), done: make(chan struct{})}
		ctl.workers[remoteID] = w
		go ctl.runWorker(w)
	}
	return m, nil
}

// enqueue hands fn to the remote's worker, preserving per-remote arrival
// order while keeping remotes independent of each other.
func (ctl *Controller) enqueue(remoteID string, fn func()) {
	ctl.mu.Lock()
	w := ctl.workers[remoteID]
	ctl.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.ch <- fn:
	case <-w.done:
	case <-ctl.ctx.Done():
	}
}

// worker serializes envelope handling for one remote. done is closed when
// the remote leaves so the goroutine does not outlive the participant.
type worker struct {
	ch   chan func()
	done chan struct{}
}

func (ctl *Controller) runWorker(w *worker) {
	for {
		select {
		case fn := <-w.ch:
			fn()
		case <-w.done:
			return
		case <-ctl.ctx.Done():
			return
		}
	}
}
