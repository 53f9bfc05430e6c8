package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshroom/meshroom/internal/clock"
	"github.com/meshroom/meshroom/internal/media"
	"github.com/meshroom/meshroom/internal/metrics"
	"github.com/meshroom/meshroom/internal/peer"
)

// ErrClosed is returned by operations invoked after teardown.
var ErrClosed = fmt.Errorf("negotiation: machine closed")

const defaultDebounceWindow = 100 * time.Millisecond

// Signaler delivers outbound offers and answers to the remote participant.
// Implementations must be safe for concurrent use.
type Signaler interface {
	SendOffer(remoteID string, sdp webrtc.SessionDescription, renegotiation bool) error
	SendAnswer(remoteID string, sdp webrtc.SessionDescription, renegotiation bool) error
}

type Config struct {
	RemoteID    string
	Capability  peer.Capability
	Coordinator *media.Coordinator
	Signaler    Signaler
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// DebounceWindow coalesces bursts of negotiation-needed callbacks into
	// one renegotiation offer. Zero means the default.
	DebounceWindow time.Duration
}

// Machine drives the offer/answer exchange with one remote participant.
//
// Out-of-state signals are dropped, not errors: with several participants
// racing to call each other, stale answers and duplicate offers are normal
// traffic, and the surviving exchange converges on Stable.
type Machine struct {
	remoteID string
	cap      peer.Capability
	coord    *media.Coordinator
	signaler Signaler
	clk      clock.Clock
	log      *slog.Logger
	met      *metrics.Metrics
	window   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	renegoArmed bool
}

func New(cfg Config) *Machine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = defaultDebounceWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		remoteID: cfg.RemoteID,
		cap:      cfg.Capability,
		coord:    cfg.Coordinator,
		signaler: cfg.Signaler,
		clk:      clk,
		log:      log.With("remote_id", cfg.RemoteID),
		met:      cfg.Metrics,
		window:   window,
		ctx:      ctx,
		cancel:   cancel,
		state:    Idle,
	}
	m.cap.OnNegotiationNeeded(m.RenegotiationNeeded)
	return m
}

func (m *Machine) RemoteID() string { return m.remoteID }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InitiateCall attaches local tracks and sends a full offer. Valid from
// Idle, and from Stable to re-establish the connection; with an offer
// already in flight the call is glare and is dropped.
func (m *Machine) InitiateCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle && m.state != Stable {
		state := m.state
		m.mu.Unlock()
		m.dropConflict("initiate-call", state)
		return nil
	}
	m.state = OfferSent
	m.mu.Unlock()

	if err := m.coord.AttachTo(m.remoteID, m.cap); err != nil {
		m.failNegotiation("attach tracks", err)
		return err
	}
	offer, err := m.cap.CreateOffer(ctx)
	if err != nil {
		m.failNegotiation("create offer", err)
		return err
	}

	// Teardown may have raced the gathering wait.
	if m.State() != OfferSent {
		return nil
	}
	if err := m.signaler.SendOffer(m.remoteID, offer, false); err != nil {
		m.failNegotiation("send offer", err)
		return err
	}
	return nil
}

// AcceptCall answers an incoming initial offer. It waits for the local media
// source before answering so the answer already carries our tracks. Valid
// from Idle.
func (m *Machine) AcceptCall(ctx context.Context, offer webrtc.SessionDescription) error {
	select {
	case <-m.coord.Ready():
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}

	m.mu.Lock()
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		m.dropConflict("incoming offer", state)
		return nil
	}
	m.state = OfferReceived
	m.mu.Unlock()

	if err := m.coord.AttachTo(m.remoteID, m.cap); err != nil {
		m.failNegotiation("attach tracks", err)
		return err
	}
	answer, err := m.cap.CreateAnswer(ctx, offer)
	if err != nil {
		m.failNegotiation("create answer", err)
		return err
	}

	m.mu.Lock()
	if m.state != OfferReceived {
		m.mu.Unlock()
		return nil
	}
	m.state = Stable
	m.mu.Unlock()

	if err := m.signaler.SendAnswer(m.remoteID, answer, false); err != nil {
		m.failNegotiation("send answer", err)
		return err
	}
	m.log.Debug("negotiation stable")
	return nil
}

// CompleteCall applies the answer to our initial offer. Valid only from
// OfferSent; a late or duplicate answer is dropped.
func (m *Machine) CompleteCall(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.state != OfferSent {
		state := m.state
		m.mu.Unlock()
		m.dropConflict("call answer", state)
		return nil
	}
	m.mu.Unlock()

	if err := m.cap.ApplyAnswer(answer); err != nil {
		m.failNegotiation("apply answer", err)
		return err
	}

	m.mu.Lock()
	if m.state == OfferSent {
		m.state = Stable
	}
	m.mu.Unlock()
	m.log.Debug("negotiation stable")
	return nil
}

// RenegotiationNeeded arms the debounce window. Bursts of callbacks within
// the window collapse into a single renegotiation offer, fired only if the
// machine is Stable when the window elapses.
func (m *Machine) RenegotiationNeeded() {
	m.mu.Lock()
	if m.state == Closed || m.renegoArmed {
		m.mu.Unlock()
		return
	}
	m.renegoArmed = true
	m.mu.Unlock()

	go func() {
		select {
		case <-m.clk.After(m.window):
			m.fireRenegotiation()
		case <-m.ctx.Done():
		}
	}()
}

func (m *Machine) fireRenegotiation() {
	m.mu.Lock()
	m.renegoArmed = false
	if m.state != Stable {
		// Either the initial exchange is still in flight and will pick the
		// change up, or the machine is gone.
		state := m.state
		m.mu.Unlock()
		m.log.Debug("skipping renegotiation", "state", state.String())
		return
	}
	m.state = RenegotiationPending
	m.mu.Unlock()

	offer, err := m.cap.CreateOffer(m.ctx)
	if err != nil {
		m.failNegotiation("create renegotiation offer", err)
		return
	}
	if m.State() != RenegotiationPending {
		return
	}
	if err := m.signaler.SendOffer(m.remoteID, offer, true); err != nil {
		m.failNegotiation("send renegotiation offer", err)
	}
}

// HandleRenegotiationOffer answers a renegotiation offer from the remote.
// Valid from Stable; in particular a machine that has its own renegotiation
// in flight (glare) drops the remote's offer and lets the remote answer
// ours.
func (m *Machine) HandleRenegotiationOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.state != Stable {
		state := m.state
		m.mu.Unlock()
		m.dropConflict("renegotiation offer", state)
		return nil
	}
	m.mu.Unlock()

	answer, err := m.cap.CreateAnswer(ctx, offer)
	if err != nil {
		m.failNegotiation("answer renegotiation", err)
		return err
	}
	if m.State() == Closed {
		return nil
	}
	if err := m.signaler.SendAnswer(m.remoteID, answer, true); err != nil {
		m.failNegotiation("send renegotiation answer", err)
		return err
	}
	return nil
}

// HandleRenegotiationAnswer applies the answer to our renegotiation offer.
// Valid only from RenegotiationPending.
func (m *Machine) HandleRenegotiationAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.state != RenegotiationPending {
		state := m.state
		m.mu.Unlock()
		m.dropConflict("renegotiation answer", state)
		return nil
	}
	m.mu.Unlock()

	if err := m.cap.ApplyAnswer(answer); err != nil {
		m.failNegotiation("apply renegotiation answer", err)
		return err
	}

	m.mu.Lock()
	if m.state == RenegotiationPending {
		m.state = Stable
	}
	m.mu.Unlock()
	return nil
}

// Teardown closes the machine from any state. Idempotent.
func (m *Machine) Teardown() {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.state = Closed
	m.mu.Unlock()

	m.cancel()
	m.coord.Detach(m.remoteID)
	if err := m.cap.Close(); err != nil {
		m.log.Debug("closing peer connection", "err", err)
	}
	m.log.Debug("negotiation closed")
}

// failNegotiation tears down this machine only; the controller keeps every
// other pairwise session running.
func (m *Machine) failNegotiation(op string, err error) {
	m.log.Warn("negotiation failed", "op", op, "err", err)
	m.Teardown()
}

// dropConflict records a signal that arrived in a state that cannot
// accept it.
func (m *Machine) dropConflict(what string, state State) {
	m.log.Debug("dropping "+what, "state", state.String())
	if m.met != nil {
		m.met.Inc(metrics.NegotiationDropped)
	}
}
