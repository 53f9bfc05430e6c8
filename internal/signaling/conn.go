package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshroom/meshroom/internal/metrics"
	"github.com/meshroom/meshroom/internal/ratelimit"
	"github.com/meshroom/meshroom/internal/rooms"
)

const wsWriteWait = 1 * time.Second

// outboundQueueSize bounds the per-connection outbound buffer. The queue is
// the per-pair FIFO: everything the relay sends one participant flows
// through it in order.
const outboundQueueSize = 256

// conn is one participant's signaling connection. It is the rooms.EventSink
// for that participant's session.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	limiter *ratelimit.TokenBucket

	out  chan Envelope
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	session *rooms.Session
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	return &conn{
		srv: srv,
		ws:  ws,
		log: srv.logger(),
		limiter: ratelimit.NewTokenBucket(
			srv.clock(),
			int64(srv.maxMessagesPerSecond()),
			int64(srv.maxMessagesPerSecond()),
		),
		out:  make(chan Envelope, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// Deliver implements rooms.EventSink. It never blocks: when the outbound
// queue is full the event is dropped and counted.
func (c *conn) Deliver(ev rooms.Event) bool {
	env, ok := envelopeFromEvent(ev)
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		c.srv.metrics().Inc(metrics.OutboundDropped)
		c.log.Warn("outbound queue full, dropping event", "kind", string(ev.Kind))
		return false
	}
}

func envelopeFromEvent(ev rooms.Event) (Envelope, bool) {
	switch ev.Kind {
	case rooms.EventJoinAccepted:
		parts := make([]Participant, 0, len(ev.Participants))
		for _, p := range ev.Participants {
			parts = append(parts, Participant{ID: p.ID, Identity: p.Identity})
		}
		return Envelope{
			Kind:             KindJoinAccepted,
			SessionID:        ev.SessionID,
			Participants:     parts,
			ParticipantCount: ev.ParticipantCount,
		}, true
	case rooms.EventParticipantJoined:
		return Envelope{Kind: KindParticipantJoined, SessionID: ev.From, Identity: ev.Identity}, true
	case rooms.EventParticipantLeft:
		return Envelope{Kind: KindParticipantLeft, SessionID: ev.From, Identity: ev.Identity}, true
	case rooms.EventMediaToggle:
		return Envelope{
			Kind:  KindMediaToggle,
			From:  ev.From,
			Media: &MediaToggle{Kind: string(ev.Media), Enabled: ev.Enabled},
		}, true
	case rooms.EventIncomingCall, rooms.EventCallAccepted,
		rooms.EventRenegotiationOffer, rooms.EventRenegotiationAnswer:
		var sdp SDP
		if err := json.Unmarshal(ev.Payload, &sdp); err != nil {
			return Envelope{}, false
		}
		var kind Kind
		switch ev.Kind {
		case rooms.EventIncomingCall:
			kind = KindIncomingCall
		case rooms.EventCallAccepted:
			kind = KindCallAccepted
		case rooms.EventRenegotiationOffer:
			kind = KindRenegotiationOffer
		case rooms.EventRenegotiationAnswer:
			kind = KindRenegotiationAnswer
		}
		return Envelope{Kind: kind, From: ev.From, SDP: &sdp}, true
	}
	return Envelope{}, false
}

// writePump is the sole writer on the socket. It drains the outbound queue,
// keeps the connection alive with pings, and flushes what it can before
// closing.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env := <-c.out:
			if !c.writeEnvelope(env) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush anything already queued, then say goodbye.
			for {
				select {
				case env := <-c.out:
					if !c.writeEnvelope(env) {
						return
					}
				default:
					_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(wsWriteWait))
					return
				}
			}
		}
	}
}

func (c *conn) writeEnvelope(env Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data) == nil
}

// readLoop processes inbound envelopes one at a time; events from different
// connections interleave only inside the registry.
func (c *conn) readLoop() {
	defer c.close()

	idle := c.srv.idleTimeout()
	c.ws.SetReadLimit(c.srv.maxMessageBytes())
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if !c.limiter.Allow(1) {
			c.srv.metrics().Inc(metrics.RateLimited)
			c.fail("rate_limited", "signaling rate limit exceeded")
			return
		}

		env, err := Parse(data)
		if err != nil {
			c.fail("bad_message", err.Error())
			return
		}
		if !clientKind(env.Kind) {
			c.fail("bad_message", "unexpected envelope kind "+string(env.Kind))
			return
		}

		if !c.handle(env) {
			return
		}
	}
}

// handle applies one inbound envelope. It reports false when the connection
// should be torn down.
func (c *conn) handle(env Envelope) bool {
	switch env.Kind {
	case KindJoinRequest:
		return c.handleJoin(env)

	case KindLeave:
		if sess := c.takeSession(); sess != nil {
			c.srv.Registry.Leave(sess.ID())
		}
		return false

	case KindMediaToggle:
		sess := c.currentSession()
		if sess == nil {
			c.fail("not_joined", "join a room first")
			return false
		}
		c.srv.Registry.ToggleMedia(sess.ID(), rooms.MediaKind(env.Media.Kind), env.Media.Enabled)
		return true

	case KindCallOffer, KindCallAnswer, KindRenegotiationOffer, KindRenegotiationAnswer:
		sess := c.currentSession()
		if sess == nil {
			c.fail("not_joined", "join a room first")
			return false
		}
		payload, err := json.Marshal(env.SDP)
		if err != nil {
			return true
		}
		c.srv.Registry.Relay(rooms.RelayKind(env.Kind), sess.ID(), env.To, payload)
		return true
	}
	return true
}

func (c *conn) handleJoin(env Envelope) bool {
	if c.currentSession() != nil {
		c.fail("already_joined", "already in a room")
		return false
	}

	sess, err := c.srv.Registry.Join(env.RoomCode, env.Identity, c)
	switch {
	case err == rooms.ErrRoomFull:
		// Not a protocol violation: the participant may try another room on
		// the same connection.
		c.enqueue(Envelope{Kind: KindRoomFull})
		return true
	case err != nil:
		c.fail("bad_message", err.Error())
		return false
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return true
}

func (c *conn) currentSession() *rooms.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) takeSession() *rooms.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.session
	c.session = nil
	return sess
}

func (c *conn) enqueue(env Envelope) {
	select {
	case c.out <- env:
	default:
		c.srv.metrics().Inc(metrics.OutboundDropped)
	}
}

func (c *conn) fail(code, message string) {
	c.enqueue(Envelope{Kind: KindError, Code: code, Message: message})
}

// close retires the session (disconnects behave exactly like explicit
// leaves) and stops the write pump.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		if sess := c.takeSession(); sess != nil {
			c.srv.Registry.Leave(sess.ID())
		}
		close(c.done)
	})
}
