package signaling_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshroom/meshroom/internal/config"
	"github.com/meshroom/meshroom/internal/httpserver"
	"github.com/meshroom/meshroom/internal/metrics"
	"github.com/meshroom/meshroom/internal/rooms"
	"github.com/meshroom/meshroom/internal/signaling"
)

// The production binary mounts /ws behind the httpserver middleware chain,
// so the upgrade must hijack through the wrapped response writer. This test
// walks that exact path instead of the bare mux.
func TestJoinThroughHTTPServerMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	httpSrv := httpserver.New(config.Config{ListenAddr: "127.0.0.1:0"}, logger, httpserver.BuildInfo{})

	reg := rooms.NewRegistry(10, metrics.New(), logger)
	sig := signaling.NewServer(signaling.Config{Registry: reg, Logger: logger})
	sig.RegisterRoutes(httpSrv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
		<-errCh
	})

	baseURL := "http://" + ln.Addr().String()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	wsURL := "ws://" + ln.Addr().String() + "/ws"
	dial := func() *websocket.Conn {
		ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("dial %s: %v (status %d)", wsURL, err, status)
		}
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	}
	send := func(ws *websocket.Conn, env signaling.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func(ws *websocket.Conn) signaling.Envelope {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return env
	}

	alice := dial()
	send(alice, signaling.Envelope{Kind: signaling.KindJoinRequest, RoomCode: "room-1", Identity: "alice"})
	accAlice := read(alice)
	if accAlice.Kind != signaling.KindJoinAccepted || accAlice.SessionID == "" {
		t.Fatalf("alice join reply = %+v, want join-accepted", accAlice)
	}

	bob := dial()
	send(bob, signaling.Envelope{Kind: signaling.KindJoinRequest, RoomCode: "room-1", Identity: "bob"})
	accBob := read(bob)
	if accBob.Kind != signaling.KindJoinAccepted || accBob.ParticipantCount != 2 {
		t.Fatalf("bob join reply = %+v, want join-accepted with 2 participants", accBob)
	}
	if ev := read(alice); ev.Kind != signaling.KindParticipantJoined || ev.SessionID != accBob.SessionID {
		t.Fatalf("alice saw %+v, want bob's arrival", ev)
	}

	send(alice, signaling.Envelope{
		Kind: signaling.KindCallOffer,
		To:   accBob.SessionID,
		SDP:  &signaling.SDP{Type: "offer", SDP: "v=0 test"},
	})
	call := read(bob)
	if call.Kind != signaling.KindIncomingCall || call.From != accAlice.SessionID {
		t.Fatalf("bob saw %+v, want incoming-call from alice", call)
	}
	if call.SDP == nil || call.SDP.SDP != "v=0 test" {
		t.Fatalf("relayed sdp = %+v", call.SDP)
	}
}
