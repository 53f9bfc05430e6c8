package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshroom/meshroom/internal/clock"
	"github.com/meshroom/meshroom/internal/metrics"
	"github.com/meshroom/meshroom/internal/origin"
	"github.com/meshroom/meshroom/internal/rooms"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *rooms.Registry
	Logger   *slog.Logger
	Clock    clock.Clock

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// AllowedOrigins gates browser upgrades; empty means same-host only.
	AllowedOrigins []string
}

// Server implements the relay's WebSocket signaling surface.
//
// Each accepted connection is one participant; its inbound envelopes are
// processed serially, and its outbound queue preserves delivery order, which
// is what gives two sessions FIFO signaling per directed pair.
type Server struct {
	Registry *rooms.Registry
	Logger   *slog.Logger
	Clock    clock.Clock

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	return &Server{
		Registry: cfg.Registry,
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,

		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		IdleTimeout:  cfg.IdleTimeout,
		PingInterval: cfg.PingInterval,

		AllowedOrigins: cfg.AllowedOrigins,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		http.Error(w, "registry not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		// Non-browser clients send no Origin header and pass. Browsers are
		// held to the allowlist, same-host when it is empty.
		CheckOrigin: func(r *http.Request) bool {
			return origin.CheckHeader(r.Header.Get("Origin"), r.Host, s.AllowedOrigins)
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(s, ws)
	go c.writePump()
	c.readLoop()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) clock() clock.Clock {
	if s.Clock == nil {
		return clock.Real{}
	}
	return s.Clock
}

func (s *Server) metrics() *metrics.Metrics {
	if s.Registry == nil {
		return metrics.New()
	}
	return s.Registry.Metrics()
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.PingInterval
}
