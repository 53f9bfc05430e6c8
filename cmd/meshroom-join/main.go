// meshroom-join is a headless participant: it joins a room, publishes a
// static audio/video source, and logs roster and media events. Useful for
// smoke-testing a relay and for filling rooms during development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshroom/meshroom/internal/client"
	"github.com/meshroom/meshroom/internal/config"
	"github.com/meshroom/meshroom/internal/media"
	"github.com/meshroom/meshroom/internal/peer"
)

func main() {
	fs := flag.NewFlagSet("meshroom-join", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "relay base URL")
	room := fs.String("room", "", "room code to join")
	identity := fs.String("identity", "", "display name")
	audioOnly := fs.Bool("audio-only", false, "publish no video track")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	_ = fs.Parse(os.Args[1:])

	if *room == "" || *identity == "" {
		fmt.Fprintln(os.Stderr, "-room and -identity are required")
		os.Exit(2)
	}

	logger, lvl, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, lvl, *server, *room, *identity, *audioOnly); err != nil {
		logger.Error("session ended", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, lvl slog.Level, server, room, identity string, audioOnly bool) error {
	wsURL, err := signalingURL(server)
	if err != nil {
		return err
	}

	iceServers := fetchICEServers(ctx, logger, server)
	api := peer.NewAPI(config.Config{LogLevel: lvl})

	coord := media.NewCoordinator(logger)
	src, err := newStaticSource(logger, audioOnly)
	if err != nil {
		return err
	}
	if src.AudioOnly() && !audioOnly {
		logger.Warn("publishing audio only, video track unavailable")
	}
	coord.SetLocalSource(src)

	conn, err := client.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	ctl := client.NewController(client.Config{
		Sender:      conn,
		Coordinator: coord,
		Logger:      logger,
		NewCapability: func() (peer.Capability, error) {
			return peer.New(api, iceServers, config.DefaultICEGatheringTimeout)
		},
		DebounceWindow: config.DefaultRenegotiationDebounce,
		OnRemoteTrack: func(remoteID string, track *webrtc.TrackRemote) {
			logger.Info("remote track",
				"remote_id", remoteID,
				"kind", track.Kind().String(),
				"codec", track.Codec().MimeType,
			)
		},
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- ctl.Run(conn)
	}()

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ctl.Join(joinCtx, room, identity); err != nil {
		if errors.Is(err, client.ErrRoomFull) {
			return fmt.Errorf("room %q is full", room)
		}
		return fmt.Errorf("join room: %w", err)
	}
	logger.Info("in room", "room", room, "session_id", ctl.SessionID())

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		logger.Info("leaving room")
		_ = ctl.Leave()
		return nil
	}
}

// signalingURL maps the relay base URL onto its websocket endpoint.
func signalingURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// fetchICEServers asks the relay for its STUN configuration so client and
// relay deployments stay in sync. Falls back to the built-in defaults.
func fetchICEServers(ctx context.Context, logger *slog.Logger, server string) []webrtc.ICEServer {
	fallback := config.Config{STUNURLs: config.DefaultSTUNURLs}.ICEServers()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/ice", nil)
	if err != nil {
		return fallback
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("fetching ice servers failed, using defaults", "err", err)
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("fetching ice servers failed, using defaults", "status", resp.StatusCode)
		return fallback
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Warn("decoding ice servers failed, using defaults", "err", err)
		return fallback
	}
	if len(body.ICEServers) == 0 {
		return fallback
	}
	return body.ICEServers
}

// newStaticSource builds placeholder outbound tracks. They negotiate like
// real capture tracks but carry no samples. A failed video track degrades
// to an audio-only source; a failed audio track is fatal.
func newStaticSource(logger *slog.Logger, audioOnly bool) (*media.Source, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "meshroom",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if audioOnly {
		return media.NewSource(audio), nil
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "meshroom",
	)
	if err != nil {
		logger.Warn("create video track", "err", err)
		return media.NewSource(audio), nil
	}
	return media.NewSource(audio, video), nil
}

func newLogger(level string) (*slog.Logger, slog.Level, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, 0, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), lvl, nil
}
