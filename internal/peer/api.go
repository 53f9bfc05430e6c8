package peer

import (
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/meshroom/meshroom/internal/config"
)

// NewAPI builds the webrtc.API every peer connection in the process shares.
// Pion's internal logging is mapped onto the process log level so ICE and
// DTLS chatter only shows up when debugging.
func NewAPI(cfg config.Config) *webrtc.API {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = pionLogLevel(cfg.LogLevel)

	se := webrtc.SettingEngine{LoggerFactory: lf}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func pionLogLevel(lvl slog.Level) logging.LogLevel {
	switch {
	case lvl <= slog.LevelDebug:
		return logging.LogLevelDebug
	case lvl <= slog.LevelInfo:
		return logging.LogLevelWarn
	default:
		return logging.LogLevelError
	}
}
