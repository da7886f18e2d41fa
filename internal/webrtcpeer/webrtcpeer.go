// Package webrtcpeer opens WebRTC DataChannels between two peers, exchanging
// the offer and answer through linkup.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
)

func NewAPI(cfg config.PeerConfig, logger *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplySettings(&se, cfg, logger); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

// ApplySettings routes pion's internal logging into logger at the configured
// level.
func ApplySettings(se *webrtc.SettingEngine, cfg config.PeerConfig, logger *slog.Logger) error {
	level, err := parseLogLevel(cfg.WebRTCLogLevel)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	se.LoggerFactory = &slogLoggerFactory{log: logger, level: level}
	return nil
}

func parseLogLevel(raw string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "warn":
		return logging.LogLevelWarn, nil
	case "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("invalid webrtc log level %q", raw)
	}
}

// slogLoggerFactory hands pion a logger per scope (ice, sctp, dtls, ...).
// pion's trace level maps to slog debug.
type slogLoggerFactory struct {
	log   *slog.Logger
	level logging.LogLevel
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("pion_scope", scope), level: f.level}
}

type slogLeveledLogger struct {
	log   *slog.Logger
	level logging.LogLevel
}

func (l *slogLeveledLogger) emit(level logging.LogLevel, msg string) {
	if level > l.level {
		return
	}
	switch level {
	case logging.LogLevelError:
		l.log.Error(msg)
	case logging.LogLevelWarn:
		l.log.Warn(msg)
	case logging.LogLevelInfo:
		l.log.Info(msg)
	default:
		l.log.Debug(msg, "pion_level", level.String())
	}
}

func (l *slogLeveledLogger) Trace(msg string) { l.emit(logging.LogLevelTrace, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.emit(logging.LogLevelTrace, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Debug(msg string) { l.emit(logging.LogLevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.emit(logging.LogLevelDebug, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Info(msg string) { l.emit(logging.LogLevelInfo, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.emit(logging.LogLevelInfo, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Warn(msg string) { l.emit(logging.LogLevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.emit(logging.LogLevelWarn, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Error(msg string) { l.emit(logging.LogLevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.emit(logging.LogLevelError, fmt.Sprintf(format, args...))
}
