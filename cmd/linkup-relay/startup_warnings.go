package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
)

// maxMessageBytesWarnThreshold marks relay frame limits large enough to make
// per-peer buffering a memory concern.
const maxMessageBytesWarnThreshold = 1 << 20 // 1MiB

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.Relay.AllowedOrigins, "*") {
		logger.Warn("startup security warning: LINKUP_ALLOWED_ORIGINS contains '*' (any web page can use this relay)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.Relay.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.Relay.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: LINKUP_ALLOWED_ORIGINS is empty while --mode=prod (only same-host and non-browser clients are accepted)",
			"warning_code", "allowed_origins_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Relay.MaxMessageBytes > maxMessageBytesWarnThreshold {
		logger.Warn("startup security warning: LINKUP_MAX_MESSAGE_BYTES is very large (each relay peer may buffer many such frames)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.Relay.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Relay.IdleTimeout > 0 && cfg.Relay.PingInterval*2 > cfg.Relay.IdleTimeout {
		logger.Warn("startup warning: LINKUP_PING_INTERVAL is more than half of LINKUP_IDLE_TIMEOUT (peers may be dropped after one missed ping)",
			"warning_code", "ping_interval_close_to_idle_timeout",
			"ping_interval", cfg.Relay.PingInterval,
			"idle_timeout", cfg.Relay.IdleTimeout,
			"mode", cfg.Mode,
		)
	}
}
