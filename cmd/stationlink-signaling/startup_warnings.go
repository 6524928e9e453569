package main

import (
	"log/slog"

	"github.com/stationlink/signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Auth.Mode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.Auth.Mode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if !cfg.Redis.Enabled() {
		// The in-process directory store cannot share state or pub/sub across
		// processes, so sessions/stations on other instances are invisible.
		logger.Warn("startup warning: REDIS_ADDR is unset; directory store is in-process (single-instance only)",
			"warning_code", "directory_store_in_process",
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() {
		for _, server := range cfg.ICEServers {
			if server.HasTURNURL() && (server.Username != "" || server.Credential != "") {
				logger.Warn("startup security warning: TURN server has static credentials while TURN REST is enabled (static long-lived credentials leak more easily; prefer REST-minted ones)",
					"warning_code", "turn_static_credentials_with_rest",
					"turn_urls", server.URLs,
					"mode", cfg.Mode,
				)
			}
		}
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens oversized signaling message hardening)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
