package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stationlink/signaling/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode: config.ModeDev,
		Auth: config.AuthConfig{Mode: config.AuthModeNone},
	}

	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	rec, ok := codes["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if rec.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", rec.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		Auth:           config.AuthConfig{Mode: config.AuthModeToken, Secret: "s"},
		AllowedOrigins: []string{"*"},
	}

	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_InProcessDirectoryStore(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode: config.ModeProd,
		Auth: config.AuthConfig{Mode: config.AuthModeToken, Secret: "s"},
	}

	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["directory_store_in_process"]; !ok {
		t.Fatalf("expected warning_code=directory_store_in_process, got %#v", records())
	}

	logger2, records2 := newRecordingLogger()
	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	logStartupSecurityWarnings(logger2, cfg)
	if _, ok := warningCodes(records2())["directory_store_in_process"]; ok {
		t.Fatalf("did not expect directory_store_in_process with REDIS_ADDR set")
	}
}

func TestStartupSecurityWarnings_TURNStaticCredentialsWithREST(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:  config.ModeProd,
		Auth:  config.AuthConfig{Mode: config.AuthModeToken, Secret: "s"},
		Redis: config.RedisConfig{Addr: "localhost:6379"},
		TURNREST: config.TurnRESTConfig{
			SharedSecret: "turn-secret",
			TTLSeconds:   600,
		},
		ICEServers: []config.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
		},
	}

	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["turn_static_credentials_with_rest"]; !ok {
		t.Fatalf("expected warning_code=turn_static_credentials_with_rest, got %#v", records())
	}
}

func TestStartupSecurityWarnings_RateLimitDisabledInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:  config.ModeProd,
		Auth:  config.AuthConfig{Mode: config.AuthModeToken, Secret: "s"},
		Redis: config.RedisConfig{Addr: "localhost:6379"},
	}

	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["signaling_rate_limit_disabled_in_prod"]; !ok {
		t.Fatalf("expected warning_code=signaling_rate_limit_disabled_in_prod, got %#v", records())
	}
}

func TestStartupSecurityWarnings_QuietWhenHardened(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:                          config.ModeProd,
		Auth:                          config.AuthConfig{Mode: config.AuthModeToken, Secret: "s"},
		Redis:                         config.RedisConfig{Addr: "localhost:6379"},
		AllowedOrigins:                []string{"https://app.example.com"},
		MaxSignalingMessagesPerSecond: 50,
	}

	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("expected no warnings, got %#v", codes)
	}
}
