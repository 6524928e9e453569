package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/stationlink/signaling/internal/auth"
	"github.com/stationlink/signaling/internal/config"
	"github.com/stationlink/signaling/internal/directory"
	"github.com/stationlink/signaling/internal/httpserver"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/monitor"
	"github.com/stationlink/signaling/internal/registry"
	"github.com/stationlink/signaling/internal/room"
	"github.com/stationlink/signaling/internal/router"
	"github.com/stationlink/signaling/internal/session"
	"github.com/stationlink/signaling/internal/station"
	"github.com/stationlink/signaling/internal/status"
	"github.com/stationlink/signaling/internal/transport"
	"github.com/stationlink/signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	bootCtx := context.Background()

	// Zero key material with AUTH_MODE=token is a startup misconfiguration;
	// it must stop the process here, never surface per-request.
	var verifier auth.Verifier
	if cfg.Auth.Mode == config.AuthModeToken {
		verifier, err = auth.NewVerifier(bootCtx, cfg.Auth)
		if err != nil {
			logger.Error("failed to configure token verifier", "err", err)
			os.Exit(2)
		}
	}

	logger.Info("starting stationlink-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.Auth.Mode,
		"redis_enabled", cfg.Redis.Enabled(),
		"telemetry_enabled", cfg.Telemetry.Enabled(),
		"session_ttl", cfg.SessionTTL,
		"station_ttl", cfg.StationTTL,
		"status_flush_interval", cfg.StatusFlushInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
	)

	logStartupSecurityWarnings(logger, cfg)

	store, err := newDirectoryStore(bootCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect directory store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	m := metrics.New()
	reg := registry.New()
	rooms := room.New()
	stations := station.NewRegistry(store, cfg.StationTTL)
	authority := session.NewAuthority(store, cfg.SessionTTL)
	mon := monitor.New(rooms, stations, reg, m, cfg.MonitorPushInterval, logger)
	rt := router.New(reg, rooms, stations, store, m, logger)

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Verifier:  verifier,
		Authority: authority,
		Monitor:   mon,
		Metrics:   m,
		TURN:      turnGen,
	})

	ws := transport.NewWSServer(transport.Config{
		Verifier:          verifier,
		Registry:          reg,
		Handler:           rt,
		Presence:          mon,
		Metrics:           m,
		Log:               logger,
		AuthTimeout:       cfg.SignalingAuthTimeout,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: int64(cfg.MaxSignalingMessagesPerSecond),
		CheckOrigin:       srv.CheckWSOrigin,
	})
	rt.SetSender(ws)
	mon.SetBroadcaster(ws)
	srv.Mux().Handle("GET /ws", ws)

	// Background loops: eviction subscriber, station event fanout, status
	// aggregation plus its fanout. Every process runs all of them so
	// pub/sub-driven behavior is cluster-wide.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	evictor := session.NewEvictor(store, reg, ws, m, logger)
	go runLoop(bgCtx, logger, "eviction subscriber", evictor.Run)
	go runLoop(bgCtx, logger, "station event fanout", station.NewFanout(store, ws, logger).Run)

	agg := status.NewAggregator(stations, store, cfg.StatusStalenessWindow, cfg.StatusFlushInterval, m, logger)
	go runLoop(bgCtx, logger, "status aggregator", agg.Run)
	go runLoop(bgCtx, logger, "status fanout", status.NewFanout(store, ws, logger).Run)

	if cfg.Telemetry.Enabled() {
		nc, err := nats.Connect(cfg.Telemetry.NATSURL, nats.Name("stationlink-signaling"))
		if err != nil {
			logger.Error("failed to connect telemetry ingress", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()

		stopIngress, err := status.NewIngress(nc, cfg.Telemetry.SubjectPrefix, agg, logger).Start()
		if err != nil {
			logger.Error("failed to subscribe telemetry ingress", "err", err)
			os.Exit(1)
		}
		defer func() { _ = stopIngress() }()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		shutdownBackground(bgCancel, mon, ws)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	shutdownBackground(bgCancel, mon, ws)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newDirectoryStore picks the clustered Redis store when configured and the
// in-process store otherwise. The in-process store is only correct for
// single-instance deployments since pub/sub never leaves the process.
func newDirectoryStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (directory.Store, error) {
	if cfg.Redis.Enabled() {
		store := directory.NewRedisStore(cfg.Redis)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("directory store connected", "backend", "redis", "addr", cfg.Redis.Addr)
		return store, nil
	}
	logger.Info("directory store running in-process", "backend", "memory")
	return directory.NewMemStore(), nil
}

func shutdownBackground(cancel context.CancelFunc, mon *monitor.Monitor, ws *transport.WSServer) {
	cancel()
	mon.Stop()
	ws.CloseAll("server shutting down")
}

func runLoop(ctx context.Context, logger *slog.Logger, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("background loop exited", "loop", name, "err", err)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
