package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/stationlink/signaling/internal/auth"
	"github.com/stationlink/signaling/internal/config"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/monitor"
	"github.com/stationlink/signaling/internal/session"
	"github.com/stationlink/signaling/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	verifier  auth.Verifier // nil when AUTH_MODE=none
	authority *session.Authority
	monitor   *monitor.Monitor
	metrics   *metrics.Metrics
	turn      *turnrest.Generator // nil when TURN REST is disabled

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

type Deps struct {
	Verifier  auth.Verifier
	Authority *session.Authority
	Monitor   *monitor.Monitor
	Metrics   *metrics.Metrics
	TURN      *turnrest.Generator
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:       logger,
		cfg:       cfg,
		build:     build,
		verifier:  deps.Verifier,
		authority: deps.Authority,
		monitor:   deps.Monitor,
		metrics:   deps.Metrics,
		turn:      deps.TURN,
		mux:       http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No global read/write timeouts: /ws is a long-lived upgraded
		// connection.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	s.mux.HandleFunc("POST /sessions", s.withOriginPolicy(s.handleCreateSession))
	s.mux.HandleFunc("GET /monitor/stats", s.withOriginPolicy(s.handleMonitorStats))
}

// handleICE returns the client ICE configuration. When TURN REST is enabled,
// ephemeral coturn credentials are minted per request and injected into every
// TURN server entry that lacks static ones.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.turn != nil {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			s.log.Error("turn credential generation failed", "error", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential generation failed"})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// handleCreateSession mints a new current session for the authenticated user
// and publishes the eviction notice for any session it replaces. Login
// backends call this before issuing the client token that embeds the new
// session ID.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r, "")
	if !ok {
		return
	}

	sessionID, err := s.authority.Create(r.Context(), claims.UserID)
	if err != nil {
		// The session mapping may still have been written; only the
		// eviction broadcast is at risk. Surface the failure regardless.
		s.metrics.Inc(metrics.StoreErrors)
		s.log.Error("session create failed", "userId", claims.UserID, "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "session store unavailable"})
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]any{
		"userId":    claims.UserID,
		"sessionId": sessionID,
	})
}

// handleMonitorStats is the pull contract for admin consumers.
func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r, auth.KindAdmin); !ok {
		return
	}
	WriteJSON(w, http.StatusOK, s.monitor.Stats(r.Context()))
}

// authenticate enforces bearer auth on an HTTP route. requireKind narrows the
// route to one connection kind; empty means any authenticated caller. With
// AUTH_MODE=none every request passes with an anonymous admin identity.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, requireKind auth.ConnKind) (auth.Claims, bool) {
	if s.verifier == nil {
		return auth.Claims{UserID: "anonymous", Kind: auth.KindAdmin}, true
	}

	token, err := auth.CredentialFromRequest(r)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing credentials"})
		return auth.Claims{}, false
	}

	claims, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		if auth.IsUnauthorized(err) {
			s.metrics.Inc(metrics.AuthFailure)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		} else {
			s.log.Error("token verification unavailable", "error", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "authorization unavailable"})
		}
		return auth.Claims{}, false
	}

	if requireKind != "" && claims.Kind != requireKind {
		WriteJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
		return auth.Claims{}, false
	}
	return claims, true
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack keeps the /ws upgrade working under the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
