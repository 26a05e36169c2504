// Package server exposes the device-facing and operator-facing HTTP surface:
// heartbeat submission, the per-device notification event stream, and
// notification/device administration.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mesophy/signaged"
	"github.com/mesophy/signaged/pkg/store"
	"github.com/rs/zerolog/log"
)

// Config controls the HTTP server.
type Config struct {
	Addr              string
	DrainInterval     time.Duration
	HeartbeatInterval time.Duration
	ResyncAfter       time.Duration
}

// Server wires the store, liveness tracker and session table behind the HTTP
// mux. The session table is passed explicitly to both the enqueue path (for
// wake-up signaling) and the stream handler (for registration).
type Server struct {
	cfg      Config
	store    *store.Store
	tracker  *signaged.Tracker
	sessions *signaged.SessionTable
	httpSrv  *http.Server
}

// New builds a server around st.
func New(cfg Config, st *store.Store) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = signaged.DefaultDrainInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = signaged.DefaultHeartbeatInterval
	}
	if cfg.ResyncAfter <= 0 {
		cfg.ResyncAfter = signaged.DefaultResyncAfter
	}
	s := &Server{
		cfg:   cfg,
		store: st,
		tracker: signaged.NewTracker(st, st, signaged.TrackerConfig{
			ResyncAfter:       cfg.ResyncAfter,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}),
		sessions: signaged.NewSessionTable(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/devices/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/devices/notifications/stream", s.handleStream)
	mux.HandleFunc("POST /api/devices/sync/complete", s.handleSyncComplete)
	mux.HandleFunc("POST /api/notifications", s.handleEnqueue)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("POST /api/devices", s.handleProvision)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           withRequestLog(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Sessions exposes the session table for out-of-band wake-ups.
func (s *Server) Sessions() *signaged.SessionTable {
	return s.sessions
}

// Run serves until ctx is canceled, then shuts down the listener and closes
// every open streaming session.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("server: listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.sessions.Close()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server: shut down")
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerToken extracts the opaque device credential from the Authorization
// header. A bare token without the Bearer prefix is accepted for older
// player builds.
func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE stream working through the logging wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("server: request")
	})
}
