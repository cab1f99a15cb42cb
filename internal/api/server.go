package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benaskins/tether/internal/logbuf"
	"github.com/benaskins/tether/internal/supervisor"
)

// Backend is the supervisor surface the HTTP layer needs.
type Backend interface {
	EnsureStarted(ctx context.Context) error
	Stop(ctx context.Context, gracePeriod time.Duration) error
	Info() supervisor.Info
	Output(n int) []logbuf.Entry
}

// Page is the content of the public status page.
type Page struct {
	Title string
	Links []Link
}

type Link struct {
	Label string
	Href  string
}

const defaultLogLines = 100

// Server serves the public status page over TCP and the control API over a
// Unix socket. Control endpoints are never reachable from the TCP listener.
type Server struct {
	backend     Backend
	stopTimeout atomic.Int64 // time.Duration
	page        atomic.Pointer[Page]
	logger      *slog.Logger

	public  *http.Server
	control *http.Server
}

// NewServer creates an API server in front of the given backend.
// stopTimeout is the grace period used by the stop and restart endpoints.
func NewServer(b Backend, page Page, stopTimeout time.Duration) *Server {
	s := &Server{
		backend: b,
		logger:  slog.With("component", "api"),
	}
	s.page.Store(&page)
	s.stopTimeout.Store(int64(stopTimeout))

	s.public = &http.Server{Handler: s.PublicHandler(), ReadHeaderTimeout: 10 * time.Second}
	s.control = &http.Server{Handler: s.ControlHandler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// PublicHandler serves the status page and a liveness endpoint.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.statusPage)
	mux.HandleFunc("GET /v1/health", s.health)
	return mux
}

// ControlHandler serves the full API, including lifecycle control.
func (s *Server) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.statusPage)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/backend", s.getBackend)
	mux.HandleFunc("GET /v1/backend/logs", s.getLogs)
	mux.HandleFunc("POST /v1/backend/start", s.startBackend)
	mux.HandleFunc("POST /v1/backend/stop", s.stopBackend)
	mux.HandleFunc("POST /v1/backend/restart", s.restartBackend)
	return mux
}

// SetPage replaces the status page content, e.g. after a config reload.
func (s *Server) SetPage(p Page) {
	s.page.Store(&p)
}

// SetStopTimeout changes the default grace period for stop and restart.
func (s *Server) SetStopTimeout(d time.Duration) {
	s.stopTimeout.Store(int64(d))
}

// ListenTCP serves the public handler on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("status page listening", "addr", ln.Addr().String())
	return ignoreClosed(s.public.Serve(ln))
}

// ListenUnix serves the control handler on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.logger.Info("control API listening", "socket", path)
	return ignoreClosed(s.control.Serve(ln))
}

// Shutdown gracefully shuts down both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Join(s.public.Shutdown(ctx), s.control.Shutdown(ctx))
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getBackend(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Info())
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	entries := s.backend.Output(n)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) startBackend(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.EnsureStarted(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Info())
}

func (s *Server) stopBackend(w http.ResponseWriter, r *http.Request) {
	grace, ok := s.graceParam(w, r)
	if !ok {
		return
	}
	if err := s.backend.Stop(stopContext(r), grace); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Info())
}

func (s *Server) restartBackend(w http.ResponseWriter, r *http.Request) {
	grace, ok := s.graceParam(w, r)
	if !ok {
		return
	}
	if err := s.backend.Stop(stopContext(r), grace); err != nil {
		// the handle is released even on a failed stop, so carry on
		s.logger.Warn("stop during restart reported an error", "error", err)
	}
	if err := s.backend.EnsureStarted(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Info())
}

// stopContext keeps a stop running its full grace period when the client
// disconnects; a cancelled context would send SIGKILL straight away.
func stopContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// graceParam reads an optional ?grace= duration, defaulting to stopTimeout.
func (s *Server) graceParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("grace")
	if v == "" {
		return time.Duration(s.stopTimeout.Load()), true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "grace must be a non-negative duration"})
		return 0, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
