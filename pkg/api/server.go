package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/orcherr"
	"github.com/cuemby/fleet/pkg/scheduler"
)

// Server is fleet's HTTP control surface, wrapping a scheduler.
type Server struct {
	sched  *scheduler.Scheduler
	logger zerolog.Logger
	http   *http.Server
}

// NewServer builds a Server listening at addr. Call Start to begin
// serving.
func NewServer(addr string, sched *scheduler.Scheduler) *Server {
	s := &Server{
		sched:  sched,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/workers", func(r chi.Router) {
		r.Post("/", s.handleSpawn)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleSnapshot)
		r.Post("/{id}/send", s.handleSend)
		r.Get("/{id}/output", s.handleRead)
		r.Post("/{id}/stop", s.handleStop)
		r.Post("/{id}/merge", s.handleMerge)
		r.Post("/{id}/cleanup", s.handleCleanupOne)
	})
	r.Post("/cleanup", s.handleCleanupAll)
	r.Get("/events", s.handleEvents)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener stops, matching
// net/http.Server.ListenAndServe's contract (ErrServerClosed on a
// graceful Shutdown is not itself an error).
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("handled request")
	})
}

// statusFor maps an orcherr sentinel to the HTTP status reported to
// the client, the HTTP-side counterpart of orcherr.ExitCode.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orcherr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orcherr.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, orcherr.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orcherr.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

type spawnBody struct {
	ID        string   `json:"id"`
	Repo      string   `json:"repo"`
	Task      string   `json:"task"`
	BaseRef   string   `json:"base_ref"`
	Owned     []string `json:"owned"`
	OffLimits []string `json:"off_limits"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var body spawnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	worker, err := s.sched.Spawn(r.Context(), scheduler.SpawnRequest{
		ID:        body.ID,
		Repo:      body.Repo,
		Task:      body.Task,
		BaseRef:   body.BaseRef,
		Owned:     body.Owned,
		OffLimits: body.OffLimits,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	includeTerminal := r.URL.Query().Get("all") == "true"
	writeJSON(w, http.StatusOK, s.sched.List(includeTerminal))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	worker, err := s.sched.Snapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type sendBody struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.sched.Send(id, body.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	lines, err := s.sched.Read(id, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Merge(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merging"})
}

func (s *Server) handleCleanupOne(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.sched.Cleanup(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

func (s *Server) handleCleanupAll(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sched.Cleanup("")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

// handleEvents streams scheduler events to the client as
// line-delimited JSON, starting with the initial snapshot, until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub := s.sched.Subscribe()
	defer s.sched.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
