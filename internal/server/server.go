package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mpataki/rig/internal/models"
	"github.com/mpataki/rig/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// Scheduler is the part of *scheduler.Scheduler the API exposes.
type Scheduler interface {
	List(now time.Time) []scheduler.AgentStatus
	Agent(id string) (models.AgentConfig, bool)
	Stats() scheduler.Stats
	RunNow(ctx context.Context, id string) (*models.RunReport, error)
}

type RunStore interface {
	ListRuns(agentID string, limit int) ([]*models.RunRecord, error)
	GetRun(id string) (*models.RunReport, error)
}

// Server is the ops API of a running scheduler.
type Server struct {
	sched Scheduler
	runs  RunStore
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(sched Scheduler, runs RunStore, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{sched: sched, runs: runs, log: log, now: time.Now}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/agents", s.handleListAgents)
	r.Get("/agents/{id}", s.handleGetAgent)
	r.Post("/agents/{id}/run", s.handleRunAgent)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)

	return r
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status string `json:"status"`
	scheduler.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: s.sched.Stats()})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List(s.now()))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.sched.Agent(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, scheduler.ErrUnknownAgent)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.sched.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case report == nil && err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// A failed pipeline is still a completed request.
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.URL.Query().Get("agent"), limit)
	if err != nil {
		s.log.WithError(err).Error("failed to list runs")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runs.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
