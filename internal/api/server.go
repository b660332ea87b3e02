package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"transcript-notes-pipeline/internal/archive"
	"transcript-notes-pipeline/internal/cooldown"
	"transcript-notes-pipeline/internal/joblog"
	"transcript-notes-pipeline/internal/retry"
	"transcript-notes-pipeline/internal/telemetry"
)

// Server exposes read-only operational endpoints for reporting tools.
type Server struct {
	jobs    *joblog.Log
	tracker *cooldown.Tracker
	daily   *cooldown.DailyLog
	sched   *retry.Scheduler
	arch    *archive.Archive // nil when no Postgres mirror is configured
}

// New constructs the reporting server.
func New(jobs *joblog.Log, tracker *cooldown.Tracker, daily *cooldown.DailyLog, sched *retry.Scheduler, arch *archive.Archive) *Server {
	return &Server{jobs: jobs, tracker: tracker, daily: daily, sched: sched, arch: arch}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats/jobs", s.handleJobStats)
	r.Get("/stats/cooldown", s.handleCooldownStats)
	r.Get("/retries/ready", s.handleReadyRetries)
	r.Get("/jobs/recent", s.handleRecent)
	return r
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleCooldownStats(w http.ResponseWriter, _ *http.Request) {
	unavailable := make(map[string]string)
	for id, remaining := range s.tracker.Unavailable() {
		unavailable[id] = remaining.Round(time.Second).String()
	}
	writeJSON(w, map[string]any{
		"stats":        s.tracker.Statistics(),
		"unavailable":  unavailable,
		"failed_today": s.daily.FailedIdentities(),
	})
}

func (s *Server) handleReadyRetries(w http.ResponseWriter, _ *http.Request) {
	failed, err := s.sched.LoadFailed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	retryable, permanent := s.sched.Classify(failed)
	ready := s.sched.ReadyForRetry(retryable)
	writeJSON(w, map[string]any{
		"failed":    len(failed),
		"retryable": len(retryable),
		"permanent": len(permanent),
		"ready":     ready,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.arch == nil {
		http.Error(w, "archive not configured", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.arch.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
