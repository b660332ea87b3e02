package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"transcript-notes-pipeline/internal/joblog"
	"transcript-notes-pipeline/internal/pipeline"
	"transcript-notes-pipeline/internal/telemetry"
)

// RunFunc re-enters a reconstructed job at the pipeline's first stage and
// runs it to a terminal state.
type RunFunc func(ctx context.Context, job pipeline.Job) pipeline.Job

// PassStats summarizes one retry pass for the operator.
type PassStats struct {
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
	Permanent int `json:"permanent"`
	Ready     int `json:"ready"`
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
}

// Scheduler replays eligible failures from the job log on an interval.
type Scheduler struct {
	log      *logrus.Logger
	jobs     *joblog.Log
	interval time.Duration
	run      RunFunc
	now      func() time.Time
}

// New builds a scheduler. run may be nil for read-only use (the reporting
// API lists due retries without executing them).
func New(log *logrus.Logger, jobs *joblog.Log, interval time.Duration, run RunFunc) *Scheduler {
	return &Scheduler{log: log, jobs: jobs, interval: interval, run: run, now: time.Now}
}

// LoadFailed returns the current retry ledger: the latest failed entry per
// video id, excluding videos that have since succeeded.
func (s *Scheduler) LoadFailed() ([]joblog.Entry, error) {
	entries, err := s.jobs.Entries()
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	latestFailed := make(map[string]joblog.Entry)
	succeeded := make(map[string]bool)
	var order []string
	for _, e := range entries {
		if e.Success {
			succeeded[e.VideoID] = true
			delete(latestFailed, e.VideoID)
			continue
		}
		if succeeded[e.VideoID] {
			continue
		}
		if _, seen := latestFailed[e.VideoID]; !seen {
			order = append(order, e.VideoID)
		}
		latestFailed[e.VideoID] = e
	}
	var out []joblog.Entry
	for _, id := range order {
		if e, ok := latestFailed[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Classify partitions failed entries into retryable and permanent, using
// the same phrase rule as the job state machine. A sticky non-retryable
// flag from a prior classification is honored without re-matching.
func (s *Scheduler) Classify(failed []joblog.Entry) (retryable, permanent []joblog.Entry) {
	for _, e := range failed {
		if e.Retryable && pipeline.RetryableError(e.Error) {
			retryable = append(retryable, e)
		} else {
			permanent = append(permanent, e)
		}
	}
	return retryable, permanent
}

// ReadyForRetry keeps entries whose next retry time is unset or elapsed.
func (s *Scheduler) ReadyForRetry(retryable []joblog.Entry) []joblog.Entry {
	now := s.now()
	var ready []joblog.Entry
	for _, e := range retryable {
		if e.NextRetryAt == nil || !e.NextRetryAt.After(now) {
			ready = append(ready, e)
		}
	}
	return ready
}

// Schedule bumps the entry's retry metadata for this attempt.
func (s *Scheduler) Schedule(e *joblog.Entry) {
	now := s.now()
	next := now.Add(s.interval)
	e.RetryCount++
	e.LastRetryAt = &now
	e.NextRetryAt = &next
}

// Retry reconstructs a job from the entry, carrying forward retry metadata
// and produced artifacts, and re-enters it at the pipeline's first stage.
func (s *Scheduler) Retry(ctx context.Context, e joblog.Entry) pipeline.Job {
	job := pipeline.Job{
		ID:          e.ID,
		URL:         e.URL,
		VideoID:     e.VideoID,
		Subject:     e.Subject,
		WorkerID:    e.WorkerID,
		Stage:       pipeline.StageCreated,
		RetryCount:  e.RetryCount,
		LastRetryAt: e.LastRetryAt,
		NextRetryAt: e.NextRetryAt,
		Retryable:   true,
		Artifacts:   e.Artifacts,
	}
	telemetry.RetriesScheduled.Inc()
	return s.run(ctx, job)
}

// RunPass executes one complete retry pass and flushes its outcomes to the
// job log before returning. A failed individual retry never aborts the
// pass; only log access errors propagate.
func (s *Scheduler) RunPass(ctx context.Context) (PassStats, error) {
	var stats PassStats

	failed, err := s.LoadFailed()
	if err != nil {
		return stats, err
	}
	stats.Failed = len(failed)

	retryable, permanent := s.Classify(failed)
	stats.Retryable = len(retryable)
	stats.Permanent = len(permanent)

	ready := s.ReadyForRetry(retryable)
	stats.Ready = len(ready)

	var outcomes []pipeline.Job
	for _, e := range ready {
		select {
		case <-ctx.Done():
			// Flush what we have; the interrupt takes effect between jobs.
			if len(outcomes) > 0 {
				if err := s.jobs.AppendBatch(outcomes); err != nil {
					return stats, fmt.Errorf("append retry outcomes: %w", err)
				}
			}
			return stats, ctx.Err()
		default:
		}

		s.Schedule(&e)
		outcome := s.Retry(ctx, e)
		stats.Retried++
		if outcome.Success {
			stats.Succeeded++
		}
		outcomes = append(outcomes, outcome)
	}

	if len(outcomes) > 0 {
		if err := s.jobs.AppendBatch(outcomes); err != nil {
			return stats, fmt.Errorf("append retry outcomes: %w", err)
		}
	}
	return stats, nil
}

// Watch loops forever: one pass, then sleep for the interval. Cancellation
// is honored between passes; each pass's writes are flushed before the
// sleep starts.
func (s *Scheduler) Watch(ctx context.Context) error {
	for {
		stats, err := s.RunPass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.log.WithFields(logrus.Fields{
			"failed":    stats.Failed,
			"retryable": stats.Retryable,
			"ready":     stats.Ready,
			"retried":   stats.Retried,
			"succeeded": stats.Succeeded,
		}).Info("retry pass finished")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.interval):
		}
	}
}
