package retry

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"transcript-notes-pipeline/internal/joblog"
	"transcript-notes-pipeline/internal/pipeline"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestLog(t *testing.T) *joblog.Log {
	t.Helper()
	l, err := joblog.New(filepath.Join(t.TempDir(), "jobs.jsonl"))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func failedJob(t *testing.T, videoID, errText string) pipeline.Job {
	t.Helper()
	j, err := pipeline.NewJob(videoID)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	j.Stage = pipeline.StageFailed
	j.Error = errText
	j.Retryable = pipeline.RetryableError(errText)
	return j
}

func succeededJob(t *testing.T, videoID string) pipeline.Job {
	t.Helper()
	j, err := pipeline.NewJob(videoID)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	j.MarkCompleted(time.Second)
	return j
}

func TestClassifyScenario(t *testing.T) {
	l := newTestLog(t)
	_ = l.AppendBatch([]pipeline.Job{
		failedJob(t, "vid1", "no subtitles found"),
		failedJob(t, "vid2", "no subtitles found"),
		failedJob(t, "vid3", "timeout"),
		succeededJob(t, "vid4"),
		succeededJob(t, "vid5"),
	})
	s := New(testLogger(), l, time.Minute, nil)

	failed, err := s.LoadFailed()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("got %d failed, want 3", len(failed))
	}
	retryable, permanent := s.Classify(failed)
	if len(retryable) != 1 || len(permanent) != 2 {
		t.Fatalf("classify: retryable=%d permanent=%d, want 1/2", len(retryable), len(permanent))
	}
	if retryable[0].VideoID != "vid3" {
		t.Fatalf("retryable entry = %s, want vid3", retryable[0].VideoID)
	}
}

func TestLoadFailedDeduplicatesAndDropsSucceeded(t *testing.T) {
	l := newTestLog(t)
	_ = l.AppendBatch([]pipeline.Job{
		failedJob(t, "vid1", "timeout"),
		failedJob(t, "vid2", "timeout"),
	})
	later := failedJob(t, "vid1", "connection refused")
	later.RetryCount = 1
	_ = l.AppendBatch([]pipeline.Job{later, succeededJob(t, "vid2")})

	s := New(testLogger(), l, time.Minute, nil)
	failed, err := s.LoadFailed()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("got %d entries, want 1 (vid1 deduped, vid2 succeeded)", len(failed))
	}
	if failed[0].VideoID != "vid1" || failed[0].Error != "connection refused" {
		t.Fatalf("kept wrong entry: %+v", failed[0])
	}
}

func TestReadyForRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(testLogger(), nil, time.Minute, nil)
	s.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	entries := []joblog.Entry{
		{Job: pipeline.Job{VideoID: "unset"}},
		{Job: pipeline.Job{VideoID: "past", NextRetryAt: &past}},
		{Job: pipeline.Job{VideoID: "future", NextRetryAt: &future}},
	}
	ready := s.ReadyForRetry(entries)
	if len(ready) != 2 {
		t.Fatalf("got %d ready, want 2", len(ready))
	}
	for _, e := range ready {
		if e.VideoID == "future" {
			t.Fatalf("entry with future next_retry_at returned as ready")
		}
	}
}

func TestSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(testLogger(), nil, 20*time.Minute, nil)
	s.now = func() time.Time { return now }

	e := joblog.Entry{Job: pipeline.Job{VideoID: "vid1", RetryCount: 2}}
	s.Schedule(&e)

	if e.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", e.RetryCount)
	}
	if e.LastRetryAt == nil || !e.LastRetryAt.Equal(now) {
		t.Fatalf("last retry at = %v", e.LastRetryAt)
	}
	if e.NextRetryAt == nil || !e.NextRetryAt.Equal(now.Add(20*time.Minute)) {
		t.Fatalf("next retry at = %v", e.NextRetryAt)
	}
}

func TestRunPassRetriesAndFlushes(t *testing.T) {
	l := newTestLog(t)
	_ = l.AppendBatch([]pipeline.Job{
		failedJob(t, "vid1", "timeout"),
		failedJob(t, "vid2", "video is private"),
	})

	var retried []string
	run := func(_ context.Context, job pipeline.Job) pipeline.Job {
		retried = append(retried, job.VideoID)
		if job.Stage != pipeline.StageCreated {
			t.Errorf("retry re-entered at stage %s, want created", job.Stage)
		}
		if job.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", job.RetryCount)
		}
		job.MarkCompleted(time.Second)
		return job
	}
	s := New(testLogger(), l, time.Minute, run)

	stats, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if stats.Failed != 2 || stats.Retryable != 1 || stats.Permanent != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Retried != 1 || stats.Succeeded != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(retried) != 1 || retried[0] != "vid1" {
		t.Fatalf("retried = %v, want [vid1]", retried)
	}

	// The outcome must be durably appended before the pass ends.
	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	last := entries[len(entries)-1]
	if last.VideoID != "vid1" || !last.Success || last.RetryCount != 1 {
		t.Fatalf("flushed outcome = %+v", last)
	}

	// A second pass finds nothing ready: vid1 succeeded, vid2 is permanent.
	stats2, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats2.Retried != 0 {
		t.Fatalf("second pass retried %d jobs", stats2.Retried)
	}
}

func TestWatchStopsBetweenPasses(t *testing.T) {
	l := newTestLog(t)
	_ = l.Append(failedJob(t, "vid1", "timeout"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the pass is still running: the pass must finish and
	// flush its outcome, and the loop must stop before the next sleep.
	run := func(_ context.Context, job pipeline.Job) pipeline.Job {
		cancel()
		job.MarkCompleted(time.Second)
		return job
	}
	s := New(testLogger(), l, time.Hour, run)

	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("watch returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not stop after cancellation")
	}

	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	last := entries[len(entries)-1]
	if last.VideoID != "vid1" || !last.Success {
		t.Fatalf("pass outcome not flushed before stop: %+v", last)
	}
}

func TestRunPassHonorsNextRetryAt(t *testing.T) {
	l := newTestLog(t)
	j := failedJob(t, "vid1", "timeout")
	next := time.Now().Add(time.Hour)
	j.NextRetryAt = &next
	_ = l.Append(j)

	ran := false
	s := New(testLogger(), l, time.Minute, func(_ context.Context, job pipeline.Job) pipeline.Job {
		ran = true
		return job
	})
	stats, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if ran || stats.Retried != 0 {
		t.Fatalf("entry with future next_retry_at was retried")
	}
	if stats.Retryable != 1 || stats.Ready != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
