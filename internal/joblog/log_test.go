package joblog

import (
	"path/filepath"
	"testing"
	"time"

	"transcript-notes-pipeline/internal/pipeline"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "jobs.jsonl"))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func job(t *testing.T, videoID string, success bool, errText string, duration float64) pipeline.Job {
	t.Helper()
	j, err := pipeline.NewJob(videoID)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if success {
		j.MarkCompleted(time.Duration(duration * float64(time.Second)))
	} else {
		j.Stage = pipeline.StageFailed
		j.Error = errText
		j.Retryable = pipeline.RetryableError(errText)
	}
	return j
}

func TestAppendAndReadBack(t *testing.T) {
	l := newTestLog(t)
	if err := l.Append(job(t, "vid1", true, "", 10)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.AppendBatch([]pipeline.Job{
		job(t, "vid2", false, "timeout", 0),
		job(t, "vid3", true, "", 20),
	}); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].VideoID != "vid1" || entries[2].VideoID != "vid3" {
		t.Fatalf("entries out of append order: %v", entries)
	}
	for _, e := range entries {
		if e.LoggedAt.IsZero() {
			t.Fatalf("entry missing logged_at: %+v", e)
		}
	}
}

func TestFailedFilter(t *testing.T) {
	l := newTestLog(t)
	_ = l.AppendBatch([]pipeline.Job{
		job(t, "vid1", true, "", 5),
		job(t, "vid2", false, "timeout", 0),
		job(t, "vid3", false, "no subtitles found", 0),
	})

	failed, err := l.Failed()
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("got %d failed entries, want 2", len(failed))
	}
}

func TestStats(t *testing.T) {
	l := newTestLog(t)
	_ = l.AppendBatch([]pipeline.Job{
		job(t, "vid1", false, "no subtitles found: x", 0),
		job(t, "vid2", false, "no subtitles found: y", 0),
		job(t, "vid3", false, "timeout", 0),
		job(t, "vid4", true, "", 10),
		job(t, "vid5", true, "", 20),
	})

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Succeeded != 2 || stats.Failed != 3 {
		t.Fatalf("counts = %+v", stats)
	}
	if stats.MeanSuccessDuration != 15 {
		t.Fatalf("mean success duration = %v, want 15", stats.MeanSuccessDuration)
	}
	if stats.ErrorTypes["no subtitles found"] != 2 || stats.ErrorTypes["timeout"] != 1 {
		t.Fatalf("error histogram = %v", stats.ErrorTypes)
	}
	if stats.StageCounts["completed"] != 2 || stats.StageCounts["failed"] != 3 {
		t.Fatalf("stage counts = %v", stats.StageCounts)
	}
}

func TestMissingFileReadsEmpty(t *testing.T) {
	l := newTestLog(t)
	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("entries on missing file: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty log")
	}
}
