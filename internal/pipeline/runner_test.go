package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"transcript-notes-pipeline/internal/config"
)

type fakeSource struct {
	transcript string
	title      string
	err        error
	fetches    int
}

func (s *fakeSource) FetchTranscript(_ context.Context, _ Fetcher, _ string) (string, error) {
	s.fetches++
	if s.err != nil {
		return "", s.err
	}
	return s.transcript, nil
}

func (s *fakeSource) FetchTitle(_ context.Context, _ Fetcher, videoID string) (string, error) {
	if s.title == "" {
		return "", errors.New("no title")
	}
	return s.title, nil
}

type fakeNotes struct {
	notes      string
	assessment string
	err        error
	calls      int
}

func (n *fakeNotes) GenerateNotes(_ context.Context, _, _ string) (string, error) {
	n.calls++
	if n.err != nil {
		return "", n.err
	}
	return n.notes, nil
}

func (n *fakeNotes) GenerateAssessment(_ context.Context, _, _ string) (string, error) {
	return n.assessment, nil
}

type fakeOutputs struct {
	location string
	err      error
	writes   int
}

func (o *fakeOutputs) WriteNotes(_ context.Context, videoID, _, _, _ string) (string, error) {
	o.writes++
	if o.err != nil {
		return "", o.err
	}
	return o.location, nil
}

type nopFetcher struct{}

func (nopFetcher) Get(_ context.Context, _ string) (*http.Response, error) {
	return nil, errors.New("not used")
}

func testRunner(t *testing.T, source *fakeSource, notes *fakeNotes, outputs *fakeOutputs) *Runner {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	cfg := config.Config{
		FetchTimeoutBase: time.Second,
		FetchTimeoutMax:  2 * time.Second,
		FetchAttempts:    2,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
	}
	return NewRunner(cfg, testLogger(), RunnerOptions{
		Source:  source,
		Notes:   notes,
		Outputs: outputs,
		Cache:   cache,
	})
}

func TestProcessHappyPath(t *testing.T) {
	source := &fakeSource{transcript: "hello transcript", title: "A Lecture"}
	notes := &fakeNotes{notes: "# notes"}
	outputs := &fakeOutputs{location: "s3://bucket/notes/vid1.md"}
	r := testRunner(t, source, notes, outputs)

	job := r.Process(context.Background(), "https://www.youtube.com/watch?v=vid1", nopFetcher{}, 2)

	if !job.Success || job.Stage != StageCompleted {
		t.Fatalf("expected completed job, got stage=%s success=%v err=%q", job.Stage, job.Success, job.Error)
	}
	if job.WorkerID != 2 {
		t.Fatalf("worker id = %d, want 2", job.WorkerID)
	}
	if job.Subject != "A Lecture" {
		t.Fatalf("subject = %q", job.Subject)
	}
	if job.Artifacts["notes"] != "s3://bucket/notes/vid1.md" {
		t.Fatalf("notes artifact = %q", job.Artifacts["notes"])
	}
	if _, ok := job.StageDurations["fetching_transcript"]; !ok {
		t.Fatalf("missing fetch stage duration: %v", job.StageDurations)
	}
}

func TestProcessPermanentFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("no subtitles found")}
	r := testRunner(t, source, &fakeNotes{notes: "n"}, &fakeOutputs{location: "x"})

	job := r.Process(context.Background(), "vid2", nopFetcher{}, 0)

	if job.Success || job.Retryable {
		t.Fatalf("expected permanent failure, got %+v", job)
	}
	if source.fetches != 1 {
		t.Fatalf("permanent error should not be retried, fetches = %d", source.fetches)
	}
}

func TestProcessTransientFailureRetriesFetch(t *testing.T) {
	source := &fakeSource{err: errors.New("connection timed out")}
	r := testRunner(t, source, &fakeNotes{notes: "n"}, &fakeOutputs{location: "x"})

	job := r.Process(context.Background(), "vid3", nopFetcher{}, 0)

	if job.Success || !job.Retryable {
		t.Fatalf("expected retryable failure, got %+v", job)
	}
	if source.fetches != 2 {
		t.Fatalf("fetches = %d, want 2 attempts", source.fetches)
	}
}

func TestReentryUsesCaches(t *testing.T) {
	source := &fakeSource{transcript: "transcript", title: "T"}
	notes := &fakeNotes{notes: "# notes"}
	outputs := &fakeOutputs{err: errors.New("disk full")}
	r := testRunner(t, source, notes, outputs)

	first := r.Process(context.Background(), "vid4", nopFetcher{}, 0)
	if first.Success {
		t.Fatalf("expected write failure on first run")
	}

	// Second entry must reuse cached transcript and notes instead of
	// redoing the expensive stages.
	outputs.err = nil
	outputs.location = "/tmp/doesnotmatter.md"
	second := r.ProcessJob(context.Background(), reconstructed(first), nopFetcher{})
	if !second.Success {
		t.Fatalf("re-entry failed: %q", second.Error)
	}
	if source.fetches != 1 {
		t.Fatalf("transcript refetched on re-entry: fetches = %d", source.fetches)
	}
	if notes.calls != 1 {
		t.Fatalf("notes regenerated on re-entry: calls = %d", notes.calls)
	}
}

func TestInvalidURLIsPermanent(t *testing.T) {
	r := testRunner(t, &fakeSource{}, &fakeNotes{}, &fakeOutputs{})
	job := r.Process(context.Background(), "https://example.com/", nopFetcher{}, 0)
	if job.Success || job.Retryable {
		t.Fatalf("unparseable URL should be a permanent failure: %+v", job)
	}
	// Even without a video id, the entry must stay individually addressable
	// in the job log.
	if job.ID == "" {
		t.Fatalf("fallback job missing id")
	}
}

func reconstructed(j Job) Job {
	return Job{
		ID:        j.ID,
		URL:       j.URL,
		VideoID:   j.VideoID,
		Subject:   j.Subject,
		Stage:     StageCreated,
		Retryable: true,
		Artifacts: j.Artifacts,
	}
}
