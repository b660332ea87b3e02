package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transcript-notes-pipeline/internal/config"
	"transcript-notes-pipeline/internal/telemetry"
)

// RunnerOptions collects the collaborators a Runner drives. PDF and Index
// are optional; a nil value skips the corresponding stage.
type RunnerOptions struct {
	Source  TranscriptSource
	Notes   NoteGenerator
	Outputs OutputWriter
	PDF     PDFExporter
	Index   SearchIndexer
	Cache   *Cache
}

// Runner is the single pipeline entry point. The batch dispatcher and the
// retry scheduler both re-enter jobs through it.
type Runner struct {
	log            *logrus.Logger
	source         TranscriptSource
	notes          NoteGenerator
	outputs        OutputWriter
	pdf            PDFExporter
	index          SearchIndexer
	cache          *Cache
	withAssessment bool

	timeoutBase    time.Duration
	timeoutMax     time.Duration
	fetchAttempts  int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// NewRunner builds a runner from config and collaborators.
func NewRunner(cfg config.Config, log *logrus.Logger, opts RunnerOptions) *Runner {
	attempts := cfg.FetchAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Runner{
		log:            log,
		source:         opts.Source,
		notes:          opts.Notes,
		outputs:        opts.Outputs,
		pdf:            opts.PDF,
		index:          opts.Index,
		cache:          opts.Cache,
		withAssessment: cfg.WithAssessment,
		timeoutBase:    cfg.FetchTimeoutBase,
		timeoutMax:     cfg.FetchTimeoutMax,
		fetchAttempts:  attempts,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
	}
}

// Process creates a job for the URL and runs it to a terminal state.
func (r *Runner) Process(ctx context.Context, rawURL string, client Fetcher, workerID int) Job {
	job, err := NewJob(rawURL)
	if err != nil {
		job = Job{ID: uuid.New().String(), URL: rawURL, Retryable: true}
		job.MarkFailed(err, StageFailed)
		// A URL we cannot even parse will not parse tomorrow either.
		job.Retryable = false
		telemetry.PermanentFailures.Inc()
		return job
	}
	job.WorkerID = workerID
	return r.ProcessJob(ctx, job, client)
}

// ProcessJob runs an existing job (fresh or reconstructed from the log)
// through every stage. Each stage checks whether its output already exists
// before redoing expensive work, so re-entry after partial failure is safe.
func (r *Runner) ProcessJob(ctx context.Context, job Job, client Fetcher) Job {
	start := time.Now()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if tagger, ok := client.(interface{ SetJob(ref string, retryAttempt int) }); ok {
		tagger.SetJob(job.VideoID, job.RetryCount)
	}
	log := r.log.WithFields(logrus.Fields{"video_id": job.VideoID, "worker_id": job.WorkerID})

	transcript, err := r.fetchTranscript(ctx, &job, client, log)
	if err != nil {
		return r.fail(job, err, log)
	}
	title := r.fetchTitle(ctx, client, job.VideoID, log)
	if job.Subject == "" {
		job.Subject = title
	}

	notes, err := r.generateNotes(ctx, &job, title, transcript)
	if err != nil {
		return r.fail(job, err, log)
	}

	assessment := ""
	if r.withAssessment {
		assessment, err = r.generateAssessment(ctx, &job, title, notes)
		if err != nil {
			return r.fail(job, err, log)
		}
	}

	if err := r.writeFiles(ctx, &job, title, notes, assessment); err != nil {
		return r.fail(job, err, log)
	}

	if r.pdf != nil {
		if err := r.exportPDF(ctx, &job); err != nil {
			return r.fail(job, err, log)
		}
	}

	if r.index != nil {
		if err := r.index.Index(ctx, job.VideoID, title, job.Artifacts["notes"]); err != nil {
			log.WithError(err).Warn("search indexing failed")
		}
	}

	job.MarkCompleted(time.Since(start))
	telemetry.JobsCompleted.Inc()
	log.WithField("duration_s", job.DurationSeconds).Info("job completed")
	return job
}

func (r *Runner) fail(job Job, err error, log *logrus.Entry) Job {
	job.MarkFailed(err, StageFailed)
	if job.Retryable {
		telemetry.JobsFailed.Inc()
	} else {
		telemetry.PermanentFailures.Inc()
	}
	log.WithError(err).WithField("retryable", job.Retryable).Warn("job failed")
	return job
}

func (r *Runner) fetchTranscript(ctx context.Context, job *Job, client Fetcher, log *logrus.Entry) (string, error) {
	job.Stage = StageFetchingTranscript
	st := time.Now()

	transcript, ok := r.cache.Load("transcripts", job.VideoID)
	if ok {
		log.Debug("transcript cache hit")
	} else {
		var err error
		transcript, err = r.fetchWithRetry(ctx, client, job.VideoID)
		if err != nil {
			return "", err
		}
		if err := r.cache.Store("transcripts", job.VideoID, transcript); err != nil {
			log.WithError(err).Warn("transcript cache write failed")
		}
	}
	job.Stage = StageTranscriptFetched
	job.RecordStageDuration(StageFetchingTranscript, time.Since(st))
	return transcript, nil
}

// fetchWithRetry runs the transcript fetch with an adaptive per-attempt
// timeout (base × 1.5^attempt, capped) and jittered exponential backoff
// between attempts. Permanent errors abort immediately.
func (r *Runner) fetchWithRetry(ctx context.Context, client Fetcher, videoID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.fetchAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, adaptiveTimeout(r.timeoutBase, r.timeoutMax, attempt))
		text, err := r.source.FetchTranscript(callCtx, client, videoID)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !RetryableError(err.Error()) {
			return "", err
		}
		if attempt < r.fetchAttempts-1 {
			wait := backoffWithJitter(r.backoffInitial, r.backoffMax, attempt+1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return "", fmt.Errorf("fetch transcript after %d attempts: %w", r.fetchAttempts, lastErr)
}

// fetchTitle is best-effort: a missing title degrades to the video id.
func (r *Runner) fetchTitle(ctx context.Context, client Fetcher, videoID string, log *logrus.Entry) string {
	callCtx, cancel := context.WithTimeout(ctx, r.timeoutBase)
	defer cancel()
	title, err := r.source.FetchTitle(callCtx, client, videoID)
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			log.WithError(err).Warn("title fetch failed, using video id")
		}
		return videoID
	}
	return strings.TrimSpace(title)
}

func (r *Runner) generateNotes(ctx context.Context, job *Job, title, transcript string) (string, error) {
	job.Stage = StageGeneratingNotes
	st := time.Now()

	notes, ok := r.cache.Load("notes", job.VideoID)
	if !ok {
		var err error
		notes, err = r.notes.GenerateNotes(ctx, title, transcript)
		if err != nil {
			return "", fmt.Errorf("generate notes: %w", err)
		}
		_ = r.cache.Store("notes", job.VideoID, notes)
	}
	job.Stage = StageNotesGenerated
	job.RecordStageDuration(StageGeneratingNotes, time.Since(st))
	return notes, nil
}

func (r *Runner) generateAssessment(ctx context.Context, job *Job, title, notes string) (string, error) {
	job.Stage = StageGeneratingAssessment
	st := time.Now()

	assessment, ok := r.cache.Load("assessments", job.VideoID)
	if !ok {
		var err error
		assessment, err = r.notes.GenerateAssessment(ctx, title, notes)
		if err != nil {
			return "", fmt.Errorf("generate assessment: %w", err)
		}
		_ = r.cache.Store("assessments", job.VideoID, assessment)
	}
	job.Stage = StageAssessmentGenerated
	job.RecordStageDuration(StageGeneratingAssessment, time.Since(st))
	return assessment, nil
}

func (r *Runner) writeFiles(ctx context.Context, job *Job, title, notes, assessment string) error {
	job.Stage = StageWritingFiles
	st := time.Now()

	if loc := job.Artifacts["notes"]; loc == "" || !artifactExists(loc) {
		loc, err := r.outputs.WriteNotes(ctx, job.VideoID, title, notes, assessment)
		if err != nil {
			return fmt.Errorf("write notes: %w", err)
		}
		job.SetArtifact("notes", loc)
	}
	job.Stage = StageFilesWritten
	job.RecordStageDuration(StageWritingFiles, time.Since(st))
	return nil
}

func (r *Runner) exportPDF(ctx context.Context, job *Job) error {
	job.Stage = StageExportingPDFs
	st := time.Now()

	if loc := job.Artifacts["pdf"]; loc == "" || !artifactExists(loc) {
		loc, err := r.pdf.ExportPDF(ctx, job.Artifacts["notes"])
		if err != nil {
			return fmt.Errorf("export pdf: %w", err)
		}
		job.SetArtifact("pdf", loc)
	}
	job.RecordStageDuration(StageExportingPDFs, time.Since(st))
	return nil
}

// artifactExists treats remote locations as present; only local paths are
// re-checked on disk.
func artifactExists(location string) bool {
	if strings.Contains(location, "://") {
		return true
	}
	_, err := os.Stat(location)
	return err == nil
}

func adaptiveTimeout(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if max > 0 && d > max {
		return max
	}
	return d
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
