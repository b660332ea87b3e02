package pipeline

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage enumerates pipeline lifecycle states. The happy path is strictly
// ordered; any stage may instead transition to StageFailed.
type Stage string

const (
	StageCreated              Stage = "created"
	StageFetchingTranscript   Stage = "fetching_transcript"
	StageTranscriptFetched    Stage = "transcript_fetched"
	StageGeneratingNotes      Stage = "generating_notes"
	StageNotesGenerated       Stage = "notes_generated"
	StageGeneratingAssessment Stage = "generating_assessment"
	StageAssessmentGenerated  Stage = "assessment_generated"
	StageWritingFiles         Stage = "writing_files"
	StageFilesWritten         Stage = "files_written"
	StageExportingPDFs        Stage = "exporting_pdfs"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// Job is one unit of work for one input URL. It is mutated in place by the
// stage functions and serialized verbatim into the job log.
type Job struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	VideoID  string `json:"video_id"`
	Subject  string `json:"subject,omitempty"`
	WorkerID int    `json:"worker_id"`

	Stage   Stage  `json:"stage"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Retryable   bool       `json:"is_retryable"`

	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	StageDurations  map[string]float64 `json:"stage_durations,omitempty"`
	Artifacts       map[string]string  `json:"artifacts,omitempty"`
}

// NewJob creates a job at StageCreated for the given watch URL.
func NewJob(rawURL string) (Job, error) {
	videoID, err := VideoID(rawURL)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:        uuid.New().String(),
		URL:       rawURL,
		VideoID:   videoID,
		Stage:     StageCreated,
		Retryable: true,
	}, nil
}

// MarkCompleted transitions the job to its terminal success state.
func (j *Job) MarkCompleted(total time.Duration) {
	j.Stage = StageCompleted
	j.Success = true
	j.Error = ""
	j.DurationSeconds = total.Seconds()
}

// MarkFailed records the error and classifies it. A permanent classification
// is sticky: once Retryable is false it never flips back.
func (j *Job) MarkFailed(err error, stage Stage) {
	j.Success = false
	j.Error = err.Error()
	if stage == "" {
		stage = StageFailed
	}
	j.Stage = stage
	if j.Retryable {
		j.Retryable = RetryableError(j.Error)
	}
}

// RecordStageDuration stores the elapsed wall time of one stage.
func (j *Job) RecordStageDuration(stage Stage, d time.Duration) {
	if j.StageDurations == nil {
		j.StageDurations = make(map[string]float64)
	}
	j.StageDurations[string(stage)] = d.Seconds()
}

// SetArtifact records the location of a produced output.
func (j *Job) SetArtifact(name, location string) {
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]string)
	}
	j.Artifacts[name] = location
}

// VideoID derives the external video id from a watch URL. Plain ids are
// accepted as-is.
func VideoID(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "/") && !strings.Contains(rawURL, ".") {
		if rawURL == "" {
			return "", fmt.Errorf("empty video URL")
		}
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse video URL %q: %w", rawURL, err)
	}
	if v := u.Query().Get("v"); v != "" {
		return v, nil
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", fmt.Errorf("no video id in URL %q", rawURL)
	}
	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if last == "" {
		return "", fmt.Errorf("no video id in URL %q", rawURL)
	}
	return last, nil
}
