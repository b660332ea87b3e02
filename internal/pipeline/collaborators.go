package pipeline

import (
	"context"
	"net/http"
)

// Fetcher is the outbound HTTP surface a transcript source calls through.
// Implemented by the rotating proxy client; every call goes out under a
// fresh exit identity.
type Fetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// TranscriptSource fetches raw transcript text and titles for a video id.
type TranscriptSource interface {
	FetchTranscript(ctx context.Context, f Fetcher, videoID string) (string, error)
	FetchTitle(ctx context.Context, f Fetcher, videoID string) (string, error)
}

// NoteGenerator turns a transcript into study notes, and optionally an
// assessment derived from those notes.
type NoteGenerator interface {
	GenerateNotes(ctx context.Context, title, transcript string) (string, error)
	GenerateAssessment(ctx context.Context, title, notes string) (string, error)
}

// OutputWriter persists the generated markdown and returns its location.
type OutputWriter interface {
	WriteNotes(ctx context.Context, videoID, title, notes, assessment string) (string, error)
}

// PDFExporter renders a written markdown artifact to PDF.
type PDFExporter interface {
	ExportPDF(ctx context.Context, notesLocation string) (string, error)
}

// SearchIndexer registers finished notes with the cross-referencing
// subsystem.
type SearchIndexer interface {
	Index(ctx context.Context, videoID, title, notesLocation string) error
}
