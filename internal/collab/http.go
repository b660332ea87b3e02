// Package collab holds thin clients for the pipeline's external
// collaborators: the transcript/title endpoints reached through the
// rotating proxy, and the note-generation, PDF and indexing services
// reached directly. Each capability is a single call returning success or
// failure plus its payload.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transcript-notes-pipeline/internal/pipeline"
)

// URLTemplateSource fetches transcript and title text from URL templates
// with a %s placeholder for the video id. All calls go through the
// provided Fetcher, which is the rotating proxy client.
type URLTemplateSource struct {
	TranscriptTemplate string
	TitleTemplate      string
}

// FetchTranscript retrieves the raw transcript text for the video.
func (s *URLTemplateSource) FetchTranscript(ctx context.Context, f pipeline.Fetcher, videoID string) (string, error) {
	if s.TranscriptTemplate == "" {
		return "", errors.New("transcript URL template not configured")
	}
	body, err := fetchText(ctx, f, fmt.Sprintf(s.TranscriptTemplate, videoID))
	if err != nil {
		return "", fmt.Errorf("fetch transcript %s: %w", videoID, err)
	}
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("no transcript returned for %s", videoID)
	}
	return body, nil
}

// FetchTitle retrieves the video title.
func (s *URLTemplateSource) FetchTitle(ctx context.Context, f pipeline.Fetcher, videoID string) (string, error) {
	if s.TitleTemplate == "" {
		return "", errors.New("title URL template not configured")
	}
	body, err := fetchText(ctx, f, fmt.Sprintf(s.TitleTemplate, videoID))
	if err != nil {
		return "", fmt.Errorf("fetch title %s: %w", videoID, err)
	}
	return body, nil
}

func fetchText(ctx context.Context, f pipeline.Fetcher, url string) (string, error) {
	resp, err := f.Get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// NotesClient calls the text-generation service.
type NotesClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewNotesClient builds a client for the note-generation service.
func NewNotesClient(baseURL string) *NotesClient {
	return &NotesClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type generateRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type generateResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// GenerateNotes turns a transcript into markdown study notes.
func (c *NotesClient) GenerateNotes(ctx context.Context, title, transcript string) (string, error) {
	return c.generate(ctx, "/notes", title, transcript)
}

// GenerateAssessment derives an assessment from generated notes.
func (c *NotesClient) GenerateAssessment(ctx context.Context, title, notes string) (string, error) {
	return c.generate(ctx, "/assessment", title, notes)
}

func (c *NotesClient) generate(ctx context.Context, path, title, text string) (string, error) {
	payload, err := json.Marshal(generateRequest{Title: title, Text: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("call generator %s: %w", path, err)
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("generator %s: %s", path, out.Error)
		}
		return "", fmt.Errorf("generator %s: status %d", path, resp.StatusCode)
	}
	if out.Content == "" {
		return "", fmt.Errorf("generator %s returned empty content", path)
	}
	return out.Content, nil
}

// PDFClient calls the rendering service that turns written markdown into a
// PDF artifact.
type PDFClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewPDFClient builds a PDF exporter client.
func NewPDFClient(baseURL string) *PDFClient {
	return &PDFClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// ExportPDF renders the notes at notesLocation and returns the PDF location.
func (c *PDFClient) ExportPDF(ctx context.Context, notesLocation string) (string, error) {
	payload, err := json.Marshal(map[string]string{"source": notesLocation})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/export", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("call pdf exporter: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pdf exporter: status %d", resp.StatusCode)
	}
	var out struct {
		Location string `json:"location"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pdf response: %w", err)
	}
	if out.Location == "" {
		return "", errors.New("pdf exporter returned empty location")
	}
	return out.Location, nil
}

// IndexClient registers finished notes with the cross-referencing service.
type IndexClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewIndexClient builds a search-index client.
func NewIndexClient(baseURL string) *IndexClient {
	return &IndexClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: time.Minute},
	}
}

// Index submits the finished notes for embedding and cross-referencing.
func (c *IndexClient) Index(ctx context.Context, videoID, title, notesLocation string) error {
	payload, err := json.Marshal(map[string]string{
		"video_id": videoID,
		"title":    title,
		"source":   notesLocation,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/index", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("call indexer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("indexer: status %d", resp.StatusCode)
	}
	return nil
}
