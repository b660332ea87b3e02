package joblog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"transcript-notes-pipeline/internal/pipeline"
)

// Entry is a job snapshot plus the time it was logged.
type Entry struct {
	pipeline.Job
	LoggedAt time.Time `json:"logged_at"`
}

// Statistics aggregates the whole log.
type Statistics struct {
	Total               int            `json:"total"`
	Succeeded           int            `json:"succeeded"`
	Failed              int            `json:"failed"`
	MeanSuccessDuration float64        `json:"mean_success_duration_s"`
	ErrorTypes          map[string]int `json:"error_types"`
	StageCounts         map[string]int `json:"stage_counts"`
}

// Log is the append-only durable record of job outcomes. Entries are never
// mutated or removed; that permanence is what makes retry auditing work.
type Log struct {
	mu   sync.Mutex
	path string
}

// New prepares the log file's directory.
func New(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create job log dir: %w", err)
	}
	return &Log{path: path}, nil
}

// Append writes one job snapshot.
func (l *Log) Append(job pipeline.Job) error {
	return l.AppendBatch([]pipeline.Job{job})
}

// AppendBatch writes job snapshots under one lock acquisition and syncs
// before returning, so a pass's writes are flushed before any sleep.
func (l *Log) AppendBatch(jobs []pipeline.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	entries := Wrap(jobs, time.Now().UTC())

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", e.VideoID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append job log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job log: %w", err)
	}
	return f.Sync()
}

// Wrap stamps job snapshots into log entries.
func Wrap(jobs []pipeline.Job, loggedAt time.Time) []Entry {
	entries := make([]Entry, 0, len(jobs))
	for _, job := range jobs {
		entries = append(entries, Entry{Job: job, LoggedAt: loggedAt})
	}
	return entries
}

// Entries reads the whole log. Unparseable lines (a torn final write after
// a crash) are skipped rather than failing the read.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan job log: %w", err)
	}
	return entries, nil
}

// Failed returns entries whose job did not succeed.
func (l *Log) Failed() ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var failed []Entry
	for _, e := range entries {
		if !e.Success {
			failed = append(failed, e)
		}
	}
	return failed, nil
}

// Stats computes aggregate statistics over the whole log.
func (l *Log) Stats() (Statistics, error) {
	entries, err := l.Entries()
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		ErrorTypes:  make(map[string]int),
		StageCounts: make(map[string]int),
	}
	var durationSum float64
	for _, e := range entries {
		stats.Total++
		stats.StageCounts[string(e.Stage)]++
		if e.Success {
			stats.Succeeded++
			durationSum += e.DurationSeconds
		} else {
			stats.Failed++
			if e.Error != "" {
				stats.ErrorTypes[errorHead(e.Error)]++
			}
		}
	}
	if stats.Succeeded > 0 {
		stats.MeanSuccessDuration = durationSum / float64(stats.Succeeded)
	}
	return stats, nil
}

// errorHead keys the histogram by the text before the first delimiter.
func errorHead(msg string) string {
	if i := strings.Index(msg, ":"); i > 0 {
		return strings.TrimSpace(msg[:i])
	}
	return strings.TrimSpace(msg)
}
