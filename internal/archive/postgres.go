// Package archive mirrors job-log entries into Postgres for reporting
// tools. Rows are append-only and never consulted by the retry scheduler;
// the file log stays the source of truth.
package archive

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"transcript-notes-pipeline/internal/joblog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Archive wraps pgxpool for the reporting mirror.
type Archive struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (a *Archive) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := a.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Insert mirrors one entry.
func (a *Archive) Insert(ctx context.Context, e joblog.Entry) error {
	return a.InsertBatch(ctx, []joblog.Entry{e})
}

// InsertBatch mirrors entries; rows are only ever added, never updated.
func (a *Archive) InsertBatch(ctx context.Context, entries []joblog.Entry) error {
	for _, e := range entries {
		durations, err := json.Marshal(e.StageDurations)
		if err != nil {
			return fmt.Errorf("marshal stage durations: %w", err)
		}
		artifacts, err := json.Marshal(e.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		_, err = a.pool.Exec(ctx, `
			INSERT INTO job_entries
				(job_id, url, video_id, subject, worker_id, stage, success, error,
				 retry_count, last_retry_at, next_retry_at, is_retryable,
				 duration_seconds, stage_durations, artifacts, logged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, e.ID, e.URL, e.VideoID, e.Subject, e.WorkerID, string(e.Stage), e.Success, e.Error,
			e.RetryCount, e.LastRetryAt, e.NextRetryAt, e.Retryable,
			e.DurationSeconds, durations, artifacts, e.LoggedAt)
		if err != nil {
			return fmt.Errorf("insert job entry %s: %w", e.VideoID, err)
		}
	}
	return nil
}

// RecentSummary is one row of the reporting view.
type RecentSummary struct {
	VideoID   string    `json:"video_id"`
	Stage     string    `json:"stage"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Retries   int       `json:"retry_count"`
	LoggedAt  time.Time `json:"logged_at"`
}

// Recent returns the newest mirrored entries.
func (a *Archive) Recent(ctx context.Context, limit int) ([]RecentSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
		SELECT video_id, stage, success, COALESCE(error, ''), retry_count, logged_at
		FROM job_entries ORDER BY logged_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()

	var out []RecentSummary
	for rows.Next() {
		var r RecentSummary
		if err := rows.Scan(&r.VideoID, &r.Stage, &r.Success, &r.Error, &r.Retries, &r.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
