package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"transcript-notes-pipeline/internal/collab"
	"transcript-notes-pipeline/internal/config"
	"transcript-notes-pipeline/internal/cooldown"
	"transcript-notes-pipeline/internal/joblog"
	"transcript-notes-pipeline/internal/outputs"
	"transcript-notes-pipeline/internal/pipeline"
	"transcript-notes-pipeline/internal/proxy"
	"transcript-notes-pipeline/internal/ratelimit"
	"transcript-notes-pipeline/internal/retry"
	"transcript-notes-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	tracker := cooldown.NewTracker(cfg.CooldownStorePath, cfg.CooldownPeriod, cfg.AutoCleanup, log)
	daily := cooldown.NewDailyLog(cfg.DailyFailurePath, log)
	audit, err := proxy.NewAuditLog(cfg.AuditLogPath)
	if err != nil {
		log.WithError(err).Fatal("init attempt audit log")
	}
	jobs, err := joblog.New(cfg.JobLogPath)
	if err != nil {
		log.WithError(err).Fatal("init job log")
	}
	cache, err := pipeline.NewCache(cfg.CacheDir)
	if err != nil {
		log.WithError(err).Fatal("init artifact cache")
	}

	var limiter proxy.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		limiter = ratelimit.NewIdentityBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, 24*time.Hour)
	}

	writer, err := outputs.NewWriter(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init output writer")
	}
	var pdf pipeline.PDFExporter
	if cfg.ExportPDFs && cfg.PDFAPIURL != "" {
		pdf = collab.NewPDFClient(cfg.PDFAPIURL)
	}
	var indexer pipeline.SearchIndexer
	if cfg.IndexAPIURL != "" {
		indexer = collab.NewIndexClient(cfg.IndexAPIURL)
	}

	runner := pipeline.NewRunner(cfg, log, pipeline.RunnerOptions{
		Source: &collab.URLTemplateSource{
			TranscriptTemplate: cfg.TranscriptURLTemplate,
			TitleTemplate:      cfg.TitleURLTemplate,
		},
		Notes:   collab.NewNotesClient(cfg.NotesAPIURL),
		Outputs: writer,
		PDF:     pdf,
		Index:   indexer,
		Cache:   cache,
	})

	// Every retry gets its own client so identity-affinity state never
	// crosses jobs.
	run := func(ctx context.Context, job pipeline.Job) pipeline.Job {
		client, err := proxy.New(cfg, tracker, daily, audit, limiter, log, job.WorkerID)
		if err != nil {
			job.MarkFailed(fmt.Errorf("build proxy client: %w", err), pipeline.StageFailed)
			return job
		}
		return runner.ProcessJob(ctx, job, client)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	sched := retry.New(log, jobs, cfg.RetryInterval, run)
	log.WithField("interval", cfg.RetryInterval.String()).Info("retry watch started")
	if err := sched.Watch(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("retry watch stopped")
			return
		}
		log.WithError(err).Fatal("retry watch failed")
	}
}
