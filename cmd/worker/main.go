package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"transcript-notes-pipeline/internal/archive"
	"transcript-notes-pipeline/internal/collab"
	"transcript-notes-pipeline/internal/config"
	"transcript-notes-pipeline/internal/cooldown"
	"transcript-notes-pipeline/internal/dispatch"
	"transcript-notes-pipeline/internal/joblog"
	"transcript-notes-pipeline/internal/outputs"
	"transcript-notes-pipeline/internal/pipeline"
	"transcript-notes-pipeline/internal/proxy"
	"transcript-notes-pipeline/internal/ratelimit"
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

	urls, err := loadURLs()
	if err != nil {
		log.WithError(err).Fatal("load input urls")
	}
	if len(urls) == 0 {
		log.Fatal("no input urls: pass them as arguments or set URLS_FILE")
	}

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

	var arch *archive.Archive
	if cfg.PostgresDSN != "" {
		arch, err = archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect job archive")
		}
		defer arch.Close()
		if err := arch.RunMigrations(ctx); err != nil {
			log.WithError(err).Fatal("archive migrations")
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	dispatcher := dispatch.New(log, cfg.WorkerCount, cfg.SubmitStagger, cfg.SequentialDelay)
	clients := dispatch.ClientPerTask(func(workerID int) (pipeline.Fetcher, error) {
		return proxy.New(cfg, tracker, daily, audit, limiter, log, workerID)
	})
	process := func(ctx context.Context, url string, client pipeline.Fetcher, workerID int) (pipeline.Job, error) {
		return runner.Process(ctx, url, client, workerID), nil
	}

	log.WithFields(map[string]any{
		"inputs":   len(urls),
		"workers":  cfg.WorkerCount,
		"cooldown": cfg.CooldownPeriod.String(),
	}).Info("batch started")

	results := dispatcher.Run(ctx, urls, process, clients, nil)

	if err := jobs.AppendBatch(results); err != nil {
		log.WithError(err).Fatal("append job log")
	}
	if arch != nil {
		if err := arch.InsertBatch(ctx, joblog.Wrap(results, time.Now().UTC())); err != nil {
			log.WithError(err).Warn("archive mirror failed")
		}
	}

	succeeded := 0
	for _, job := range results {
		if job.Success {
			succeeded++
		}
	}
	log.WithFields(map[string]any{
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	}).Info("batch finished")
}

// loadURLs takes inputs from the command line, or one per line from the
// file named by URLS_FILE.
func loadURLs() ([]string, error) {
	if args := os.Args[1:]; len(args) > 0 {
		return args, nil
	}
	path := os.Getenv("URLS_FILE")
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
