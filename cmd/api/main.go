package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcript-notes-pipeline/internal/api"
	"transcript-notes-pipeline/internal/archive"
	"transcript-notes-pipeline/internal/config"
	"transcript-notes-pipeline/internal/cooldown"
	"transcript-notes-pipeline/internal/joblog"
	"transcript-notes-pipeline/internal/retry"
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

	jobs, err := joblog.New(cfg.JobLogPath)
	if err != nil {
		log.WithError(err).Fatal("init job log")
	}
	tracker := cooldown.NewTracker(cfg.CooldownStorePath, cfg.CooldownPeriod, cfg.AutoCleanup, log)
	daily := cooldown.NewDailyLog(cfg.DailyFailurePath, log)
	sched := retry.New(log, jobs, cfg.RetryInterval, nil)

	var arch *archive.Archive
	if cfg.PostgresDSN != "" {
		arch, err = archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect job archive")
		}
		defer arch.Close()
	}

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(jobs, tracker, daily, sched, arch).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.HTTPPort).Info("reporting api started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("reporting api failed")
	}
}
