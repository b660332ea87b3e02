package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transcript-notes-pipeline/internal/pipeline"
)

// ProcessFunc runs one input to a terminal job. A returned error is
// converted to a failed outcome; it never aborts the batch.
type ProcessFunc func(ctx context.Context, url string, client pipeline.Fetcher, workerID int) (pipeline.Job, error)

// ProgressFunc is invoked once per completion.
type ProgressFunc func(status string, completed, total int)

// ClientSource is the explicit choice between one shared client and a
// fresh client per task. Per-task construction is mandatory whenever the
// client carries identity-affinity state that would race under sharing.
type ClientSource struct {
	shared  pipeline.Fetcher
	factory func(workerID int) (pipeline.Fetcher, error)
}

// SharedClient uses one instance for every task.
func SharedClient(c pipeline.Fetcher) ClientSource {
	return ClientSource{shared: c}
}

// ClientPerTask invokes factory once per task.
func ClientPerTask(factory func(workerID int) (pipeline.Fetcher, error)) ClientSource {
	return ClientSource{factory: factory}
}

func (s ClientSource) get(workerID int) (pipeline.Fetcher, error) {
	if s.factory != nil {
		return s.factory(workerID)
	}
	return s.shared, nil
}

// Dispatcher runs a batch of inputs through a processing function, either
// sequentially or on a fixed-size worker pool. Identity freshness is the
// cooldown tracker's job, not the dispatcher's; worker ids exist for
// tracing only.
type Dispatcher struct {
	log             *logrus.Logger
	workerCount     int
	submitStagger   time.Duration
	sequentialDelay time.Duration
}

// New builds a dispatcher. count < 1 is treated as 1.
func New(log *logrus.Logger, count int, submitStagger, sequentialDelay time.Duration) *Dispatcher {
	if count < 1 {
		count = 1
	}
	return &Dispatcher{
		log:             log,
		workerCount:     count,
		submitStagger:   submitStagger,
		sequentialDelay: sequentialDelay,
	}
}

// Run processes all inputs and returns their outcomes in completion order.
func (d *Dispatcher) Run(ctx context.Context, urls []string, fn ProcessFunc, clients ClientSource, progress ProgressFunc) []pipeline.Job {
	if len(urls) == 0 {
		return nil
	}
	if d.workerCount == 1 {
		return d.runSequential(ctx, urls, fn, clients, progress)
	}
	return d.runPool(ctx, urls, fn, clients, progress)
}

// runSequential processes one input at a time with a fixed delay between
// jobs, so a single shared identity is not hammered back to back.
func (d *Dispatcher) runSequential(ctx context.Context, urls []string, fn ProcessFunc, clients ClientSource, progress ProgressFunc) []pipeline.Job {
	results := make([]pipeline.Job, 0, len(urls))
	for i, url := range urls {
		if i > 0 && d.sequentialDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.sequentialDelay):
			}
		}
		job := d.runTask(ctx, url, fn, clients, 0)
		results = append(results, job)
		d.report(progress, job, len(results), len(urls))
	}
	return results
}

// runPool processes inputs on a fixed-size pool. Submissions are staggered
// so a freshly-minted identity does not receive a burst of simultaneous
// first requests.
func (d *Dispatcher) runPool(ctx context.Context, urls []string, fn ProcessFunc, clients ClientSource, progress ProgressFunc) []pipeline.Job {
	type task struct {
		index int
		url   string
	}
	tasks := make(chan task)
	outcomes := make(chan pipeline.Job)

	var wg sync.WaitGroup
	for w := 0; w < d.workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				workerID := t.index % d.workerCount
				outcomes <- d.runTask(ctx, t.url, fn, clients, workerID)
			}
		}()
	}

	go func() {
		for i, url := range urls {
			if i > 0 && d.submitStagger > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(d.submitStagger):
				}
			}
			tasks <- task{index: i, url: url}
		}
		close(tasks)
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	results := make([]pipeline.Job, 0, len(urls))
	for job := range outcomes {
		results = append(results, job)
		d.report(progress, job, len(results), len(urls))
	}
	return results
}

// runTask isolates one task's failure: errors and panics become failed
// outcomes.
func (d *Dispatcher) runTask(ctx context.Context, url string, fn ProcessFunc, clients ClientSource, workerID int) (job pipeline.Job) {
	defer func() {
		if r := recover(); r != nil {
			job = failedJob(url, workerID, fmt.Errorf("panic: %v", r))
			d.log.WithField("url", url).Errorf("task panicked: %v", r)
		}
	}()

	client, err := clients.get(workerID)
	if err != nil {
		return failedJob(url, workerID, fmt.Errorf("build client: %w", err))
	}

	job, err = fn(ctx, url, client, workerID)
	if err != nil {
		if job.URL == "" {
			return failedJob(url, workerID, err)
		}
		job.MarkFailed(err, pipeline.StageFailed)
	}
	return job
}

func (d *Dispatcher) report(progress ProgressFunc, job pipeline.Job, completed, total int) {
	status := "failed"
	if job.Success {
		status = "completed"
	}
	d.log.WithFields(logrus.Fields{
		"video_id":  job.VideoID,
		"status":    status,
		"completed": completed,
		"total":     total,
	}).Info("job finished")
	if progress != nil {
		progress(status, completed, total)
	}
}

func failedJob(url string, workerID int, err error) pipeline.Job {
	job, mkErr := pipeline.NewJob(url)
	if mkErr != nil {
		job = pipeline.Job{ID: uuid.New().String(), URL: url, Retryable: true}
	}
	job.WorkerID = workerID
	job.MarkFailed(err, pipeline.StageFailed)
	return job
}
