package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
)

// ErrRunnerStopped is returned by Submit after Stop was called.
var ErrRunnerStopped = errors.New("pipeline runner is stopped")

// Pipeline is what the runner executes for each submitted job.
type Pipeline interface {
	Run(ctx context.Context, jobID, runID string) Report
}

// Failer records a job as failed.
type Failer interface {
	Fail(ctx context.Context, id, runID string, cause error) error
}

// Runner executes pipeline runs in the background, at most workers at a time.
// Each run has its own error boundary: a panic ends that job in Error and
// leaves the caller and the other runs untouched.
type Runner struct {
	ctx      context.Context
	cancel   context.CancelFunc
	pipeline Pipeline
	failer   Failer
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	logger   logger.AppLogger
	onDone   func(Report)
}

// NewRunner keeps the values of ctx but not its cancellation: runs are only
// interrupted by Stop once its deadline passes.
func NewRunner(ctx context.Context, pipeline Pipeline, failer Failer, workers int, log logger.AppLogger) *Runner {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Runner{
		ctx:      ctx,
		cancel:   cancel,
		pipeline: pipeline,
		failer:   failer,
		sem:      make(chan struct{}, workers),
		logger:   log.With(slog.String("service", "runner")),
	}
}

// Submit schedules run runID of a job that is already in Processing and returns at once.
func (r *Runner) Submit(jobID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}

	r.wg.Add(1)
	go r.execute(jobID, runID)
	return nil
}

func (r *Runner) execute(jobID, runID string) {
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		r.fail(jobID, runID, errors.New("service shut down before the job started"))
		return
	}
	defer func() { <-r.sem }()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("internal error: %v", rec)
			r.logger.Error("pipeline panic", err, slog.String("job_id", jobID))
			r.fail(jobID, runID, err)
		}
	}()

	report := r.pipeline.Run(r.ctx, jobID, runID)
	r.logger.Info("pipeline finished",
		slog.String("job_id", jobID),
		slog.String("status", string(report.Status)),
		slog.Int("stages", len(report.Stages)),
	)
	if r.onDone != nil {
		r.onDone(report)
	}
}

func (r *Runner) fail(jobID, runID string, cause error) {
	if err := r.failer.Fail(context.WithoutCancel(r.ctx), jobID, runID, cause); err != nil {
		r.logger.Warn("mark job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// Stop refuses new work and waits for in-flight runs. When ctx expires first
// the remaining runs are interrupted and Stop still waits for them to record it.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("interrupting running pipelines")
		r.cancel()
		<-done
	}
	r.cancel()
}
