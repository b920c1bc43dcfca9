package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
)

// ErrJobAlreadyRunning is returned when starting a job that has a run in flight.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrAlreadyCompleted is returned when a plain start hits a completed job.
var ErrAlreadyCompleted = errors.New("job already completed")

// ErrNotRunning is returned when cancel is requested for an inactive job.
var ErrNotRunning = errors.New("job is not running")

// ErrCanceled is returned to the pipeline once the job was canceled.
var ErrCanceled = errors.New("job canceled")

// ErrSuperseded is returned to a run whose job was restarted by a newer run.
// It matches ErrCanceled.
var ErrSuperseded = fmt.Errorf("%w: superseded by a newer run", ErrCanceled)

// ErrInvalidTransition is returned for edges outside the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the persistence the tracker needs.
type Store interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	MutateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error)
}

// Update describes one atomic status/progress write. Apply may set the
// fields produced by the stage that just finished. A non-empty RunID must
// match the job's current run.
type Update struct {
	RunID        string
	Status       domain.JobStatus
	Progress     float64
	ErrorMessage string
	Apply        func(job *domain.Job)
}

// Tracker is the single writer of job status and progress.
type Tracker struct {
	store  Store
	logger logger.AppLogger
}

func NewTracker(store Store, log logger.AppLogger) *Tracker {
	return &Tracker{
		store:  store,
		logger: log.With(slog.String("service", "tracker")),
	}
}

// Start moves a job into Processing under a fresh run id. With reprocess set
// a completed job is restarted as well; otherwise ErrAlreadyCompleted is returned.
func (t *Tracker) Start(ctx context.Context, id string, reprocess bool) (domain.Job, error) {
	job, err := t.store.MutateJob(ctx, id, func(job *domain.Job) error {
		switch {
		case job.Status.IsActive():
			return ErrJobAlreadyRunning
		case job.Status == domain.JobStatusCompleted && !reprocess:
			return ErrAlreadyCompleted
		}
		if !isValidTransition(job.Status, domain.JobStatusProcessing) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, domain.JobStatusProcessing)
		}

		job.RunID = uuid.NewString()
		job.Status = domain.JobStatusProcessing
		job.Progress = 0
		job.ErrorMessage = ""
		job.RawText = ""
		job.StructuredText = ""
		job.DetectedLanguage = ""
		job.TranscriptionModel = ""
		job.TranscriptionProvider = ""
		job.DurationSeconds = 0
		return nil
	})
	if err != nil {
		return job, err
	}
	t.logger.Info("job started", slog.String("job_id", id), slog.String("run_id", job.RunID), slog.Bool("reprocess", reprocess))
	return job, nil
}

// SetStatus persists status, progress and an optional error message.
func (t *Tracker) SetStatus(ctx context.Context, id string, status domain.JobStatus, progress float64, errorMessage string) (domain.Job, error) {
	return t.Advance(ctx, id, Update{Status: status, Progress: progress, ErrorMessage: errorMessage})
}

// Advance applies u atomically to an active job. A canceled job is never
// overwritten: the write is refused with ErrCanceled so the pipeline can stop
// at its checkpoint. A write from a run that was replaced by a later Start is
// refused with ErrSuperseded. Progress never decreases within a run.
func (t *Tracker) Advance(ctx context.Context, id string, u Update) (domain.Job, error) {
	return t.store.MutateJob(ctx, id, func(job *domain.Job) error {
		if u.RunID != "" && u.RunID != job.RunID {
			return ErrSuperseded
		}
		if job.Status == domain.JobStatusCanceled {
			return ErrCanceled
		}
		if !job.Status.IsActive() {
			return fmt.Errorf("%w: status is %s", ErrNotRunning, job.Status)
		}
		if !isValidTransition(job.Status, u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, u.Status)
		}

		progress := clamp(u.Progress)
		if u.Status == domain.JobStatusError || progress < job.Progress {
			progress = job.Progress
		}

		job.Status = u.Status
		job.Progress = progress
		if u.Status == domain.JobStatusError {
			job.ErrorMessage = u.ErrorMessage
		} else {
			job.ErrorMessage = ""
		}
		if u.Apply != nil {
			u.Apply(job)
		}
		return nil
	})
}

// Progress records fractional progress for an active status.
func (t *Tracker) Progress(ctx context.Context, id string, status domain.JobStatus, progress float64) error {
	_, err := t.Advance(ctx, id, Update{Status: status, Progress: progress})
	return err
}

// Fail moves an active job to Error with cause as the message, leaving
// progress as-is. An empty runID fails whatever run is current.
func (t *Tracker) Fail(ctx context.Context, id, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := t.Advance(ctx, id, Update{RunID: runID, Status: domain.JobStatusError, ErrorMessage: msg})
	if err != nil {
		return err
	}
	t.logger.Error("job failed", cause, slog.String("job_id", id), slog.String("run_id", runID))
	return nil
}

// Cancel flips an active job to Canceled. The running pipeline notices at its next checkpoint.
func (t *Tracker) Cancel(ctx context.Context, id string) (domain.Job, error) {
	job, err := t.store.MutateJob(ctx, id, func(job *domain.Job) error {
		if !job.Status.IsActive() {
			return ErrNotRunning
		}
		job.Status = domain.JobStatusCanceled
		return nil
	})
	if err != nil {
		return job, err
	}
	t.logger.Info("job canceled", slog.String("job_id", id))
	return job, nil
}

// Checkpoint reports ErrCanceled once the job left the active states by cancellation.
func (t *Tracker) Checkpoint(ctx context.Context, id string) error {
	job, err := t.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case job.Status == domain.JobStatusCanceled:
		return ErrCanceled
	case !job.Status.IsActive():
		return fmt.Errorf("%w: status is %s", ErrNotRunning, job.Status)
	}
	return nil
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusPending:
		return to == domain.JobStatusProcessing
	case domain.JobStatusProcessing:
		return to == domain.JobStatusProcessing || to == domain.JobStatusStructuring ||
			to == domain.JobStatusError || to == domain.JobStatusCanceled
	case domain.JobStatusStructuring:
		return to == domain.JobStatusStructuring || to == domain.JobStatusCompleted ||
			to == domain.JobStatusError || to == domain.JobStatusCanceled
	case domain.JobStatusCompleted, domain.JobStatusError, domain.JobStatusCanceled:
		return to == domain.JobStatusProcessing
	default:
		return false
	}
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
