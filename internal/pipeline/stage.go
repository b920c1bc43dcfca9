package pipeline

import (
	"fmt"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
)

const (
	StageLoad          = "load"
	StageSegmentation  = "segmentation"
	StageTranscription = "transcription"
	StageMerge         = "merge"
	StageStructuring   = "structuring"
	StagePDF           = "pdf"
	StageQuiz          = "quiz"
	StageFlashcards    = "flashcards"
)

// Outcome classifies how a stage ended.
type Outcome string

const (
	// OutcomeOK means the stage produced its result.
	OutcomeOK Outcome = "ok"
	// OutcomeDegraded means an optional stage failed and the job went on without it.
	OutcomeDegraded Outcome = "degraded"
	// OutcomeFailed means a mandatory stage failed and the job ended in Error.
	OutcomeFailed Outcome = "failed"
	// OutcomeCanceled means the stage was abandoned at a cancellation checkpoint.
	OutcomeCanceled Outcome = "canceled"
)

type StageResult struct {
	Stage   string
	Outcome Outcome
	Reason  error
}

// StageError is a mandatory-path failure tagged with the stage it came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Report summarizes one pipeline run.
type Report struct {
	JobID  string
	RunID  string
	Status domain.JobStatus
	Stages []StageResult
}

func (r *Report) record(stage string, outcome Outcome, reason error) {
	r.Stages = append(r.Stages, StageResult{Stage: stage, Outcome: outcome, Reason: reason})
}

// Stage returns the last result recorded for stage.
func (r Report) Stage(stage string) (StageResult, bool) {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Stage == stage {
			return r.Stages[i], true
		}
	}
	return StageResult{}, false
}
