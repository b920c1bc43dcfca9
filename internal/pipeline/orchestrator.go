package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/jobs"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/media"
	"github.com/Xisisrefliel/skribly-sub000/internal/services"
)

const (
	progressSegmented   = 0.10
	progressTranscribed = 0.80
	progressCompleted   = 1.0

	paragraphSeparator = "\n\n"
)

// Segmenter cuts one media source into chunks.
type Segmenter interface {
	Segment(ctx context.Context, data []byte, filename string) (media.Segmentation, error)
}

// Transcriber converts one chunk of audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, caller services.Caller, audioPath string) (services.TranscriptionResult, error)
}

// Options tune a pipeline run.
type Options struct {
	ChunkRetries    int
	RetryBackoff    time.Duration
	AutoDerivatives bool
}

// Orchestrator runs one job from its sources to Completed or Error.
type Orchestrator struct {
	records     Records
	tracker     *jobs.Tracker
	blobs       Blobs
	segmenter   Segmenter
	transcriber Transcriber
	generator   Generator
	derivatives *Derivatives
	opts        Options
	logger      logger.AppLogger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	records Records,
	tracker *jobs.Tracker,
	blobs Blobs,
	segmenter Segmenter,
	transcriber Transcriber,
	generator Generator,
	derivatives *Derivatives,
	opts Options,
	log logger.AppLogger,
) *Orchestrator {
	return &Orchestrator{
		records:     records,
		tracker:     tracker,
		blobs:       blobs,
		segmenter:   segmenter,
		transcriber: transcriber,
		generator:   generator,
		derivatives: derivatives,
		opts:        opts,
		logger:      log.With(slog.String("service", "pipeline")),
		sleep:       sleepContext,
	}
}

// part is one source's contribution to the transcript: either document
// text or a list of chunks still to transcribe.
type part struct {
	source domain.SourceRef
	text   string
	chunks []media.Chunk
}

// Run executes the pipeline for a job already moved to Processing by the
// tracker under runID. Every write carries runID, so a run replaced by a later
// start stops at its next checkpoint. Scratch directories are removed on every
// exit path.
func (o *Orchestrator) Run(ctx context.Context, jobID, runID string) Report {
	report := Report{JobID: jobID, RunID: runID, Status: domain.JobStatusProcessing}
	log := o.logger.With(slog.String("job_id", jobID), slog.String("run_id", runID))

	job, err := o.records.GetJob(ctx, jobID)
	if err != nil {
		report.record(StageLoad, OutcomeFailed, err)
		report.Status = domain.JobStatusError
		log.Error("load job", err)
		return report
	}
	if job.RunID != runID {
		return o.abort(ctx, &report, StageLoad, jobs.ErrSuperseded)
	}
	caller := callerFor(job)

	var segmentations []*media.Segmentation
	defer func() {
		for _, seg := range segmentations {
			if err := seg.Cleanup(); err != nil {
				log.Warn("remove scratch directory", slog.String("dir", seg.WorkDir), slog.String("error", err.Error()))
			}
		}
	}()

	parts, duration, err := o.prepare(ctx, job, &segmentations)
	if err != nil {
		return o.abort(ctx, &report, StageSegmentation, err)
	}
	report.record(StageSegmentation, OutcomeOK, nil)
	log.Info("sources prepared", slog.Int("sources", len(parts)), slog.Float64("duration_seconds", duration))

	if _, err := o.tracker.Advance(ctx, jobID, jobs.Update{
		RunID:    runID,
		Status:   domain.JobStatusProcessing,
		Progress: progressSegmented,
		Apply:    func(j *domain.Job) { j.DurationSeconds = duration },
	}); err != nil {
		return o.abort(ctx, &report, StageSegmentation, err)
	}

	transcript, err := o.transcribe(ctx, caller, runID, parts)
	if err != nil {
		return o.abort(ctx, &report, StageTranscription, err)
	}
	report.record(StageTranscription, OutcomeOK, nil)

	raw := mergeTranscript(transcript.texts)
	if strings.TrimSpace(raw) == "" {
		return o.abort(ctx, &report, StageMerge, errors.New("transcript is empty"))
	}
	report.record(StageMerge, OutcomeOK, nil)

	if _, err := o.tracker.Advance(ctx, jobID, jobs.Update{
		RunID:    runID,
		Status:   domain.JobStatusStructuring,
		Progress: progressTranscribed,
		Apply: func(j *domain.Job) {
			j.RawText = raw
			j.TranscriptionModel = transcript.model
			j.TranscriptionProvider = transcript.provider
			j.DetectedLanguage = transcript.language
		},
	}); err != nil {
		return o.abort(ctx, &report, StageMerge, err)
	}

	structured, structErr := o.generator.Structure(ctx, caller, raw, job.Title)
	if structErr != nil {
		if ctx.Err() != nil {
			return o.abort(ctx, &report, StageStructuring, ctx.Err())
		}
		log.Warn("structuring failed, completing with raw transcript", slog.String("error", structErr.Error()))
		report.record(StageStructuring, OutcomeDegraded, structErr)
	} else {
		report.record(StageStructuring, OutcomeOK, nil)
		log.Info("structuring finished",
			slog.String("model", structured.ModelID),
			slog.Int("total_tokens", structured.Usage.TotalTokens),
			slog.Duration("elapsed", structured.Usage.Elapsed),
		)
	}

	var stalePDF string
	completed, err := o.tracker.Advance(ctx, jobID, jobs.Update{
		RunID:    runID,
		Status:   domain.JobStatusCompleted,
		Progress: progressCompleted,
		Apply: func(j *domain.Job) {
			// a PDF from an earlier run no longer matches the new text
			stalePDF = j.Derivatives.PDFKey
			j.Derivatives = domain.DerivativeRefs{}
			if structErr != nil {
				j.StructuredText = ""
				return
			}
			j.StructuredText = structured.StructuredText
			if structured.Language != "" {
				j.DetectedLanguage = structured.Language
			}
		},
	})
	if err != nil {
		return o.abort(ctx, &report, StageStructuring, err)
	}
	report.Status = domain.JobStatusCompleted
	if stalePDF != "" {
		if err := o.blobs.Delete(ctx, stalePDF); err != nil {
			log.Warn("remove stale pdf", slog.String("key", stalePDF), slog.String("error", err.Error()))
		}
	}
	log.Info("job completed",
		slog.Float64("duration_seconds", duration),
		slog.Int("characters", len(raw)),
		slog.Bool("structured", structErr == nil),
	)

	if structErr == nil && o.opts.AutoDerivatives && o.derivatives != nil {
		o.generateDerivatives(ctx, completed, &report)
	}
	return report
}

// prepare loads every source in order and segments the media ones.
func (o *Orchestrator) prepare(ctx context.Context, job domain.Job, segmentations *[]*media.Segmentation) ([]part, float64, error) {
	if len(job.Sources) == 0 {
		return nil, 0, errors.New("job has no source files")
	}

	parts := make([]part, 0, len(job.Sources))
	var duration float64
	for _, src := range job.Sources {
		data, err := o.blobs.Get(ctx, src.Key)
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", src.Filename, err)
		}

		if IsDocument(src) {
			text := string(data)
			if strings.TrimSpace(text) == "" {
				return nil, 0, fmt.Errorf("%s contains no text", src.Filename)
			}
			parts = append(parts, part{source: src, text: text})
			continue
		}

		seg, err := o.segmenter.Segment(ctx, data, src.Filename)
		if err != nil {
			return nil, 0, err
		}
		*segmentations = append(*segmentations, &seg)
		duration += seg.Duration
		parts = append(parts, part{source: src, chunks: seg.Chunks})
	}
	return parts, duration, nil
}

type transcriptParts struct {
	texts    []string
	model    string
	provider string
	language string
}

// transcribe walks all chunks strictly in order. Each progress write doubles
// as the cancellation checkpoint.
func (o *Orchestrator) transcribe(ctx context.Context, caller services.Caller, runID string, parts []part) (transcriptParts, error) {
	var out transcriptParts

	total := 0
	for _, p := range parts {
		total += len(p.chunks)
	}

	done := 0
	for _, p := range parts {
		if p.text != "" {
			out.texts = append(out.texts, p.text)
			continue
		}
		for _, chunk := range p.chunks {
			res, err := o.transcribeChunk(ctx, caller, chunk)
			if err != nil {
				return out, fmt.Errorf("%s chunk %d: %w", p.source.Filename, chunk.Index+1, err)
			}
			if out.model == "" {
				out.model = res.ModelID
				out.provider = res.ProviderID
			}
			if out.language == "" {
				out.language = res.Language
			}
			if strings.TrimSpace(res.Text) != "" {
				out.texts = append(out.texts, res.Text)
			}

			done++
			o.logger.Info("chunk transcribed",
				slog.String("job_id", caller.JobID),
				slog.Int("chunk", done),
				slog.Int("of", total),
				slog.Duration("elapsed", res.Usage.Elapsed),
				slog.Float64("audio_seconds", res.Usage.AudioSeconds),
			)
			progress := progressSegmented + (progressTranscribed-progressSegmented)*float64(done)/float64(total)
			if _, err := o.tracker.Advance(ctx, caller.JobID, jobs.Update{
				RunID:    runID,
				Status:   domain.JobStatusProcessing,
				Progress: progress,
			}); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// transcribeChunk calls the transcriber with bounded linear backoff.
// Decode failures and context errors are returned at once.
func (o *Orchestrator) transcribeChunk(ctx context.Context, caller services.Caller, chunk media.Chunk) (services.TranscriptionResult, error) {
	attempts := o.opts.ChunkRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := o.transcriber.Transcribe(ctx, caller, chunk.Path)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempt == attempts {
			break
		}

		o.logger.Warn("chunk transcription failed, retrying",
			slog.String("job_id", caller.JobID),
			slog.Int("chunk", chunk.Index),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if err := o.sleep(ctx, o.opts.RetryBackoff*time.Duration(attempt)); err != nil {
			return services.TranscriptionResult{}, err
		}
	}
	return services.TranscriptionResult{}, lastErr
}

func retryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, services.ErrNotConfigured):
		return false
	case media.IsMediaDecodeError(err):
		return false
	}
	return true
}

// generateDerivatives runs PDF, quiz and flashcards concurrently and waits
// for all three. Failures are recorded as degraded and never touch the job status.
func (o *Orchestrator) generateDerivatives(ctx context.Context, job domain.Job, report *Report) {
	type task struct {
		stage string
		run   func() error
	}
	tasks := []task{
		{StagePDF, func() error { _, err := o.derivatives.PDF(ctx, job, true); return err }},
		{StageQuiz, func() error { _, err := o.derivatives.Quiz(ctx, job, 0); return err }},
		{StageFlashcards, func() error { _, err := o.derivatives.Flashcards(ctx, job, 0); return err }},
	}

	results := make([]StageResult, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t task) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = StageResult{Stage: t.stage, Outcome: OutcomeDegraded, Reason: fmt.Errorf("panic: %v", r)}
				}
			}()
			if err := t.run(); err != nil {
				results[i] = StageResult{Stage: t.stage, Outcome: OutcomeDegraded, Reason: err}
				return
			}
			results[i] = StageResult{Stage: t.stage, Outcome: OutcomeOK}
		}(i, t)
	}
	wg.Wait()

	for _, res := range results {
		if res.Outcome != OutcomeOK {
			o.logger.Warn("derivative generation failed",
				slog.String("job_id", job.ID),
				slog.String("stage", res.Stage),
				slog.String("error", res.Reason.Error()),
			)
		}
		report.Stages = append(report.Stages, res)
	}
}

// abort ends the run at stage. A cancellation observed at a checkpoint is
// reported as such; anything else moves the job to Error with the cause.
func (o *Orchestrator) abort(ctx context.Context, report *Report, stage string, cause error) Report {
	log := o.logger.With(slog.String("job_id", report.JobID), slog.String("stage", stage))

	if errors.Is(cause, jobs.ErrCanceled) {
		report.record(stage, OutcomeCanceled, cause)
		report.Status = domain.JobStatusCanceled
		log.Info("run abandoned", slog.String("reason", cause.Error()))
		return *report
	}
	if errors.Is(cause, jobs.ErrNotRunning) {
		report.record(stage, OutcomeFailed, cause)
		log.Warn("job left the active states", slog.String("error", cause.Error()))
		return *report
	}

	report.record(stage, OutcomeFailed, cause)
	report.Status = domain.JobStatusError

	stageErr := &StageError{Stage: stage, Err: cause}
	// detached so the Error write lands during shutdown too
	if err := o.tracker.Fail(context.WithoutCancel(ctx), report.JobID, report.RunID, stageErr); err != nil {
		if errors.Is(err, jobs.ErrCanceled) {
			report.Status = domain.JobStatusCanceled
			return *report
		}
		log.Error("record job failure", err)
	}
	return *report
}

// mergeTranscript joins parts in order with a paragraph break.
func mergeTranscript(texts []string) string {
	return strings.Join(texts, paragraphSeparator)
}

// IsDocument reports whether a source is already text and skips segmentation.
func IsDocument(src domain.SourceRef) bool {
	if strings.HasPrefix(strings.ToLower(src.MimeType), "text/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(src.Filename)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
