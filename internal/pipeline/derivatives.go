package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/services"
)

// MaxDerivativeItems caps quiz questions and flashcards per generation.
const MaxDerivativeItems = 50

// ErrNoContent is returned when a derivative is requested for a job without text.
var ErrNoContent = errors.New("job has no transcript yet")

// Generator produces the text derivatives and the structured notes.
type Generator interface {
	Structure(ctx context.Context, caller services.Caller, transcript, title string) (services.StructureResult, error)
	GenerateQuiz(ctx context.Context, caller services.Caller, req services.QuizRequest) (services.QuizResult, error)
	GenerateFlashcards(ctx context.Context, caller services.Caller, req services.FlashcardRequest) (services.FlashcardResult, error)
}

// Renderer turns notes into a PDF document.
type Renderer interface {
	Render(title, markdown string) ([]byte, error)
}

// Blobs is the object storage the pipeline reads sources from and writes PDFs to.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Delete(ctx context.Context, key string) error
	SignedURL(key string) (string, time.Time, error)
}

// Records is the subset of the repository used by the pipeline.
type Records interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	MutateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error)
	SaveQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error)
	SaveFlashcardDeck(ctx context.Context, deck domain.FlashcardDeck) (domain.FlashcardDeck, error)
}

// PDFResult points at a stored PDF. URL is issued fresh on every call.
type PDFResult struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expiresAt"`
	GeneratedAt time.Time `json:"generatedAt"`
	Cached      bool      `json:"cached"`
}

// Derivatives generates PDFs, quizzes and flashcard decks for finished jobs.
type Derivatives struct {
	records        Records
	blobs          Blobs
	renderer       Renderer
	generator      Generator
	quizCount      int
	flashcardCount int
	logger         logger.AppLogger
	now            func() time.Time
}

func NewDerivatives(records Records, blobs Blobs, renderer Renderer, generator Generator, quizCount, flashcardCount int, log logger.AppLogger) *Derivatives {
	return &Derivatives{
		records:        records,
		blobs:          blobs,
		renderer:       renderer,
		generator:      generator,
		quizCount:      quizCount,
		flashcardCount: flashcardCount,
		logger:         log.With(slog.String("service", "derivatives")),
		now:            time.Now,
	}
}

// PDF returns the job's notes as a PDF. Without regenerate an existing
// document is reused; with it a new key is written and the old blob removed.
func (d *Derivatives) PDF(ctx context.Context, job domain.Job, regenerate bool) (PDFResult, error) {
	if !regenerate && job.Derivatives.PDFKey != "" {
		url, expires, err := d.blobs.SignedURL(job.Derivatives.PDFKey)
		if err != nil {
			return PDFResult{}, err
		}
		result := PDFResult{Key: job.Derivatives.PDFKey, URL: url, ExpiresAt: expires, Cached: true}
		if job.Derivatives.PDFGeneratedAt != nil {
			result.GeneratedAt = *job.Derivatives.PDFGeneratedAt
		}
		return result, nil
	}

	content := job.Content()
	if content == "" {
		return PDFResult{}, ErrNoContent
	}

	data, err := d.renderer.Render(job.Title, content)
	if err != nil {
		return PDFResult{}, fmt.Errorf("render pdf: %w", err)
	}

	key := path.Join("pdf", job.ID, uuid.NewString()+".pdf")
	if _, err := d.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return PDFResult{}, fmt.Errorf("store pdf: %w", err)
	}

	generatedAt := d.now().UTC()
	var previous string
	_, err = d.records.MutateJob(ctx, job.ID, func(j *domain.Job) error {
		previous = j.Derivatives.PDFKey
		j.Derivatives.PDFKey = key
		j.Derivatives.PDFGeneratedAt = &generatedAt
		return nil
	})
	if err != nil {
		_ = d.blobs.Delete(ctx, key)
		return PDFResult{}, err
	}

	if previous != "" && previous != key {
		if err := d.blobs.Delete(ctx, previous); err != nil {
			d.logger.Warn("remove previous pdf", slog.String("job_id", job.ID), slog.String("key", previous), slog.String("error", err.Error()))
		}
	}

	url, expires, err := d.blobs.SignedURL(key)
	if err != nil {
		return PDFResult{}, err
	}
	return PDFResult{Key: key, URL: url, ExpiresAt: expires, GeneratedAt: generatedAt}, nil
}

// Quiz always generates a new quiz; earlier ones are kept.
func (d *Derivatives) Quiz(ctx context.Context, job domain.Job, count int) (domain.Quiz, error) {
	content := job.Content()
	if content == "" {
		return domain.Quiz{}, ErrNoContent
	}

	res, err := d.generator.GenerateQuiz(ctx, callerFor(job), services.QuizRequest{
		Content:  content,
		Title:    job.Title,
		Count:    NormalizeCount(count, d.quizCount),
		Language: job.DetectedLanguage,
	})
	if err != nil {
		return domain.Quiz{}, err
	}

	questions := make([]domain.QuizQuestion, len(res.Questions))
	for i, q := range res.Questions {
		q.ID = uuid.NewString()
		q.Position = i
		questions[i] = q
	}

	return d.records.SaveQuiz(ctx, domain.Quiz{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Language:  job.DetectedLanguage,
		Model:     res.ModelID,
		Questions: questions,
		CreatedAt: d.now().UTC(),
	})
}

// Flashcards always generates a new deck; earlier ones are kept.
func (d *Derivatives) Flashcards(ctx context.Context, job domain.Job, count int) (domain.FlashcardDeck, error) {
	content := job.Content()
	if content == "" {
		return domain.FlashcardDeck{}, ErrNoContent
	}

	res, err := d.generator.GenerateFlashcards(ctx, callerFor(job), services.FlashcardRequest{
		Content:  content,
		Title:    job.Title,
		Count:    NormalizeCount(count, d.flashcardCount),
		Language: job.DetectedLanguage,
	})
	if err != nil {
		return domain.FlashcardDeck{}, err
	}

	cards := make([]domain.Flashcard, len(res.Cards))
	for i, c := range res.Cards {
		c.ID = uuid.NewString()
		c.Position = i
		cards[i] = c
	}

	return d.records.SaveFlashcardDeck(ctx, domain.FlashcardDeck{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Language:  job.DetectedLanguage,
		Model:     res.ModelID,
		Cards:     cards,
		CreatedAt: d.now().UTC(),
	})
}

// NormalizeCount falls back to def for non-positive values and caps at MaxDerivativeItems.
func NormalizeCount(count, def int) int {
	if count <= 0 {
		count = def
	}
	if count <= 0 {
		count = 1
	}
	if count > MaxDerivativeItems {
		count = MaxDerivativeItems
	}
	return count
}

func callerFor(job domain.Job) services.Caller {
	return services.Caller{OwnerID: job.OwnerID, JobID: job.ID}
}
