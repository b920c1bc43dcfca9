package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
)

const maxMutateAttempts = 5

var errVersionConflict = errors.New("concurrent job update")

type jobRow struct {
	ID                    string         `gorm:"type:varchar(64);primaryKey"`
	OwnerID               string         `gorm:"type:varchar(255);not null;index"`
	Title                 string         `gorm:"type:text"`
	Sources               datatypes.JSON `gorm:"not null"`
	Status                string         `gorm:"type:varchar(32);not null;index;default:'pending'"`
	RunID                 string         `gorm:"type:varchar(64)"`
	Progress              float64        `gorm:"not null;default:0"`
	RawText               string         `gorm:"type:text"`
	StructuredText        string         `gorm:"type:text"`
	DetectedLanguage      string         `gorm:"type:varchar(32)"`
	TranscriptionModel    string         `gorm:"type:varchar(255)"`
	TranscriptionProvider string         `gorm:"type:varchar(255)"`
	ErrorMessage          string         `gorm:"type:text"`
	PDFKey                string         `gorm:"type:text"`
	PDFGeneratedAt        *time.Time
	DurationSeconds       float64 `gorm:"not null;default:0"`
	Version               int64   `gorm:"not null;default:0"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (jobRow) TableName() string {
	return "transcriptions"
}

type quizRow struct {
	ID        string         `gorm:"type:varchar(64);primaryKey"`
	JobID     string         `gorm:"type:varchar(64);not null;index"`
	Language  string         `gorm:"type:varchar(32)"`
	Model     string         `gorm:"type:varchar(255)"`
	Questions datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"index"`
}

func (quizRow) TableName() string {
	return "quizzes"
}

type flashcardDeckRow struct {
	ID        string         `gorm:"type:varchar(64);primaryKey"`
	JobID     string         `gorm:"type:varchar(64);not null;index"`
	Language  string         `gorm:"type:varchar(32)"`
	Model     string         `gorm:"type:varchar(255)"`
	Cards     datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"index"`
}

func (flashcardDeckRow) TableName() string {
	return "flashcard_decks"
}

// GormStore persists records in a SQL database.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Repository = (*GormStore)(nil)

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&jobRow{}, &quizRow{}, &flashcardDeckRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	row, err := toJobRow(job)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *GormStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row, err := s.getRow(s.db.WithContext(ctx), id)
	if err != nil {
		return domain.Job{}, err
	}
	return fromJobRow(row)
}

func (s *GormStore) ListJobs(ctx context.Context, ownerID string) ([]domain.Job, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := fromJobRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// MutateJob uses an optimistic version check so that concurrent writers never
// overwrite each other's changes.
func (s *GormStore) MutateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		job, err := s.mutateOnce(ctx, id, fn)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return job, err
	}
	return domain.Job{}, fmt.Errorf("job %s: %w", id, errVersionConflict)
}

func (s *GormStore) mutateOnce(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error) {
	db := s.db.WithContext(ctx)
	row, err := s.getRow(db, id)
	if err != nil {
		return domain.Job{}, err
	}
	existing, err := fromJobRow(row)
	if err != nil {
		return domain.Job{}, err
	}

	updated := existing
	updated.Sources = append([]domain.SourceRef(nil), existing.Sources...)
	if err := fn(&updated); err != nil {
		return existing, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now().UTC()

	next, err := toJobRow(updated)
	if err != nil {
		return existing, err
	}
	next.Version = row.Version + 1

	result := db.Model(&jobRow{}).
		Where("id = ? AND version = ?", id, row.Version).
		Select("*").
		Updates(&next)
	if result.Error != nil {
		return existing, fmt.Errorf("update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return existing, errVersionConflict
	}
	return updated, nil
}

func (s *GormStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&jobRow{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("delete job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err := tx.Delete(&quizRow{}, "job_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete quizzes: %w", err)
		}
		if err := tx.Delete(&flashcardDeckRow{}, "job_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete flashcards: %w", err)
		}
		return nil
	})
}

func (s *GormStore) SaveQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error) {
	if _, err := s.getRow(s.db.WithContext(ctx), quiz.JobID); err != nil {
		return domain.Quiz{}, err
	}
	if quiz.ID == "" {
		quiz.ID = uuid.NewString()
	}
	if quiz.CreatedAt.IsZero() {
		quiz.CreatedAt = s.now().UTC()
	}
	questions, err := json.Marshal(quiz.Questions)
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("encode questions: %w", err)
	}
	row := quizRow{
		ID:        quiz.ID,
		JobID:     quiz.JobID,
		Language:  quiz.Language,
		Model:     quiz.Model,
		Questions: datatypes.JSON(questions),
		CreatedAt: quiz.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Quiz{}, fmt.Errorf("insert quiz: %w", err)
	}
	return quiz, nil
}

func (s *GormStore) ListQuizzes(ctx context.Context, jobID string) ([]domain.Quiz, error) {
	var rows []quizRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	quizzes := make([]domain.Quiz, 0, len(rows))
	for _, row := range rows {
		quiz := domain.Quiz{
			ID:        row.ID,
			JobID:     row.JobID,
			Language:  row.Language,
			Model:     row.Model,
			CreatedAt: row.CreatedAt,
		}
		if err := json.Unmarshal(row.Questions, &quiz.Questions); err != nil {
			return nil, fmt.Errorf("decode quiz %s: %w", row.ID, err)
		}
		quizzes = append(quizzes, quiz)
	}
	return quizzes, nil
}

func (s *GormStore) SaveFlashcardDeck(ctx context.Context, deck domain.FlashcardDeck) (domain.FlashcardDeck, error) {
	if _, err := s.getRow(s.db.WithContext(ctx), deck.JobID); err != nil {
		return domain.FlashcardDeck{}, err
	}
	if deck.ID == "" {
		deck.ID = uuid.NewString()
	}
	if deck.CreatedAt.IsZero() {
		deck.CreatedAt = s.now().UTC()
	}
	cards, err := json.Marshal(deck.Cards)
	if err != nil {
		return domain.FlashcardDeck{}, fmt.Errorf("encode cards: %w", err)
	}
	row := flashcardDeckRow{
		ID:        deck.ID,
		JobID:     deck.JobID,
		Language:  deck.Language,
		Model:     deck.Model,
		Cards:     datatypes.JSON(cards),
		CreatedAt: deck.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.FlashcardDeck{}, fmt.Errorf("insert flashcard deck: %w", err)
	}
	return deck, nil
}

func (s *GormStore) ListFlashcardDecks(ctx context.Context, jobID string) ([]domain.FlashcardDeck, error) {
	var rows []flashcardDeckRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list flashcard decks: %w", err)
	}
	decks := make([]domain.FlashcardDeck, 0, len(rows))
	for _, row := range rows {
		deck := domain.FlashcardDeck{
			ID:        row.ID,
			JobID:     row.JobID,
			Language:  row.Language,
			Model:     row.Model,
			CreatedAt: row.CreatedAt,
		}
		if err := json.Unmarshal(row.Cards, &deck.Cards); err != nil {
			return nil, fmt.Errorf("decode flashcard deck %s: %w", row.ID, err)
		}
		decks = append(decks, deck)
	}
	return decks, nil
}

func (s *GormStore) getRow(db *gorm.DB, id string) (jobRow, error) {
	var row jobRow
	err := db.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobRow{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return jobRow{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return row, nil
}

func toJobRow(job domain.Job) (jobRow, error) {
	sources := job.Sources
	if sources == nil {
		sources = []domain.SourceRef{}
	}
	encoded, err := json.Marshal(sources)
	if err != nil {
		return jobRow{}, fmt.Errorf("encode sources: %w", err)
	}
	return jobRow{
		ID:                    job.ID,
		OwnerID:               job.OwnerID,
		Title:                 job.Title,
		Sources:               datatypes.JSON(encoded),
		Status:                string(job.Status),
		RunID:                 job.RunID,
		Progress:              job.Progress,
		RawText:               job.RawText,
		StructuredText:        job.StructuredText,
		DetectedLanguage:      job.DetectedLanguage,
		TranscriptionModel:    job.TranscriptionModel,
		TranscriptionProvider: job.TranscriptionProvider,
		ErrorMessage:          job.ErrorMessage,
		PDFKey:                job.Derivatives.PDFKey,
		PDFGeneratedAt:        job.Derivatives.PDFGeneratedAt,
		DurationSeconds:       job.DurationSeconds,
		CreatedAt:             job.CreatedAt,
		UpdatedAt:             job.UpdatedAt,
	}, nil
}

func fromJobRow(row jobRow) (domain.Job, error) {
	job := domain.Job{
		ID:                    row.ID,
		OwnerID:               row.OwnerID,
		Title:                 row.Title,
		Status:                domain.JobStatus(row.Status),
		RunID:                 row.RunID,
		Progress:              row.Progress,
		RawText:               row.RawText,
		StructuredText:        row.StructuredText,
		DetectedLanguage:      row.DetectedLanguage,
		TranscriptionModel:    row.TranscriptionModel,
		TranscriptionProvider: row.TranscriptionProvider,
		ErrorMessage:          row.ErrorMessage,
		Derivatives: domain.DerivativeRefs{
			PDFKey:         row.PDFKey,
			PDFGeneratedAt: row.PDFGeneratedAt,
		},
		DurationSeconds: row.DurationSeconds,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.Sources) > 0 {
		if err := json.Unmarshal(row.Sources, &job.Sources); err != nil {
			return domain.Job{}, fmt.Errorf("decode sources for job %s: %w", row.ID, err)
		}
	}
	return job, nil
}
