package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Repository is the record store behind jobs and their derived artifacts.
type Repository interface {
	CreateJob(ctx context.Context, job domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, ownerID string) ([]domain.Job, error)
	// MutateJob applies fn to the current record and persists the result atomically.
	// An error returned by fn aborts the write and is returned unchanged.
	MutateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error)
	DeleteJob(ctx context.Context, id string) error

	SaveQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error)
	ListQuizzes(ctx context.Context, jobID string) ([]domain.Quiz, error)
	SaveFlashcardDeck(ctx context.Context, deck domain.FlashcardDeck) (domain.FlashcardDeck, error)
	ListFlashcardDecks(ctx context.Context, jobID string) ([]domain.FlashcardDeck, error)
}

type metaData struct {
	Jobs       map[string]domain.Job             `json:"jobs"`
	Quizzes    map[string][]domain.Quiz          `json:"quizzes"`
	Flashcards map[string][]domain.FlashcardDeck `json:"flashcards"`
}

// Store keeps every record in a single JSON file rewritten on each mutation.
type Store struct {
	mu   sync.RWMutex
	path string
	data metaData
	now  func() time.Time
}

var _ Repository = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store := &Store{path: filepath.Join(baseDir, "meta.json"), now: time.Now}
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = metaData{}
	s.ensureMaps()

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("open meta file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			return s.saveLocked()
		}
		return fmt.Errorf("decode meta file: %w", err)
	}

	s.ensureMaps()
	return nil
}

func (s *Store) CreateJob(_ context.Context, job domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.data.Jobs[job.ID]; exists {
		return domain.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.data.Jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.data.Jobs, job.ID)
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (s *Store) ListJobs(_ context.Context, ownerID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.Job, 0)
	for _, job := range s.data.Jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *Store) MutateJob(_ context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	updated := existing
	updated.Sources = append([]domain.SourceRef(nil), existing.Sources...)
	if err := fn(&updated); err != nil {
		return existing, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now().UTC()

	s.data.Jobs[id] = updated
	if err := s.saveLocked(); err != nil {
		s.data.Jobs[id] = existing
		return existing, err
	}
	return updated, nil
}

func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	delete(s.data.Jobs, id)
	delete(s.data.Quizzes, id)
	delete(s.data.Flashcards, id)

	return s.saveLocked()
}

func (s *Store) SaveQuiz(_ context.Context, quiz domain.Quiz) (domain.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Jobs[quiz.JobID]; !ok {
		return domain.Quiz{}, fmt.Errorf("job %s: %w", quiz.JobID, ErrNotFound)
	}
	if quiz.ID == "" {
		quiz.ID = uuid.NewString()
	}
	if quiz.CreatedAt.IsZero() {
		quiz.CreatedAt = s.now().UTC()
	}

	previous := s.data.Quizzes[quiz.JobID]
	s.data.Quizzes[quiz.JobID] = append(previous, quiz)
	if err := s.saveLocked(); err != nil {
		s.data.Quizzes[quiz.JobID] = previous
		return domain.Quiz{}, err
	}
	return quiz, nil
}

func (s *Store) ListQuizzes(_ context.Context, jobID string) ([]domain.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.data.Quizzes[jobID]
	quizzes := make([]domain.Quiz, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		quizzes = append(quizzes, stored[i])
	}
	return quizzes, nil
}

func (s *Store) SaveFlashcardDeck(_ context.Context, deck domain.FlashcardDeck) (domain.FlashcardDeck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Jobs[deck.JobID]; !ok {
		return domain.FlashcardDeck{}, fmt.Errorf("job %s: %w", deck.JobID, ErrNotFound)
	}
	if deck.ID == "" {
		deck.ID = uuid.NewString()
	}
	if deck.CreatedAt.IsZero() {
		deck.CreatedAt = s.now().UTC()
	}

	previous := s.data.Flashcards[deck.JobID]
	s.data.Flashcards[deck.JobID] = append(previous, deck)
	if err := s.saveLocked(); err != nil {
		s.data.Flashcards[deck.JobID] = previous
		return domain.FlashcardDeck{}, err
	}
	return deck, nil
}

func (s *Store) ListFlashcardDecks(_ context.Context, jobID string) ([]domain.FlashcardDeck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.data.Flashcards[jobID]
	decks := make([]domain.FlashcardDeck, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		decks = append(decks, stored[i])
	}
	return decks, nil
}

func (s *Store) saveLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "meta-*.json")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode meta: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp meta: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace meta file: %w", err)
	}

	return nil
}

func (s *Store) ensureMaps() {
	if s.data.Jobs == nil {
		s.data.Jobs = map[string]domain.Job{}
	}
	if s.data.Quizzes == nil {
		s.data.Quizzes = map[string][]domain.Quiz{}
	}
	if s.data.Flashcards == nil {
		s.data.Flashcards = map[string][]domain.FlashcardDeck{}
	}

	for id, job := range s.data.Jobs {
		if job.Status == "" {
			status := domain.JobStatusPending
			if job.RawText != "" {
				status = domain.JobStatusCompleted
			}
			job.Status = status
			s.data.Jobs[id] = job
		}
	}
}
