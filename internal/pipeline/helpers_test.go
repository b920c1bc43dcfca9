package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/jobs"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/media"
	"github.com/Xisisrefliel/skribly-sub000/internal/services"
	"github.com/Xisisrefliel/skribly-sub000/internal/storage"
)

// recordingStore keeps a snapshot of the job after every successful write.
type recordingStore struct {
	*storage.Store

	mu      sync.Mutex
	history []domain.Job
}

func (s *recordingStore) MutateJob(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error) {
	job, err := s.Store.MutateJob(ctx, id, fn)
	if err == nil {
		s.mu.Lock()
		s.history = append(s.history, job)
		s.mu.Unlock()
	}
	return job, err
}

func (s *recordingStore) snapshots() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Job(nil), s.history...)
}

// fakeSegmenter produces chunkCount chunk files per source in a fresh scratch dir.
type fakeSegmenter struct {
	t          *testing.T
	chunkCount map[string]int
	err        error

	mu    sync.Mutex
	calls int
	dirs  []string
}

func (f *fakeSegmenter) Segment(_ context.Context, data []byte, filename string) (media.Segmentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return media.Segmentation{}, f.err
	}

	dir, err := os.MkdirTemp(f.t.TempDir(), "segments-*")
	require.NoError(f.t, err)
	f.dirs = append(f.dirs, dir)

	n := f.chunkCount[filename]
	if n == 0 {
		n = 1
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	chunks := make([]media.Chunk, n)
	for i := range chunks {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.mp3", stem, i+1))
		require.NoError(f.t, os.WriteFile(path, data, 0o600))
		chunks[i] = media.Chunk{Index: i, Path: path, StartTime: float64(i) * 60, EndTime: float64(i+1) * 60}
	}
	return media.Segmentation{Duration: float64(n) * 60, Chunks: chunks, WorkDir: dir}, nil
}

// fakeTranscriber returns the chunk file stem as text unless fn overrides it.
type fakeTranscriber struct {
	mu    sync.Mutex
	calls []string
	fn    func(call int, path string) (services.TranscriptionResult, error)
}

func (f *fakeTranscriber) Transcribe(_ context.Context, caller services.Caller, audioPath string) (services.TranscriptionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filepath.Base(audioPath))
	call := len(f.calls)
	f.mu.Unlock()

	if caller.OwnerID == "" || caller.JobID == "" {
		return services.TranscriptionResult{}, errors.New("missing caller identity")
	}
	if f.fn != nil {
		return f.fn(call, audioPath)
	}
	return services.TranscriptionResult{
		Text:       strings.TrimSuffix(filepath.Base(audioPath), ".mp3"),
		ModelID:    "whisper-1",
		ProviderID: "openai",
		Language:   "en",
	}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGenerator struct {
	structureErr error
	quizErr      error

	mu        sync.Mutex
	structure int
	quizzes   int
	decks     int
}

func (f *fakeGenerator) Structure(_ context.Context, _ services.Caller, transcript, title string) (services.StructureResult, error) {
	f.mu.Lock()
	f.structure++
	f.mu.Unlock()
	if f.structureErr != nil {
		return services.StructureResult{}, f.structureErr
	}
	return services.StructureResult{
		StructuredText: "# " + title + "\n\n" + transcript,
		Language:       "de",
		ModelID:        "gpt-4o-mini",
	}, nil
}

func (f *fakeGenerator) GenerateQuiz(_ context.Context, _ services.Caller, req services.QuizRequest) (services.QuizResult, error) {
	f.mu.Lock()
	f.quizzes++
	f.mu.Unlock()
	if f.quizErr != nil {
		return services.QuizResult{}, f.quizErr
	}
	questions := make([]domain.QuizQuestion, req.Count)
	for i := range questions {
		questions[i] = domain.QuizQuestion{
			Question:     fmt.Sprintf("Q%d", i+1),
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: i % 4,
			Explanation:  "because",
		}
	}
	return services.QuizResult{Questions: questions, ModelID: "gpt-4o-mini"}, nil
}

func (f *fakeGenerator) GenerateFlashcards(_ context.Context, _ services.Caller, req services.FlashcardRequest) (services.FlashcardResult, error) {
	f.mu.Lock()
	f.decks++
	f.mu.Unlock()
	cards := make([]domain.Flashcard, req.Count)
	for i := range cards {
		cards[i] = domain.Flashcard{Front: fmt.Sprintf("F%d", i+1), Back: fmt.Sprintf("B%d", i+1)}
	}
	return services.FlashcardResult{Cards: cards, ModelID: "gpt-4o-mini"}, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRenderer) Render(title, markdown string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []byte("%PDF-1.4 " + title + " " + markdown), nil
}

type harness struct {
	store        *recordingStore
	blobs        *storage.BlobStore
	tracker      *jobs.Tracker
	segmenter    *fakeSegmenter
	transcriber  *fakeTranscriber
	generator    *fakeGenerator
	renderer     *fakeRenderer
	derivatives  *Derivatives
	orchestrator *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewAppSLoggerWithWriter(io.Discard, "test")

	base, err := storage.NewStore(dir)
	require.NoError(t, err)
	store := &recordingStore{Store: base}

	signer := services.NewShareService(config.Config{ShareSecret: "secret", BaseURL: "http://localhost:3000", ShareTTL: time.Hour})
	blobs, err := storage.NewBlobStore(dir, 1<<20, signer)
	require.NoError(t, err)

	h := &harness{
		store:       store,
		blobs:       blobs,
		tracker:     jobs.NewTracker(store, log),
		segmenter:   &fakeSegmenter{t: t, chunkCount: map[string]int{}},
		transcriber: &fakeTranscriber{},
		generator:   &fakeGenerator{},
		renderer:    &fakeRenderer{},
	}
	h.derivatives = NewDerivatives(store, blobs, h.renderer, h.generator, 3, 4, log)
	h.orchestrator = NewOrchestrator(store, h.tracker, blobs, h.segmenter, h.transcriber, h.generator, h.derivatives, opts, log)
	h.orchestrator.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

// startJob uploads the named sources, creates the job and moves it to Processing.
func (h *harness) startJob(t *testing.T, files ...string) domain.Job {
	t.Helper()
	ctx := context.Background()

	var sources []domain.SourceRef
	for _, name := range files {
		content := "\x00\x01binary media " + name
		if strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".md") {
			content = "text of " + name
		}
		ref, err := h.blobs.SaveUpload(ctx, "owner-1", name, strings.NewReader(content))
		require.NoError(t, err)
		sources = append(sources, ref)
	}

	job, err := h.store.CreateJob(ctx, domain.Job{OwnerID: "owner-1", Title: "Lecture", Sources: sources})
	require.NoError(t, err)
	job, err = h.tracker.Start(ctx, job.ID, false)
	require.NoError(t, err)
	return job
}

// run executes the pipeline under the job's current run id.
func (h *harness) run(t *testing.T, id string) Report {
	t.Helper()
	return h.orchestrator.Run(context.Background(), id, h.job(t, id).RunID)
}

func (h *harness) job(t *testing.T, id string) domain.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// requireMonotonic checks progress never drops while the job is active.
func requireMonotonic(t *testing.T, history []domain.Job) {
	t.Helper()
	last := 0.0
	for _, j := range history {
		if !j.Status.IsActive() {
			continue
		}
		require.GreaterOrEqual(t, j.Progress, last, "progress went backwards at status %s", j.Status)
		last = j.Progress
	}
}

func requireRemoved(t *testing.T, dirs []string) {
	t.Helper()
	for _, dir := range dirs {
		_, err := os.Stat(dir)
		require.True(t, errors.Is(err, os.ErrNotExist), "scratch dir %s still exists", dir)
	}
}
