package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/jobs"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/pipeline"
	"github.com/Xisisrefliel/skribly-sub000/internal/services"
	"github.com/Xisisrefliel/skribly-sub000/internal/storage"
)

const testOwner = "owner-1"

type fakeRunner struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (f *fakeRunner) Submit(jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, jobID)
	return nil
}

type fakeGenerator struct{}

func (fakeGenerator) Structure(_ context.Context, _ services.Caller, transcript, _ string) (services.StructureResult, error) {
	return services.StructureResult{StructuredText: transcript}, nil
}

func (fakeGenerator) GenerateQuiz(_ context.Context, _ services.Caller, req services.QuizRequest) (services.QuizResult, error) {
	questions := make([]domain.QuizQuestion, req.Count)
	for i := range questions {
		questions[i] = domain.QuizQuestion{Question: fmt.Sprintf("Q%d", i), Options: []string{"a", "b"}, CorrectIndex: 1}
	}
	return services.QuizResult{Questions: questions, ModelID: "test"}, nil
}

func (fakeGenerator) GenerateFlashcards(_ context.Context, _ services.Caller, req services.FlashcardRequest) (services.FlashcardResult, error) {
	cards := make([]domain.Flashcard, req.Count)
	for i := range cards {
		cards[i] = domain.Flashcard{Front: "front", Back: "back"}
	}
	return services.FlashcardResult{Cards: cards, ModelID: "test"}, nil
}

type testServer struct {
	engine *gin.Engine
	store  *storage.Store
	runner *fakeRunner
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	tmpDir := t.TempDir()

	cfg := config.Config{
		Port:                  "8080",
		OpenAIModelTranscribe: "whisper-1",
		OpenAIModelStructure:  "gpt-4o-mini",
		BaseURL:               "http://localhost:8080",
		ShareSecret:           "secret",
		ShareTTL:              time.Minute,
		MaxUploadBytes:        1 * 1024 * 1024,
		DataDir:               tmpDir,
		QuizQuestions:         5,
		Flashcards:            5,
	}
	log := logger.NewAppSLoggerWithWriter(io.Discard, "test")

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	share := services.NewShareService(cfg)
	blobs, err := storage.NewBlobStore(cfg.DataDir, cfg.MaxUploadBytes, share)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	tracker := jobs.NewTracker(store, log)
	derivatives := pipeline.NewDerivatives(store, blobs, services.NewPDFService(), fakeGenerator{}, 5, 5, log)
	runner := &fakeRunner{}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(MaxBodySize(cfg.MaxUploadBytes + 1<<20))
	api := NewAPI(cfg, store, blobs, tracker, runner, derivatives, share, log)
	registerRoutes(engine, api)

	return &testServer{engine: engine, store: store, runner: runner}
}

func (s *testServer) do(t *testing.T, method, target, owner string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createJob(t *testing.T, job domain.Job) domain.Job {
	t.Helper()
	if job.OwnerID == "" {
		job.OwnerID = testOwner
	}
	created, err := s.store.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return created
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)

	rec := srv.do(t, http.MethodGet, "/api/health", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decode(t, rec, &body)
	if ok, exists := body["ok"].(bool); !exists || !ok {
		t.Fatalf("expected ok=true, body=%v", body)
	}
}

func TestRoutesRequireOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)

	rec := srv.do(t, http.MethodGet, "/transcriptions", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUploadMissingFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)

	rec := srv.do(t, http.MethodPost, "/transcriptions", testOwner, nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var body map[string]any
	decode(t, rec, &body)
	if body["error"] == nil {
		t.Fatalf("expected error message in response")
	}
}

func TestUploadCreatesPendingJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"week1.mp3", "notes.md"} {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write([]byte("\x00\x01content of " + name)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.WriteField("title", "Physics I"); err != nil {
		t.Fatalf("write title: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	rec := srv.do(t, http.MethodPost, "/transcriptions", testOwner, &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var job domain.Job
	decode(t, rec, &job)
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected pending job, got %s", job.Status)
	}
	if job.Title != "Physics I" || job.OwnerID != testOwner {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Sources) != 2 || job.Sources[0].Filename != "week1.mp3" || job.Sources[1].MimeType != "text/markdown" {
		t.Fatalf("unexpected sources %+v", job.Sources)
	}

	listRec := srv.do(t, http.MethodGet, "/transcriptions", testOwner, nil, "")
	var list []domain.Job
	decode(t, listRec, &list)
	if len(list) != 1 || list[0].ID != job.ID {
		t.Fatalf("expected the new job in the listing, got %+v", list)
	}

	otherRec := srv.do(t, http.MethodGet, "/transcriptions", "someone-else", nil, "")
	var others []domain.Job
	decode(t, otherRec, &others)
	if len(others) != 0 {
		t.Fatalf("expected no jobs for another owner, got %d", len(others))
	}
}

func TestTranscribeLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	job := srv.createJob(t, domain.Job{Title: "Lecture"})

	rec := srv.do(t, http.MethodPost, "/transcribe/"+job.ID, testOwner, nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, rec, &accepted)
	if accepted.ID != job.ID || accepted.Status != "processing" {
		t.Fatalf("unexpected body %+v", accepted)
	}
	if len(srv.runner.submitted) != 1 || srv.runner.submitted[0] != job.ID {
		t.Fatalf("expected job to be submitted, got %v", srv.runner.submitted)
	}

	if _, err := srv.store.MutateJob(context.Background(), job.ID, func(j *domain.Job) error {
		j.Progress = 0.42
		return nil
	}); err != nil {
		t.Fatalf("set progress: %v", err)
	}

	conflict := srv.do(t, http.MethodPost, "/transcribe/"+job.ID, testOwner, nil, "")
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 for running job, got %d", conflict.Code)
	}
	current, _ := srv.store.GetJob(context.Background(), job.ID)
	if current.Status != domain.JobStatusProcessing || current.Progress != 0.42 {
		t.Fatalf("conflicting start must not touch the job, got %s %.2f", current.Status, current.Progress)
	}

	cancelRec := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/cancel", testOwner, nil, "")
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d", cancelRec.Code)
	}
	again := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/cancel", testOwner, nil, "")
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", again.Code)
	}

	reprocess := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/reprocess", testOwner, nil, "")
	if reprocess.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on reprocess, got %d", reprocess.Code)
	}
	current, _ = srv.store.GetJob(context.Background(), job.ID)
	if current.Status != domain.JobStatusProcessing || current.Progress != 0 {
		t.Fatalf("reprocess should restart from zero, got %s %.2f", current.Status, current.Progress)
	}
}

func TestTranscribeCompletedShortCircuits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	job := srv.createJob(t, domain.Job{Status: domain.JobStatusCompleted, RawText: "done"})

	rec := srv.do(t, http.MethodPost, "/transcribe/"+job.ID, testOwner, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(srv.runner.submitted) != 0 {
		t.Fatalf("completed job must not be resubmitted")
	}
}

func TestTranscribeSubmitFailureMarksError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	srv.runner.err = pipeline.ErrRunnerStopped
	job := srv.createJob(t, domain.Job{})

	rec := srv.do(t, http.MethodPost, "/transcribe/"+job.ID, testOwner, nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	current, _ := srv.store.GetJob(context.Background(), job.ID)
	if current.Status != domain.JobStatusError {
		t.Fatalf("expected error status, got %s", current.Status)
	}
}

func TestOtherOwnerSeesNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	job := srv.createJob(t, domain.Job{})

	for _, target := range []string{"/transcription/" + job.ID, "/transcription/" + job.ID + "/quizzes"} {
		rec := srv.do(t, http.MethodGet, target, "intruder", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rec.Code)
		}
	}
	rec := srv.do(t, http.MethodPost, "/transcribe/"+job.ID, "intruder", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on foreign trigger, got %d", rec.Code)
	}
}

func TestPDFGenerationAndSignedDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	job := srv.createJob(t, domain.Job{
		Title:          "Thermodynamics",
		Status:         domain.JobStatusCompleted,
		RawText:        "raw",
		StructuredText: "# Heat\n\n- energy is conserved",
	})

	var first, second, third pipeline.PDFResult
	rec := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/pdf", testOwner, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &first)

	rec = srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/pdf", testOwner, nil, "")
	decode(t, rec, &second)
	if second.Key != first.Key || !second.Cached {
		t.Fatalf("expected cached pdf %s, got %+v", first.Key, second)
	}

	rec = srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/pdf?regenerate=true", testOwner, nil, "")
	decode(t, rec, &third)
	if third.Key == first.Key {
		t.Fatalf("regenerate must produce a new key")
	}

	link, err := url.Parse(third.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	download := srv.do(t, http.MethodGet, link.RequestURI(), "", nil, "")
	if download.Code != http.StatusOK {
		t.Fatalf("expected 200 on signed download, got %d", download.Code)
	}
	if ct := download.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/pdf") {
		t.Fatalf("expected pdf content type, got %q", ct)
	}
	if !bytes.HasPrefix(download.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("expected pdf body")
	}

	invalid := srv.do(t, http.MethodGet, link.Path+"?exp=9999999999&sig=invalid", "", nil, "")
	if invalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for invalid signature, got %d", invalid.Code)
	}

	expired := srv.do(t, http.MethodGet, link.Path+"?exp=1&sig=whatever", "", nil, "")
	if expired.Code != http.StatusGone {
		t.Fatalf("expected 410 for expired link, got %d", expired.Code)
	}
}

func TestPDFWithoutTranscriptConflicts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	job := srv.createJob(t, domain.Job{})

	rec := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/pdf", testOwner, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestQuizAndFlashcardGeneration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	job := srv.createJob(t, domain.Job{Status: domain.JobStatusCompleted, RawText: "photosynthesis"})

	for _, count := range []string{"0", "51", "abc"} {
		rec := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/quiz?count="+count, testOwner, nil, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("count=%s: expected 400, got %d", count, rec.Code)
		}
	}

	for i := 0; i < 2; i++ {
		rec := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/quiz?count=3", testOwner, nil, "")
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var quiz domain.Quiz
		decode(t, rec, &quiz)
		if len(quiz.Questions) != 3 {
			t.Fatalf("expected 3 questions, got %d", len(quiz.Questions))
		}
	}

	listRec := srv.do(t, http.MethodGet, "/transcription/"+job.ID+"/quizzes", testOwner, nil, "")
	var quizzes []domain.Quiz
	decode(t, listRec, &quizzes)
	if len(quizzes) != 2 {
		t.Fatalf("expected both quizzes to be kept, got %d", len(quizzes))
	}

	rec := srv.do(t, http.MethodPost, "/transcription/"+job.ID+"/flashcards", testOwner, nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var deck domain.FlashcardDeck
	decode(t, rec, &deck)
	if len(deck.Cards) != 5 {
		t.Fatalf("expected default of 5 cards, got %d", len(deck.Cards))
	}

	decksRec := srv.do(t, http.MethodGet, "/transcription/"+job.ID+"/flashcards", testOwner, nil, "")
	var decks []domain.FlashcardDeck
	decode(t, decksRec, &decks)
	if len(decks) != 1 {
		t.Fatalf("expected 1 deck, got %d", len(decks))
	}
}

func TestDeleteJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := setupTestServer(t)
	running := srv.createJob(t, domain.Job{Status: domain.JobStatusProcessing})
	done := srv.createJob(t, domain.Job{Status: domain.JobStatusCompleted})

	rec := srv.do(t, http.MethodDelete, "/transcription/"+running.ID, testOwner, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for running job, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodDelete, "/transcription/"+done.ID, testOwner, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodGet, "/transcription/"+done.ID, testOwner, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}
