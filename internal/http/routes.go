package http

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/jobs"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/pipeline"
	"github.com/Xisisrefliel/skribly-sub000/internal/services"
	"github.com/Xisisrefliel/skribly-sub000/internal/storage"
)

const ownerHeader = "X-Owner-ID"

// Submitter hands a job in Processing to the background runner.
type Submitter interface {
	Submit(jobID, runID string) error
}

type API struct {
	cfg         config.Config
	records     storage.Repository
	blobs       *storage.BlobStore
	tracker     *jobs.Tracker
	runner      Submitter
	derivatives *pipeline.Derivatives
	share       *services.ShareService
	logger      logger.AppLogger
}

func NewAPI(cfg config.Config, records storage.Repository, blobs *storage.BlobStore, tracker *jobs.Tracker, runner Submitter, derivatives *pipeline.Derivatives, share *services.ShareService, log logger.AppLogger) *API {
	return &API{
		cfg:         cfg,
		records:     records,
		blobs:       blobs,
		tracker:     tracker,
		runner:      runner,
		derivatives: derivatives,
		share:       share,
		logger:      log.With(slog.String("service", "api")),
	}
}

func registerRoutes(r *gin.Engine, api *API) {
	r.GET("/api/health", api.handleHealth)
	r.GET("/files/*key", api.handleServeFile)

	owned := r.Group("/", RequireOwner())
	{
		owned.POST("/transcriptions", api.handleUpload)
		owned.GET("/transcriptions", api.handleListJobs)

		owned.POST("/transcribe/:id", api.handleTranscribe)

		owned.GET("/transcription/:id", api.handleGetJob)
		owned.DELETE("/transcription/:id", api.handleDeleteJob)
		owned.POST("/transcription/:id/cancel", api.handleCancel)
		owned.POST("/transcription/:id/reprocess", api.handleReprocess)

		owned.POST("/transcription/:id/pdf", api.handleGeneratePDF)
		owned.POST("/transcription/:id/quiz", api.handleGenerateQuiz)
		owned.POST("/transcription/:id/flashcards", api.handleGenerateFlashcards)
		owned.GET("/transcription/:id/quizzes", api.handleListQuizzes)
		owned.GET("/transcription/:id/flashcards", api.handleListFlashcards)
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) handleUpload(c *gin.Context) {
	owner := ownerID(c)

	form, err := c.MultipartForm()
	if err != nil {
		if isBodyTooLarge(err) {
			respondMessage(c, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		respondMessage(c, http.StatusBadRequest, "expected multipart form with file parts")
		return
	}
	headers := form.File["file"]
	if len(headers) == 0 {
		respondMessage(c, http.StatusBadRequest, "missing file")
		return
	}

	ctx := c.Request.Context()
	sources := make([]domain.SourceRef, 0, len(headers))
	discard := func() {
		for _, src := range sources {
			_ = a.blobs.Delete(ctx, src.Key)
		}
	}

	for _, fh := range headers {
		upload, err := fh.Open()
		if err != nil {
			discard()
			respondMessage(c, http.StatusBadRequest, "unable to read uploaded file")
			return
		}
		ref, err := a.blobs.SaveUpload(ctx, owner, fh.Filename, upload)
		upload.Close()
		if err != nil {
			discard()
			if errors.Is(err, storage.ErrTooLarge) {
				respondMessage(c, http.StatusRequestEntityTooLarge, err.Error())
				return
			}
			respondError(c, http.StatusBadRequest, err)
			return
		}
		sources = append(sources, ref)
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		first := sources[0].Filename
		title = strings.TrimSuffix(first, filepath.Ext(first))
	}

	job, err := a.records.CreateJob(ctx, domain.Job{
		OwnerID: owner,
		Title:   title,
		Sources: sources,
		Status:  domain.JobStatusPending,
	})
	if err != nil {
		discard()
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	a.logger.Info("transcription created",
		slog.String("job_id", job.ID),
		slog.String("owner_id", owner),
		slog.Int("sources", len(sources)),
	)
	c.JSON(http.StatusCreated, job)
}

func (a *API) handleListJobs(c *gin.Context) {
	list, err := a.records.ListJobs(c.Request.Context(), ownerID(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *API) handleGetJob(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) handleDeleteJob(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}
	if job.Status.IsActive() {
		respondMessage(c, http.StatusConflict, "transcription is still running; cancel it first")
		return
	}

	ctx := c.Request.Context()
	if err := a.records.DeleteJob(ctx, job.ID); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	keys := make([]string, 0, len(job.Sources)+1)
	for _, src := range job.Sources {
		keys = append(keys, src.Key)
	}
	if job.Derivatives.PDFKey != "" {
		keys = append(keys, job.Derivatives.PDFKey)
	}
	for _, key := range keys {
		if err := a.blobs.Delete(ctx, key); err != nil {
			a.logger.Warn("delete blob", slog.String("job_id", job.ID), slog.String("key", key), slog.String("error", err.Error()))
		}
	}

	c.Status(http.StatusNoContent)
}

func (a *API) handleTranscribe(c *gin.Context) {
	a.start(c, false)
}

func (a *API) handleReprocess(c *gin.Context) {
	a.start(c, true)
}

// start records the move to Processing, hands the job to the runner and
// returns without waiting for the pipeline.
func (a *API) start(c *gin.Context, reprocess bool) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	started, err := a.tracker.Start(ctx, job.ID, reprocess)
	switch {
	case errors.Is(err, jobs.ErrJobAlreadyRunning):
		respondMessage(c, http.StatusConflict, "transcription is already running")
		return
	case errors.Is(err, jobs.ErrAlreadyCompleted):
		c.JSON(http.StatusOK, gin.H{"id": job.ID, "status": domain.JobStatusCompleted})
		return
	case errors.Is(err, storage.ErrNotFound):
		respondMessage(c, http.StatusNotFound, "transcription not found")
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	if err := a.runner.Submit(started.ID, started.RunID); err != nil {
		if failErr := a.tracker.Fail(ctx, started.ID, started.RunID, err); failErr != nil {
			a.logger.Error("record submit failure", failErr, slog.String("job_id", started.ID))
		}
		respondMessage(c, http.StatusServiceUnavailable, "service is shutting down")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": started.ID, "status": started.Status})
}

func (a *API) handleCancel(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}

	canceled, err := a.tracker.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotRunning) {
			respondMessage(c, http.StatusConflict, "transcription is not running")
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, canceled)
}

func (a *API) handleGeneratePDF(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}

	regenerate := false
	if raw := c.Query("regenerate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondMessage(c, http.StatusBadRequest, "regenerate must be a boolean")
			return
		}
		regenerate = v
	}

	res, err := a.derivatives.PDF(c.Request.Context(), job, regenerate)
	if err != nil {
		a.derivativeError(c, job.ID, "pdf", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) handleGenerateQuiz(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}
	count, ok := countParam(c)
	if !ok {
		return
	}

	quiz, err := a.derivatives.Quiz(c.Request.Context(), job, count)
	if err != nil {
		a.derivativeError(c, job.ID, "quiz", err)
		return
	}
	c.JSON(http.StatusCreated, quiz)
}

func (a *API) handleGenerateFlashcards(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}
	count, ok := countParam(c)
	if !ok {
		return
	}

	deck, err := a.derivatives.Flashcards(c.Request.Context(), job, count)
	if err != nil {
		a.derivativeError(c, job.ID, "flashcards", err)
		return
	}
	c.JSON(http.StatusCreated, deck)
}

func (a *API) handleListQuizzes(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}
	quizzes, err := a.records.ListQuizzes(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, quizzes)
}

func (a *API) handleListFlashcards(c *gin.Context) {
	job, ok := a.ownedJob(c)
	if !ok {
		return
	}
	decks, err := a.records.ListFlashcardDecks(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, decks)
}

func (a *API) handleServeFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	expiresParam := c.Query("exp")
	signature := c.Query("sig")

	if key == "" || expiresParam == "" || signature == "" {
		respondMessage(c, http.StatusBadRequest, "missing signature")
		return
	}

	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "invalid expiration")
		return
	}

	switch err := a.share.Verify(c.Request.URL.Path, expires, signature); {
	case errors.Is(err, services.ErrLinkExpired):
		respondMessage(c, http.StatusGone, "link expired")
		return
	case err != nil:
		respondMessage(c, http.StatusForbidden, "invalid signature")
		return
	}

	filePath, err := a.blobs.Path(key)
	if err != nil {
		respondMessage(c, http.StatusNotFound, "file not found")
		return
	}
	if _, err := os.Stat(filePath); err != nil {
		respondMessage(c, http.StatusNotFound, "file not found")
		return
	}

	if contentType := mime.TypeByExtension(path.Ext(key)); contentType != "" {
		c.Header("Content-Type", contentType)
	}
	c.FileAttachment(filePath, path.Base(key))
}

// ownedJob loads the :id job for the caller. Other owners' jobs are reported
// as missing.
func (a *API) ownedJob(c *gin.Context) (domain.Job, bool) {
	job, err := a.records.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondMessage(c, http.StatusNotFound, "transcription not found")
			return domain.Job{}, false
		}
		respondError(c, http.StatusInternalServerError, err)
		return domain.Job{}, false
	}
	if job.OwnerID != ownerID(c) {
		respondMessage(c, http.StatusNotFound, "transcription not found")
		return domain.Job{}, false
	}
	return job, true
}

func (a *API) derivativeError(c *gin.Context, jobID, kind string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNoContent):
		respondMessage(c, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNotConfigured):
		respondMessage(c, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("derivative generation failed", err, slog.String("job_id", jobID), slog.String("kind", kind))
		respondMessage(c, http.StatusBadGateway, kind+" generation failed")
	}
}

// countParam reads the optional count query; zero means the configured default.
func countParam(c *gin.Context) (int, bool) {
	raw := c.Query("count")
	if raw == "" {
		return 0, true
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 1 || count > pipeline.MaxDerivativeItems {
		respondMessage(c, http.StatusBadRequest, "count must be between 1 and "+strconv.Itoa(pipeline.MaxDerivativeItems))
		return 0, false
	}
	return count, true
}

func ownerID(c *gin.Context) string {
	return c.GetString(ownerHeader)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func respondError(c *gin.Context, status int, err error) {
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
