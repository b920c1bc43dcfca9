package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
	"github.com/Xisisrefliel/skribly-sub000/internal/jobs"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/media"
	"github.com/Xisisrefliel/skribly-sub000/internal/pipeline"
	"github.com/Xisisrefliel/skribly-sub000/internal/services"
	"github.com/Xisisrefliel/skribly-sub000/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Components are the services shared by the HTTP server and the CLI.
type Components struct {
	Records      storage.Repository
	Blobs        *storage.BlobStore
	Share        *services.ShareService
	Tracker      *jobs.Tracker
	Derivatives  *pipeline.Derivatives
	Orchestrator *pipeline.Orchestrator

	closeFn func() error
}

// NewComponents wires storage, adapters and the pipeline from cfg. Jobs are
// kept in Postgres when DATABASE_URL is set, otherwise in the JSON store.
func NewComponents(cfg config.Config, log logger.AppLogger) (*Components, error) {
	comps := &Components{closeFn: func() error { return nil }}

	if cfg.DatabaseURL != "" {
		gormStore, err := storage.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		comps.Records = gormStore
		comps.closeFn = gormStore.Close
		log.Info("using postgres record store")
	} else {
		store, err := storage.NewStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		comps.Records = store
		log.Info("using json record store", slog.String("data_dir", cfg.DataDir))
	}

	comps.Share = services.NewShareService(cfg)
	blobs, err := storage.NewBlobStore(cfg.DataDir, cfg.MaxUploadBytes, comps.Share)
	if err != nil {
		_ = comps.closeFn()
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	comps.Blobs = blobs

	openaiSvc := services.NewOpenAIService(cfg, log)
	pdfSvc := services.NewPDFService()
	segmenter := media.NewSegmenter(cfg.FFmpegPath, cfg.FFprobePath, float64(cfg.ChunkSeconds), media.ExecRunner{})

	comps.Tracker = jobs.NewTracker(comps.Records, log)
	comps.Derivatives = pipeline.NewDerivatives(comps.Records, blobs, pdfSvc, openaiSvc, int(cfg.QuizQuestions), int(cfg.Flashcards), log)
	comps.Orchestrator = pipeline.NewOrchestrator(
		comps.Records,
		comps.Tracker,
		blobs,
		segmenter,
		openaiSvc,
		openaiSvc,
		comps.Derivatives,
		pipeline.Options{
			ChunkRetries:    int(cfg.ChunkRetries),
			RetryBackoff:    cfg.ChunkRetryBackoff,
			AutoDerivatives: cfg.AutoDerivatives,
		},
		log,
	)
	return comps, nil
}

func (c *Components) Close() error {
	return c.closeFn()
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	comps  *Components
	runner *pipeline.Runner
	logger logger.AppLogger
}

func NewServer(ctx context.Context, cfg config.Config, log logger.AppLogger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	comps, err := NewComponents(cfg, log)
	if err != nil {
		return nil, err
	}
	runner := pipeline.NewRunner(ctx, comps.Orchestrator, comps.Tracker, int(cfg.Workers), log)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(log.With(slog.String("service", "http"))))
	engine.Use(MaxBodySize(cfg.MaxUploadBytes + 1<<20))
	engine.Use(CORS())

	api := NewAPI(cfg, comps.Records, comps.Blobs, comps.Tracker, runner, comps.Derivatives, comps.Share, log)
	registerRoutes(engine, api)

	return &Server{engine: engine, cfg: cfg, comps: comps, runner: runner, logger: log}, nil
}

// Run serves until ctx is done, then drains requests and in-flight pipelines.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown", err)
	}
	s.runner.Stop(shutdownCtx)
	if err := s.comps.Close(); err != nil {
		s.logger.Error("close record store", err)
	}
	return runErr
}
