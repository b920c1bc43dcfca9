package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
	httpserver "github.com/Xisisrefliel/skribly-sub000/internal/http"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
	"github.com/Xisisrefliel/skribly-sub000/internal/pipeline"
)

var (
	confFile string
	appHash  = os.Getenv("GIT_HASH")
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Lecture transcription and study material service",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&confFile, "config", os.Getenv("CONFIG_FILE"), "optional TOML config file")
	rootCmd.AddCommand(
		serveCmd(),
		processCmd(),
	)
}

func loadConfig(appLog logger.AppLogger) (config.Config, error) {
	cfg, err := config.LoadConfig(confFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	appLog.Info("config loaded",
		slog.String("conf", confFile),
		slog.String("port", cfg.Port),
		slog.Int64("workers", cfg.Workers),
	)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			appLog := logger.NewAppSLogger(appHash)
			cfg, err := loadConfig(appLog)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := httpserver.NewServer(ctx, cfg, appLog)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("server stopped with error: %w", err)
			}
			appLog.Info("server stopped")
			return nil
		},
	}
}

func processCmd() *cobra.Command {
	var reprocess bool
	cmd := &cobra.Command{
		Use:   "process <jobID>",
		Short: "Run the pipeline for one job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appLog := logger.NewAppSLogger(appHash)
			cfg, err := loadConfig(appLog)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			comps, err := httpserver.NewComponents(cfg, appLog)
			if err != nil {
				return err
			}
			defer func() {
				if err := comps.Close(); err != nil {
					appLog.Error("close record store", err)
				}
			}()

			jobID := args[0]
			started, err := comps.Tracker.Start(ctx, jobID, reprocess)
			if err != nil {
				return fmt.Errorf("start job %s: %w", jobID, err)
			}
			report := comps.Orchestrator.Run(ctx, jobID, started.RunID)

			job, err := comps.Records.GetJob(context.WithoutCancel(ctx), jobID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				ID           string  `json:"id"`
				Status       string  `json:"status"`
				Progress     float64 `json:"progress"`
				ErrorMessage string  `json:"errorMessage,omitempty"`
				Stages       []stage `json:"stages"`
			}{
				ID:           job.ID,
				Status:       string(job.Status),
				Progress:     job.Progress,
				ErrorMessage: job.ErrorMessage,
				Stages:       stagesOf(report.Stages),
			}); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "restart a completed job")
	return cmd
}

type stage struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

func stagesOf(results []pipeline.StageResult) []stage {
	out := make([]stage, 0, len(results))
	for _, r := range results {
		s := stage{Stage: r.Stage, Outcome: string(r.Outcome)}
		if r.Reason != nil {
			s.Reason = r.Reason.Error()
		}
		out = append(out, s)
	}
	return out
}
