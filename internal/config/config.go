package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port        string `toml:"port"`
	BaseURL     string `toml:"base_url"`
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`

	OpenAIAPIKey          string `toml:"openai_api_key"`
	OpenAIBaseURL         string `toml:"openai_base_url"`
	OpenAIModelTranscribe string `toml:"openai_model_transcribe"`
	OpenAIModelStructure  string `toml:"openai_model_structure"`

	ShareSecret    string        `toml:"share_secret"`
	ShareTTL       time.Duration `toml:"-"`
	MaxUploadBytes int64         `toml:"-"`

	FFmpegPath        string        `toml:"ffmpeg_path"`
	FFprobePath       string        `toml:"ffprobe_path"`
	ChunkSeconds      int64         `toml:"chunk_seconds"`
	Workers           int64         `toml:"workers"`
	ChunkRetries      int64         `toml:"chunk_retries"`
	ChunkRetryBackoff time.Duration `toml:"-"`

	QuizQuestions   int64 `toml:"quiz_questions"`
	Flashcards      int64 `toml:"flashcards"`
	AutoDerivatives bool  `toml:"auto_derivatives"`

	fileValues fileOnly
}

// fileOnly carries the TOML keys whose Config field is stored in a different unit.
type fileOnly struct {
	ShareTTLSeconds     int64 `toml:"share_ttl_seconds"`
	MaxUploadMB         int64 `toml:"max_upload_mb"`
	ChunkRetryBackoffMS int64 `toml:"chunk_retry_backoff_ms"`
}

func defaults() Config {
	return Config{
		Port:                  "8080",
		DataDir:               "data",
		OpenAIModelTranscribe: "whisper-1",
		OpenAIModelStructure:  "gpt-4o-mini",
		ShareSecret:           "change-me",
		FFmpegPath:            "ffmpeg",
		FFprobePath:           "ffprobe",
		ChunkSeconds:          600,
		Workers:               4,
		ChunkRetries:          0,
		QuizQuestions:         10,
		Flashcards:            20,
		AutoDerivatives:       true,
		fileValues: fileOnly{
			ShareTTLSeconds:     86400,
			MaxUploadMB:         200,
			ChunkRetryBackoffMS: 2000,
		},
	}
}

// LoadConfig reads defaults, then the optional TOML file at path, then the environment.
func LoadConfig(path string) (Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.DataDir = envOrDefault("DATA_DIR", cfg.DataDir)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModelTranscribe = envOrDefault("OPENAI_MODEL_TRANSCRIBE", cfg.OpenAIModelTranscribe)
	cfg.OpenAIModelStructure = envOrDefault("OPENAI_MODEL_STRUCTURE", cfg.OpenAIModelStructure)
	cfg.ShareSecret = envOrDefault("SHARE_SECRET", cfg.ShareSecret)
	cfg.FFmpegPath = envOrDefault("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFprobePath = envOrDefault("FFPROBE_PATH", cfg.FFprobePath)
	cfg.BaseURL = envOrDefault("BASE_URL", cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%s", cfg.Port)
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"SHARE_TTL_SECONDS", &cfg.fileValues.ShareTTLSeconds},
		{"MAX_UPLOAD_MB", &cfg.fileValues.MaxUploadMB},
		{"CHUNK_RETRY_BACKOFF_MS", &cfg.fileValues.ChunkRetryBackoffMS},
		{"CHUNK_SECONDS", &cfg.ChunkSeconds},
		{"WORKERS", &cfg.Workers},
		{"CHUNK_RETRIES", &cfg.ChunkRetries},
		{"QUIZ_QUESTIONS", &cfg.QuizQuestions},
		{"FLASHCARDS", &cfg.Flashcards},
	}
	for _, item := range ints {
		value, err := parseIntEnv(item.key, *item.dst)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", item.key, err)
		}
		*item.dst = value
	}

	auto, err := parseBoolEnv("AUTO_DERIVATIVES", cfg.AutoDerivatives)
	if err != nil {
		return Config{}, fmt.Errorf("parse AUTO_DERIVATIVES: %w", err)
	}
	cfg.AutoDerivatives = auto

	cfg.ShareTTL = time.Duration(cfg.fileValues.ShareTTLSeconds) * time.Second
	cfg.MaxUploadBytes = cfg.fileValues.MaxUploadMB * 1024 * 1024
	cfg.ChunkRetryBackoff = time.Duration(cfg.fileValues.ChunkRetryBackoffMS) * time.Millisecond

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ChunkSeconds <= 0 {
		errs = append(errs, errors.New("chunk seconds must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.ChunkRetries < 0 {
		errs = append(errs, errors.New("chunk retries must not be negative"))
	}
	if c.QuizQuestions <= 0 || c.Flashcards <= 0 {
		errs = append(errs, errors.New("quiz questions and flashcards must be positive"))
	}
	if c.ShareTTL <= 0 {
		errs = append(errs, errors.New("share ttl must be positive"))
	}
	return errors.Join(errs...)
}

func loadFile(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg.fileValues); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func parseIntEnv(key string, fallback int64) (int64, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}

	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return num, nil
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseBool(value)
}
