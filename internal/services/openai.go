package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"github.com/Xisisrefliel/skribly-sub000/internal/config"
	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
	"github.com/Xisisrefliel/skribly-sub000/internal/logger"
)

const (
	providerOpenAI  = "openai"
	requestTimeout  = 10 * time.Minute
	maxPromptRunes  = 120_000
	structuringTemp = 0.2
	generationTemp  = 0.5
)

var ErrNotConfigured = errors.New("openai api key is not configured")

// Caller identifies on whose behalf an external call is made.
type Caller struct {
	OwnerID string
	JobID   string
}

type UsageMetrics struct {
	AudioSeconds     float64       `json:"audioSeconds,omitempty"`
	PromptTokens     int           `json:"promptTokens,omitempty"`
	CompletionTokens int           `json:"completionTokens,omitempty"`
	TotalTokens      int           `json:"totalTokens,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
}

type TranscriptionResult struct {
	Text       string
	ModelID    string
	ProviderID string
	Language   string
	Usage      UsageMetrics
}

type StructureResult struct {
	StructuredText string
	Language       string
	ModelID        string
	Usage          UsageMetrics
}

type QuizRequest struct {
	Content  string
	Title    string
	Count    int
	Language string
}

type QuizResult struct {
	Questions []domain.QuizQuestion
	ModelID   string
	Usage     UsageMetrics
}

type FlashcardRequest struct {
	Content  string
	Title    string
	Count    int
	Language string
}

type FlashcardResult struct {
	Cards   []domain.Flashcard
	ModelID string
	Usage   UsageMetrics
}

// OpenAIService talks to the speech-to-text and chat completion endpoints.
type OpenAIService struct {
	client          *openai.Client
	apiKey          string
	reqTimeout      time.Duration
	transcribeModel string
	structureModel  string
	logger          logger.AppLogger
}

func NewOpenAIService(cfg config.Config, log logger.AppLogger) *OpenAIService {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}

	return &OpenAIService{
		client:          openai.NewClientWithConfig(clientCfg),
		apiKey:          cfg.OpenAIAPIKey,
		reqTimeout:      requestTimeout,
		transcribeModel: cfg.OpenAIModelTranscribe,
		structureModel:  cfg.OpenAIModelStructure,
		logger:          log.With(slog.String("service", "openai")),
	}
}

// Transcribe sends one bounded audio file to the speech-to-text endpoint.
func (s *OpenAIService) Transcribe(ctx context.Context, caller Caller, audioPath string) (TranscriptionResult, error) {
	if err := s.ensureAPIKey(); err != nil {
		return TranscriptionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.reqTimeout)
	defer cancel()

	req := openai.AudioRequest{
		Model:    s.transcribeModel,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	start := time.Now()
	resp, err := s.client.CreateTranscription(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("transcription call failed", err,
			slog.String("job_id", caller.JobID),
			slog.String("file", filepath.Base(audioPath)),
			slog.Duration("elapsed", elapsed))
		return TranscriptionResult{}, fmt.Errorf("openai transcription: %w", err)
	}

	result := TranscriptionResult{
		Text:       strings.TrimSpace(resp.Text),
		ModelID:    s.transcribeModel,
		ProviderID: providerOpenAI,
		Language:   languageCode(resp.Language),
		Usage: UsageMetrics{
			AudioSeconds: resp.Duration,
			Elapsed:      elapsed,
		},
	}
	s.logger.Info("chunk transcribed",
		slog.String("job_id", caller.JobID),
		slog.String("owner_id", caller.OwnerID),
		slog.String("file", filepath.Base(audioPath)),
		slog.Float64("audio_seconds", resp.Duration),
		slog.Duration("elapsed", elapsed))
	return result, nil
}

// Structure turns a raw transcript into study notes and detects its language.
func (s *OpenAIService) Structure(ctx context.Context, caller Caller, transcript, title string) (StructureResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return StructureResult{}, errors.New("transcript is empty")
	}

	s.warnTruncated(caller, "structure", transcript)

	var payload struct {
		Language string `json:"language"`
		Notes    string `json:"notes"`
	}
	usage, err := s.completeJSON(ctx, caller, structuringTemp,
		structureSystemPrompt, buildStructureUserPrompt(title, transcript), &payload)
	if err != nil {
		return StructureResult{}, err
	}

	notes := strings.TrimSpace(payload.Notes)
	if notes == "" {
		return StructureResult{}, errors.New("structuring returned no notes")
	}

	return StructureResult{
		StructuredText: notes,
		Language:       normalizeLanguage(payload.Language),
		ModelID:        s.structureModel,
		Usage:          usage,
	}, nil
}

// GenerateQuiz asks for req.Count multiple-choice questions about req.Content.
func (s *OpenAIService) GenerateQuiz(ctx context.Context, caller Caller, req QuizRequest) (QuizResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return QuizResult{}, errors.New("no content to build a quiz from")
	}

	var payload struct {
		Questions []struct {
			Question     string   `json:"question"`
			Options      []string `json:"options"`
			CorrectIndex int      `json:"correct_index"`
			Explanation  string   `json:"explanation"`
		} `json:"questions"`
	}
	s.warnTruncated(caller, "quiz", req.Content)
	usage, err := s.completeJSON(ctx, caller, generationTemp,
		quizSystemPrompt, buildQuizUserPrompt(req), &payload)
	if err != nil {
		return QuizResult{}, err
	}

	questions := make([]domain.QuizQuestion, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		options, ok := trimOptions(q.Options)
		if !ok || strings.TrimSpace(q.Question) == "" || len(options) < 2 {
			continue
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(options) {
			continue
		}
		questions = append(questions, domain.QuizQuestion{
			Question:     strings.TrimSpace(q.Question),
			Options:      options,
			CorrectIndex: q.CorrectIndex,
			Explanation:  strings.TrimSpace(q.Explanation),
		})
		if len(questions) == req.Count {
			break
		}
	}
	if len(questions) == 0 {
		return QuizResult{}, errors.New("quiz generation returned no valid questions")
	}

	return QuizResult{Questions: questions, ModelID: s.structureModel, Usage: usage}, nil
}

// GenerateFlashcards asks for req.Count front/back cards about req.Content.
func (s *OpenAIService) GenerateFlashcards(ctx context.Context, caller Caller, req FlashcardRequest) (FlashcardResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return FlashcardResult{}, errors.New("no content to build flashcards from")
	}

	var payload struct {
		Cards []struct {
			Front    string `json:"front"`
			Back     string `json:"back"`
			Category string `json:"category"`
		} `json:"cards"`
	}
	s.warnTruncated(caller, "flashcards", req.Content)
	usage, err := s.completeJSON(ctx, caller, generationTemp,
		flashcardSystemPrompt, buildFlashcardUserPrompt(req), &payload)
	if err != nil {
		return FlashcardResult{}, err
	}

	cards := make([]domain.Flashcard, 0, len(payload.Cards))
	for _, c := range payload.Cards {
		front, back := strings.TrimSpace(c.Front), strings.TrimSpace(c.Back)
		if front == "" || back == "" {
			continue
		}
		cards = append(cards, domain.Flashcard{
			Front:    front,
			Back:     back,
			Category: strings.TrimSpace(c.Category),
		})
		if len(cards) == req.Count {
			break
		}
	}
	if len(cards) == 0 {
		return FlashcardResult{}, errors.New("flashcard generation returned no valid cards")
	}

	return FlashcardResult{Cards: cards, ModelID: s.structureModel, Usage: usage}, nil
}

func (s *OpenAIService) completeJSON(ctx context.Context, caller Caller, temperature float32, systemPrompt, userPrompt string, out any) (UsageMetrics, error) {
	if err := s.ensureAPIKey(); err != nil {
		return UsageMetrics{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.reqTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: s.structureModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		User: caller.OwnerID,
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("chat completion failed", err,
			slog.String("job_id", caller.JobID),
			slog.Duration("elapsed", elapsed))
		return UsageMetrics{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return UsageMetrics{}, errors.New("openai chat completion: no response choices")
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return UsageMetrics{}, fmt.Errorf("decode completion payload: %w", err)
	}

	usage := UsageMetrics{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Elapsed:          elapsed,
	}
	s.logger.Info("chat completion done",
		slog.String("job_id", caller.JobID),
		slog.String("owner_id", caller.OwnerID),
		slog.Int("total_tokens", usage.TotalTokens),
		slog.Duration("elapsed", elapsed))
	return usage, nil
}

// warnTruncated logs when content exceeds what a single prompt carries.
func (s *OpenAIService) warnTruncated(caller Caller, purpose, content string) {
	if n := utf8.RuneCountInString(content); n > maxPromptRunes {
		s.logger.Warn("prompt content truncated",
			slog.String("job_id", caller.JobID),
			slog.String("purpose", purpose),
			slog.Int("runes", n),
			slog.Int("limit", maxPromptRunes))
	}
}

func (s *OpenAIService) ensureAPIKey() error {
	if strings.TrimSpace(s.apiKey) == "" {
		return ErrNotConfigured
	}
	return nil
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimPrefix(content, "json")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func normalizeLanguage(raw string) string {
	lang := strings.ToLower(strings.TrimSpace(raw))
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		lang = lang[:idx]
	}
	return lang
}

// trimOptions trims every option and reports false when one is blank, since
// dropping it would shift the correct index.
func trimOptions(values []string) ([]string, bool) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// whisperLanguages maps the language names reported by verbose_json to ISO 639-1.
var whisperLanguages = map[string]string{
	"arabic":     "ar",
	"catalan":    "ca",
	"chinese":    "zh",
	"czech":      "cs",
	"danish":     "da",
	"dutch":      "nl",
	"english":    "en",
	"finnish":    "fi",
	"french":     "fr",
	"german":     "de",
	"greek":      "el",
	"hebrew":     "he",
	"hindi":      "hi",
	"hungarian":  "hu",
	"indonesian": "id",
	"italian":    "it",
	"japanese":   "ja",
	"korean":     "ko",
	"norwegian":  "no",
	"polish":     "pl",
	"portuguese": "pt",
	"romanian":   "ro",
	"russian":    "ru",
	"spanish":    "es",
	"swedish":    "sv",
	"thai":       "th",
	"turkish":    "tr",
	"ukrainian":  "uk",
	"vietnamese": "vi",
}

// languageCode turns a transcription language into an ISO 639-1 code.
// Names it does not know yield "".
func languageCode(raw string) string {
	lang := normalizeLanguage(raw)
	if len(lang) == 2 {
		return lang
	}
	return whisperLanguages[lang]
}
