package domain

import "time"

// JobStatus is the persisted lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusProcessing  JobStatus = "processing"
	JobStatusStructuring JobStatus = "structuring"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusError       JobStatus = "error"
	JobStatusCanceled    JobStatus = "canceled"
)

// IsActive reports whether a pipeline run is in flight for the status.
func (s JobStatus) IsActive() bool {
	return s == JobStatusProcessing || s == JobStatusStructuring
}

type SourceRef struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type DerivativeRefs struct {
	PDFKey         string     `json:"pdfKey,omitempty"`
	PDFGeneratedAt *time.Time `json:"pdfGeneratedAt,omitempty"`
}

type Job struct {
	ID                    string         `json:"id"`
	OwnerID               string         `json:"ownerId"`
	Title                 string         `json:"title"`
	Sources               []SourceRef    `json:"sources"`
	Status                JobStatus      `json:"status"`
	RunID                 string         `json:"runId,omitempty"`
	Progress              float64        `json:"progress"`
	RawText               string         `json:"rawText,omitempty"`
	StructuredText        string         `json:"structuredText,omitempty"`
	DetectedLanguage      string         `json:"detectedLanguage,omitempty"`
	TranscriptionModel    string         `json:"transcriptionModel,omitempty"`
	TranscriptionProvider string         `json:"transcriptionProvider,omitempty"`
	ErrorMessage          string         `json:"errorMessage,omitempty"`
	Derivatives           DerivativeRefs `json:"derivatives"`
	DurationSeconds       float64        `json:"durationSeconds"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// Content returns the best text available for derivative generation.
func (j Job) Content() string {
	if j.StructuredText != "" {
		return j.StructuredText
	}
	return j.RawText
}

type QuizQuestion struct {
	ID           string   `json:"id"`
	Position     int      `json:"position"`
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation"`
}

type Quiz struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Language  string         `json:"language,omitempty"`
	Model     string         `json:"model,omitempty"`
	Questions []QuizQuestion `json:"questions"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Flashcard struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	Front    string `json:"front"`
	Back     string `json:"back"`
	Category string `json:"category,omitempty"`
}

type FlashcardDeck struct {
	ID        string      `json:"id"`
	JobID     string      `json:"jobId"`
	Language  string      `json:"language,omitempty"`
	Model     string      `json:"model,omitempty"`
	Cards     []Flashcard `json:"cards"`
	CreatedAt time.Time   `json:"createdAt"`
}
