package services

import (
	"fmt"
	"strings"
)

const structureSystemPrompt = `You turn lecture and meeting transcripts into clear study notes.
Write the notes in the same language as the transcript, using Markdown:
"#" and "##" headings per topic, "-" bullet points for key ideas, definitions and examples.
Do not invent facts that are not in the transcript.
Answer with a JSON object: {"language": "<ISO 639-1 code of the transcript>", "notes": "<markdown notes>"}.`

const quizSystemPrompt = `You write multiple-choice quizzes that check understanding of study material.
Each question has between 3 and 5 options, exactly one correct option, and a short explanation.
Answer with a JSON object: {"questions": [{"question": "...", "options": ["..."], "correct_index": 0, "explanation": "..."}]}.`

const flashcardSystemPrompt = `You write flashcards for spaced-repetition study.
The front holds a term or a question, the back a concise answer. Add an optional one-word category.
Answer with a JSON object: {"cards": [{"front": "...", "back": "...", "category": "..."}]}.`

func buildStructureUserPrompt(title, transcript string) string {
	var b strings.Builder
	if title = strings.TrimSpace(title); title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", title)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(truncateRunes(transcript, maxPromptRunes))
	return b.String()
}

func buildQuizUserPrompt(req QuizRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d questions", req.Count)
	writeLanguage(&b, req.Language)
	writeTitle(&b, req.Title)
	b.WriteString("Material:\n")
	b.WriteString(truncateRunes(req.Content, maxPromptRunes))
	return b.String()
}

func buildFlashcardUserPrompt(req FlashcardRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d flashcards", req.Count)
	writeLanguage(&b, req.Language)
	writeTitle(&b, req.Title)
	b.WriteString("Material:\n")
	b.WriteString(truncateRunes(req.Content, maxPromptRunes))
	return b.String()
}

func writeLanguage(b *strings.Builder, language string) {
	if language = strings.TrimSpace(language); language != "" {
		fmt.Fprintf(b, " in the language with ISO code %q", language)
	}
	b.WriteString(".\n")
}

func writeTitle(b *strings.Builder, title string) {
	if title = strings.TrimSpace(title); title != "" {
		fmt.Fprintf(b, "Title: %s\n", title)
	}
	b.WriteString("\n")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
