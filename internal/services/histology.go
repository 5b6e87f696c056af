package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"medstudy/internal/logger"
	"medstudy/internal/models"
)

const histologyPrompt = `You are shown a histology slide. Identify the tissue or structure and write one multiple-choice question about it.
Respond with strict JSON only:
{"topic":"organ system","subtopic":"tissue or structure","stem":"","choices":{"A":"","B":"","C":"","D":""},"correct":"A","explanation":"key identifying features"}`

const histologyStem = "Identify the tissue or structure shown in this slide."

// HistologyService turns a single slide image into an image-type question.
type HistologyService struct {
	llm Completer
	log *logger.Logger
}

func NewHistologyService(llm Completer, log *logger.Logger) *HistologyService {
	if log == nil {
		log = logger.Nop()
	}
	return &HistologyService{llm: llm, log: log}
}

// Identify makes one vision call. A response without usable JSON yields a
// question with no choices or answer key rather than an error.
func (s *HistologyService) Identify(ctx context.Context, imageDataURI string) (models.Question, error) {
	if !strings.HasPrefix(imageDataURI, "data:image/") {
		return models.Question{}, errors.New("image must be a data:image/... URI")
	}
	if err := requireCompleter(s.llm); err != nil {
		return models.Question{}, err
	}

	out, err := s.llm.Complete(ctx, Prompt{
		System:      "You are a histology instructor.",
		User:        histologyPrompt,
		Images:      []string{imageDataURI},
		MaxTokens:   2048,
		Temperature: 0.3,
	})
	if err != nil {
		return models.Question{}, fmt.Errorf("identify histology slide: %w", err)
	}

	var raw llmQuestion
	if err := decodeLLMJSON(out, &raw); err != nil {
		s.log.Warn("histology response not parseable", "error", err)
	}
	q := raw.toQuestion(models.TypeImage)
	q.ID = "histo-" + uuid.NewString()
	q.Type = models.TypeImage
	if q.Stem == "" {
		q.Stem = histologyStem
	}
	q.QuestionPageImage = imageDataURI
	return q, nil
}
