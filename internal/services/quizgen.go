package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"medstudy/internal/logger"
	"medstudy/internal/models"
)

const maxGeneratedQuestions = 20

const generationPrompt = `Write %d new board-style multiple-choice questions about %q.
Follow the question type mix and focus areas in your instructions.
Respond with strict JSON only:
{"questions":[{"type":"clinicalVignette","topic":"","subtopic":"","stem":"","choices":{"A":"","B":"","C":"","D":""},"correct":"A","explanation":"","difficulty":"medium"}]}`

// QuizService generates fresh questions steered by the learner's profile.
type QuizService struct {
	llm      Completer
	profiles *ProfileService
	log      *logger.Logger
}

func NewQuizService(llm Completer, profiles *ProfileService, log *logger.Logger) *QuizService {
	if log == nil {
		log = logger.Nop()
	}
	return &QuizService{llm: llm, profiles: profiles, log: log}
}

// Generate asks for count questions on topic using the profile system prompt.
// Only playable questions are returned; an unparseable response yields none.
func (s *QuizService) Generate(ctx context.Context, topic string, count int) ([]models.Question, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	count = min(max(count, 1), maxGeneratedQuestions)
	if err := requireCompleter(s.llm); err != nil {
		return nil, err
	}

	system, err := s.profiles.SystemPrompt(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	out, err := s.llm.Complete(ctx, Prompt{
		System:      system,
		User:        fmt.Sprintf(generationPrompt, count, topic),
		MaxTokens:   8192,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	raw, err := decodeQuestionList(out)
	if err != nil {
		s.log.Warn("generated questions not parseable", "topic", topic, "error", err)
		return []models.Question{}, nil
	}
	questions := make([]models.Question, 0, len(raw))
	for _, r := range raw {
		q := r.toQuestion(models.TypeClinicalVignette)
		if q.Stem == "" || !q.Playable() {
			continue
		}
		if q.Topic == "" {
			q.Topic = topic
		}
		q.ID = "gen-" + uuid.NewString()
		questions = append(questions, q)
		if len(questions) == count {
			break
		}
	}
	return questions, nil
}
