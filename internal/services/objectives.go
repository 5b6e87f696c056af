package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"medstudy/internal/logger"
	"medstudy/internal/models"
)

const objectivesKey = "objectives"

// ErrInvalidStatus is returned for an unknown objective mastery status.
var ErrInvalidStatus = errors.New("invalid objective status")

const objectivesPrompt = `List the learning objectives stated or clearly implied in the course material below.
Each objective is one sentence a student could be tested on. Keep the wording of the source where possible.
Respond with strict JSON only: {"objectives":[{"text":"","topic":""}]}`

// ObjectivesService stores course objectives and their mastery status.
type ObjectivesService struct {
	store KVStore
	llm   Completer
	log   *logger.Logger
	mu    sync.Mutex
}

func NewObjectivesService(store KVStore, llm Completer, log *logger.Logger) *ObjectivesService {
	if log == nil {
		log = logger.Nop()
	}
	return &ObjectivesService{store: store, llm: llm, log: log}
}

func (s *ObjectivesService) List(ctx context.Context) ([]models.Objective, error) {
	var objectives []models.Objective
	if err := getJSON(ctx, s.store, objectivesKey, &objectives); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if objectives == nil {
		objectives = []models.Objective{}
	}
	return objectives, nil
}

// Extract asks the LLM for objectives in text and stores the new ones as
// untested. Objectives already stored (same text, any case) are skipped. A
// response that cannot be parsed adds nothing.
func (s *ObjectivesService) Extract(ctx context.Context, text string) ([]models.Objective, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is required")
	}
	if err := requireCompleter(s.llm); err != nil {
		return nil, err
	}

	out, err := s.llm.Complete(ctx, Prompt{
		System:      "You are a medical curriculum designer.",
		User:        objectivesPrompt + "\n\nCourse material:\n" + text,
		MaxTokens:   4096,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("extract objectives: %w", err)
	}
	var parsed struct {
		Objectives []struct {
			Text  string `json:"text"`
			Topic string `json:"topic"`
		} `json:"objectives"`
	}
	if err := decodeLLMJSON(out, &parsed); err != nil {
		s.log.Warn("objectives response not parseable", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, o := range existing {
		seen[strings.ToLower(o.Text)] = true
	}

	added := []models.Objective{}
	for _, p := range parsed.Objectives {
		objText := strings.TrimSpace(p.Text)
		if objText == "" || seen[strings.ToLower(objText)] {
			continue
		}
		seen[strings.ToLower(objText)] = true
		added = append(added, models.Objective{
			ID:     uuid.NewString(),
			Text:   objText,
			Topic:  strings.TrimSpace(p.Topic),
			Status: models.ObjectiveUntested,
		})
	}
	if len(added) == 0 {
		return added, nil
	}
	if err := putJSON(ctx, s.store, objectivesKey, append(existing, added...)); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *ObjectivesService) SetStatus(ctx context.Context, id string, status models.ObjectiveStatus) (models.Objective, error) {
	if !status.Valid() {
		return models.Objective{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	objectives, err := s.List(ctx)
	if err != nil {
		return models.Objective{}, err
	}
	for i := range objectives {
		if objectives[i].ID == id {
			objectives[i].Status = status
			if err := putJSON(ctx, s.store, objectivesKey, objectives); err != nil {
				return models.Objective{}, err
			}
			return objectives[i], nil
		}
	}
	return models.Objective{}, ErrNotFound
}
