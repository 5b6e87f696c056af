package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"medstudy/internal/models"
)

const bankPrefix = "bank:"

// BankSummary is the list view of a stored question bank.
type BankSummary struct {
	Name          string        `json:"name"`
	Format        models.Format `json:"format"`
	QuestionCount int           `json:"questionCount"`
	CreatedAt     time.Time     `json:"createdAt"`
	Legacy        bool          `json:"legacy,omitempty"`
}

// BankService stores one question bank per file under its own key.
type BankService struct {
	store KVStore
}

func NewBankService(store KVStore) *BankService {
	return &BankService{store: store}
}

func (s *BankService) Save(ctx context.Context, bank models.QuestionBank) error {
	if strings.TrimSpace(bank.Name) == "" {
		return errors.New("bank name is required")
	}
	if bank.CreatedAt.IsZero() {
		bank.CreatedAt = time.Now().UTC()
	}
	bank.Legacy = false
	return putJSON(ctx, s.store, bankPrefix+bank.Name, bank)
}

// Get returns a stored bank, falling back to read-only legacy entries kept in
// the profile's uploadedExamPatterns.
func (s *BankService) Get(ctx context.Context, name string) (models.QuestionBank, error) {
	var bank models.QuestionBank
	err := getJSON(ctx, s.store, bankPrefix+name, &bank)
	if err == nil {
		return bank, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.QuestionBank{}, err
	}

	legacy, err := s.legacyBanks(ctx)
	if err != nil {
		return models.QuestionBank{}, err
	}
	for _, lb := range legacy {
		if lb.Name == name {
			return lb, nil
		}
	}
	return models.QuestionBank{}, ErrNotFound
}

// List returns current banks followed by legacy ones, each sorted by name.
func (s *BankService) List(ctx context.Context) ([]BankSummary, error) {
	entries, err := s.store.List(ctx, bankPrefix)
	if err != nil {
		return nil, err
	}

	current := make(map[string]bool, len(entries))
	summaries := make([]BankSummary, 0, len(entries))
	for key, raw := range entries {
		var bank models.QuestionBank
		if err := json.Unmarshal(raw, &bank); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		current[bank.Name] = true
		summaries = append(summaries, summarize(bank))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	legacy, err := s.legacyBanks(ctx)
	if err != nil {
		return nil, err
	}
	for _, lb := range legacy {
		if !current[lb.Name] {
			summaries = append(summaries, summarize(lb))
		}
	}
	return summaries, nil
}

func (s *BankService) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, bankPrefix+name)
}

func summarize(b models.QuestionBank) BankSummary {
	return BankSummary{
		Name:          b.Name,
		Format:        b.Format,
		QuestionCount: len(b.Questions),
		CreatedAt:     b.CreatedAt,
		Legacy:        b.Legacy,
	}
}

type legacyPattern struct {
	ExamTitle  string            `json:"examTitle"`
	FileName   string            `json:"fileName"`
	Format     models.Format     `json:"format"`
	Questions  []models.Question `json:"questions"`
	UploadedAt time.Time         `json:"uploadedAt"`
}

func (p legacyPattern) bank(fallbackName string) models.QuestionBank {
	name := p.ExamTitle
	if name == "" {
		name = p.FileName
	}
	if name == "" {
		name = fallbackName
	}
	return models.QuestionBank{
		Name:      name,
		Format:    p.Format,
		Questions: p.Questions,
		CreatedAt: p.UploadedAt,
		Legacy:    true,
	}
}

// legacyBanks decodes uploadedExamPatterns, which older clients stored either
// as an examTitle-keyed object or as an array of entries.
func (s *BankService) legacyBanks(ctx context.Context) ([]models.QuestionBank, error) {
	var holder struct {
		UploadedExamPatterns json.RawMessage `json:"uploadedExamPatterns"`
	}
	if err := getJSON(ctx, s.store, profileKey, &holder); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	raw := holder.UploadedExamPatterns
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var banks []models.QuestionBank
	var byTitle map[string]legacyPattern
	if err := json.Unmarshal(raw, &byTitle); err == nil {
		for title, p := range byTitle {
			if p.ExamTitle == "" {
				p.ExamTitle = title
			}
			banks = append(banks, p.bank(title))
		}
	} else {
		var list []legacyPattern
		if err := json.Unmarshal(raw, &list); err != nil {
			// Unknown legacy shapes are ignored.
			return nil, nil
		}
		for i, p := range list {
			banks = append(banks, p.bank(fmt.Sprintf("legacy-%d", i+1)))
		}
	}
	sort.Slice(banks, func(i, j int) bool { return banks[i].Name < banks[j].Name })
	return banks, nil
}
