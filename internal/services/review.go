package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"medstudy/internal/models"
)

const confidencePrefix = "confidence:"

// ErrInvalidRating is returned for ratings other than again, hard, good or easy.
var ErrInvalidRating = errors.New("invalid rating")

// ReviewService schedules confidence ratings on individual questions with FSRS.
type ReviewService struct {
	store  KVStore
	params fsrs.Parameters
	now    func() time.Time
}

func NewReviewService(store KVStore) *ReviewService {
	return &ReviewService{store: store, params: fsrs.DefaultParam(), now: time.Now}
}

// ParseRating accepts a rating name or its number (1-4).
func ParseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again", "1":
		return fsrs.Again, nil
	case "hard", "2":
		return fsrs.Hard, nil
	case "good", "3":
		return fsrs.Good, nil
	case "easy", "4":
		return fsrs.Easy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRating, raw)
}

func confidenceKey(bank, questionID string) string {
	return confidencePrefix + bank + "/" + questionID
}

// Rate applies rating to the question's schedule, creating it on first use.
func (s *ReviewService) Rate(ctx context.Context, bank, questionID string, rating fsrs.Rating) (models.ReviewState, error) {
	if bank == "" || questionID == "" {
		return models.ReviewState{}, errors.New("bank and question id are required")
	}
	now := s.now().UTC()

	state := models.ReviewState{Bank: bank, QuestionID: questionID, Due: now, State: int(fsrs.New)}
	if err := getJSON(ctx, s.store, confidenceKey(bank, questionID), &state); err != nil && !errors.Is(err, ErrNotFound) {
		return models.ReviewState{}, err
	}

	scheduling := s.params.Repeat(state.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		return models.ReviewState{}, fmt.Errorf("%w: %d", ErrInvalidRating, rating)
	}
	state.ApplyFSRSCard(info.Card)
	state.LastRating = int(rating)

	if err := putJSON(ctx, s.store, confidenceKey(bank, questionID), state); err != nil {
		return models.ReviewState{}, err
	}
	return state, nil
}

// Due lists rated questions whose next review is at or before now, oldest first.
func (s *ReviewService) Due(ctx context.Context, limit int) ([]models.ReviewState, error) {
	entries, err := s.store.List(ctx, confidencePrefix)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	var due []models.ReviewState
	for key, raw := range entries {
		var state models.ReviewState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if !state.Due.After(now) {
			due = append(due, state)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].Bank+due[i].QuestionID < due[j].Bank+due[j].QuestionID
		}
		return due[i].Due.Before(due[j].Due)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ForgetBank drops every schedule recorded for questions of bank.
func (s *ReviewService) ForgetBank(ctx context.Context, bank string) error {
	entries, err := s.store.List(ctx, confidencePrefix+bank+"/")
	if err != nil {
		return err
	}
	for key := range entries {
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// RatingName is the lowercase name of a rating.
func RatingName(r fsrs.Rating) string {
	switch r {
	case fsrs.Again:
		return "again"
	case fsrs.Hard:
		return "hard"
	case fsrs.Good:
		return "good"
	case fsrs.Easy:
		return "easy"
	}
	return strconv.Itoa(int(r))
}
