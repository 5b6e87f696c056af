package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"medstudy/internal/learning"
	"medstudy/internal/metrics"
)

const profileKey = "learning_profile"

// ProfileService persists the learning profile. RecordAnswer runs the pure
// reducer under a lock so concurrent answers are never lost.
type ProfileService struct {
	store   KVStore
	metrics *metrics.Metrics
	mu      sync.Mutex
	now     func() time.Time
}

func NewProfileService(store KVStore, m *metrics.Metrics) *ProfileService {
	return &ProfileService{store: store, metrics: m, now: time.Now}
}

// Load returns the stored profile merged over defaults, or a fresh profile.
func (s *ProfileService) Load(ctx context.Context) (learning.Profile, error) {
	var p learning.Profile
	if err := getJSON(ctx, s.store, profileKey, &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return learning.NewProfile(), nil
		}
		return learning.Profile{}, err
	}
	return learning.WithDefaults(p), nil
}

func (s *ProfileService) Save(ctx context.Context, p learning.Profile) error {
	return putJSON(ctx, s.store, profileKey, p)
}

func (s *ProfileService) RecordAnswer(ctx context.Context, a learning.Answer) (learning.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Load(ctx)
	if err != nil {
		return learning.Profile{}, err
	}
	if a.At.IsZero() {
		a.At = s.now().UTC()
	}
	next := learning.RecordAnswer(current, a)
	if err := s.Save(ctx, next); err != nil {
		return learning.Profile{}, err
	}
	if s.metrics != nil {
		s.metrics.AnswersRecorded.WithLabelValues(strconv.FormatBool(a.WasCorrect)).Inc()
	}
	return next, nil
}

// Reset discards learning progress. Legacy uploaded banks stored on the
// profile survive the reset.
func (s *ProfileService) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if len(current.UploadedExamPatterns) > 0 {
		fresh := learning.NewProfile()
		fresh.UploadedExamPatterns = current.UploadedExamPatterns
		return s.Save(ctx, fresh)
	}
	if err := s.store.Delete(ctx, profileKey); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// SystemPrompt renders the current profile as generation guidance.
func (s *ProfileService) SystemPrompt(ctx context.Context) (string, error) {
	p, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return learning.BuildSystemPrompt(p), nil
}
