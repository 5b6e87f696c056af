package services

import (
	"context"
	"errors"
	"slices"
	"sync"
)

const bookmarksKey = "bookmarks"

// BookmarkService keeps the bookmarked question ids of every bank.
type BookmarkService struct {
	store KVStore
	mu    sync.Mutex
}

func NewBookmarkService(store KVStore) *BookmarkService {
	return &BookmarkService{store: store}
}

// List returns bank name to sorted question ids.
func (s *BookmarkService) List(ctx context.Context) (map[string][]string, error) {
	marks := make(map[string][]string)
	if err := getJSON(ctx, s.store, bookmarksKey, &marks); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return marks, nil
}

func (s *BookmarkService) Add(ctx context.Context, bank, questionID string) error {
	return s.update(ctx, func(marks map[string][]string) {
		ids := marks[bank]
		if !slices.Contains(ids, questionID) {
			ids = append(ids, questionID)
			slices.Sort(ids)
		}
		marks[bank] = ids
	})
}

func (s *BookmarkService) Remove(ctx context.Context, bank, questionID string) error {
	return s.update(ctx, func(marks map[string][]string) {
		ids := slices.DeleteFunc(marks[bank], func(id string) bool { return id == questionID })
		if len(ids) == 0 {
			delete(marks, bank)
			return
		}
		marks[bank] = ids
	})
}

// RemoveBank drops every bookmark of bank.
func (s *BookmarkService) RemoveBank(ctx context.Context, bank string) error {
	return s.update(ctx, func(marks map[string][]string) {
		delete(marks, bank)
	})
}

func (s *BookmarkService) update(ctx context.Context, fn func(map[string][]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks, err := s.List(ctx)
	if err != nil {
		return err
	}
	fn(marks)
	return putJSON(ctx, s.store, bookmarksKey, marks)
}
