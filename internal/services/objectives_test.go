package services

import (
	"context"
	"errors"
	"testing"

	"medstudy/internal/logger"
	"medstudy/internal/models"
)

func TestObjectivesService(t *testing.T) {
	ctx := context.Background()
	llm := staticCompleter(`Sure! {"objectives":[
		{"text":"Describe the renin-angiotensin system","topic":"Renal"},
		{"text":"describe the renin-angiotensin system","topic":"Renal"},
		{"text":"  ","topic":"x"},
		{"text":"List causes of metabolic acidosis","topic":"Acid-base"}
	]}`)
	svc := NewObjectivesService(newTestKV(t), llm, logger.Nop())

	list, err := svc.List(ctx)
	if err != nil || len(list) != 0 || list == nil {
		t.Fatalf("expected empty non-nil list, got %v %v", list, err)
	}

	added, err := svc.Extract(ctx, "lecture notes")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(added) != 2 || added[0].Status != models.ObjectiveUntested || added[0].ID == "" {
		t.Fatalf("unexpected objectives %+v", added)
	}

	again, err := svc.Extract(ctx, "same notes")
	if err != nil || len(again) != 0 {
		t.Fatalf("re-extracting should add nothing: %+v %v", again, err)
	}

	updated, err := svc.SetStatus(ctx, added[1].ID, models.ObjectiveStruggling)
	if err != nil || updated.Status != models.ObjectiveStruggling {
		t.Fatalf("set status: %+v %v", updated, err)
	}
	list, _ = svc.List(ctx)
	if len(list) != 2 || list[1].Status != models.ObjectiveStruggling {
		t.Fatalf("status not persisted: %+v", list)
	}

	if _, err := svc.SetStatus(ctx, added[0].ID, "done"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, "nope", models.ObjectiveMastered); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestObjectivesService_UnparseableAndUnavailable(t *testing.T) {
	ctx := context.Background()
	svc := NewObjectivesService(newTestKV(t), staticCompleter("no objectives here"), nil)
	added, err := svc.Extract(ctx, "notes")
	if err != nil || len(added) != 0 {
		t.Fatalf("unparseable response should add nothing: %v %v", added, err)
	}

	svc = NewObjectivesService(newTestKV(t), nil, nil)
	if _, err := svc.Extract(ctx, "notes"); !errors.Is(err, ErrAIUnavailable) {
		t.Fatalf("expected ErrAIUnavailable, got %v", err)
	}
}

func TestBookmarkService(t *testing.T) {
	ctx := context.Background()
	svc := NewBookmarkService(newTestKV(t))

	for _, id := range []string{"q3", "q1", "q3"} {
		if err := svc.Add(ctx, "cardio.pdf", id); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := svc.Add(ctx, "renal.pdf", "q9"); err != nil {
		t.Fatal(err)
	}

	marks, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := marks["cardio.pdf"]; len(got) != 2 || got[0] != "q1" || got[1] != "q3" {
		t.Fatalf("unexpected cardio bookmarks %v", got)
	}

	if err := svc.Remove(ctx, "renal.pdf", "q9"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	marks, _ = svc.List(ctx)
	if _, ok := marks["renal.pdf"]; ok {
		t.Fatal("empty bank entry should be dropped")
	}

	if err := svc.RemoveBank(ctx, "cardio.pdf"); err != nil {
		t.Fatalf("remove bank: %v", err)
	}
	if marks, _ = svc.List(ctx); len(marks) != 0 {
		t.Fatalf("bank bookmarks should be gone: %v", marks)
	}
}
