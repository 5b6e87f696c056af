package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"medstudy/internal/learning"
	"medstudy/internal/logger"
	"medstudy/internal/models"
)

const slideImage = "data:image/png;base64,aGlzdG8="

func TestHistologyService_Identify(t *testing.T) {
	llm := staticCompleter("```json\n" + `{"topic":"Renal","subtopic":"Glomerulus","stem":"What is shown?","choices":{"A":"Glomerulus","B":"Loop of Henle","C":"Collecting duct","D":"Ureter"},"correct":"A","explanation":"Capillary tuft"}` + "\n```")
	svc := NewHistologyService(llm, logger.Nop())

	q, err := svc.Identify(context.Background(), slideImage)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if q.Type != models.TypeImage || q.Subtopic != "Glomerulus" || *q.Correct != "A" || !q.Playable() {
		t.Fatalf("unexpected question %+v", q)
	}
	if q.QuestionPageImage != slideImage || !strings.HasPrefix(q.ID, "histo-") {
		t.Fatalf("image and id should be set: %+v", q)
	}
	calls := llm.Calls()
	if len(calls) != 1 || len(calls[0].Images) != 1 {
		t.Fatalf("expected one vision call with one image, got %+v", calls)
	}
}

func TestHistologyService_Defensive(t *testing.T) {
	svc := NewHistologyService(staticCompleter("I am not sure what this is."), nil)
	q, err := svc.Identify(context.Background(), slideImage)
	if err != nil {
		t.Fatalf("unparseable response must not error: %v", err)
	}
	if q.Playable() || q.HasAnswerKey() || q.Stem != histologyStem {
		t.Fatalf("expected an empty question, got %+v", q)
	}

	if _, err := svc.Identify(context.Background(), "not-an-image"); err == nil {
		t.Fatal("expected error for non image input")
	}
	if _, err := NewHistologyService(nil, nil).Identify(context.Background(), slideImage); !errors.Is(err, ErrAIUnavailable) {
		t.Fatalf("expected ErrAIUnavailable, got %v", err)
	}
}

func TestDeepLearnService_Run(t *testing.T) {
	call := 0
	llm := &fakeCompleter{respond: func(p Prompt) (string, error) {
		call++
		switch call {
		case 2:
			return "no json at all", nil
		case 4:
			return "", errors.New("timeout")
		}
		return `{"phase":` + strings.Repeat("1", call) + `}`, nil
	}}
	svc := NewDeepLearnService(llm, logger.Nop())

	var streamed []string
	results, err := svc.Run(context.Background(), "Heart failure", func(r DeepLearnResult) {
		streamed = append(streamed, r.Phase)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 6 || len(llm.Calls()) != 6 {
		t.Fatalf("expected six phases, got %d results and %d calls", len(results), len(llm.Calls()))
	}
	want := []string{"overview", "mechanism", "clinical", "compare", "practice", "recall"}
	for i, r := range results {
		if r.Index != i+1 || r.Phase != want[i] || streamed[i] != want[i] {
			t.Fatalf("phase %d out of order: %+v", i, r)
		}
		if !strings.Contains(llm.Calls()[i].User, "Heart failure") {
			t.Fatalf("phase %d prompt missing topic", i)
		}
	}
	if results[1].Generated || string(results[1].Content) != "{}" {
		t.Fatalf("unparseable phase should be empty: %+v", results[1])
	}
	if results[3].Generated || string(results[3].Content) != "{}" {
		t.Fatalf("failed phase should be empty: %+v", results[3])
	}
	if !results[5].Generated || string(results[5].Content) != `{"phase":111111}` {
		t.Fatalf("unexpected last phase %s", results[5].Content)
	}

	if _, err := NewDeepLearnService(nil, nil).Run(context.Background(), "x", nil); !errors.Is(err, ErrAIUnavailable) {
		t.Fatalf("expected ErrAIUnavailable, got %v", err)
	}
}

func TestQuizService_Generate(t *testing.T) {
	store := newTestKV(t)
	profiles := NewProfileService(store, nil)
	ctx := context.Background()
	if _, err := profiles.RecordAnswer(ctx, learning.Answer{Topic: "Cardiology", Subtopic: "Arrhythmia", QuestionType: "clinicalVignette"}); err != nil {
		t.Fatal(err)
	}

	llm := staticCompleter(`{"questions":[
		{"stem":"A 70-year-old man has palpitations.","choices":{"A":"AF","B":"VT"},"correct":"A","type":"clinicalVignette"},
		{"stem":"No choices here","choices":{}},
		{"stem":"Which drug prolongs QT?","choices":["Sotalol","Metoprolol"],"correct":"A","topic":"Pharm"},
		{"stem":"Third playable","choices":{"A":"x","B":"y"}}
	]}`)
	svc := NewQuizService(llm, profiles, logger.Nop())

	questions, err := svc.Generate(ctx, "Cardiology", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 playable questions, got %d", len(questions))
	}
	if questions[0].Topic != "Cardiology" || questions[1].Topic != "Pharm" || !strings.HasPrefix(questions[0].ID, "gen-") {
		t.Fatalf("unexpected questions %+v", questions)
	}
	system := llm.Calls()[0].System
	if !strings.Contains(system, "Cardiology — Arrhythmia") {
		t.Fatalf("system prompt should carry weak topics, got %q", system)
	}

	empty, err := NewQuizService(staticCompleter("sorry"), profiles, nil).Generate(ctx, "Renal", 5)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unparseable output should give no questions: %v %v", empty, err)
	}
}
