package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/models"
)

type ingestionFixture struct {
	docs      *DocumentService
	banks     *BankService
	ingestion *IngestionService
}

func newIngestionFixture(t *testing.T, llm Completer) ingestionFixture {
	t.Helper()
	conn := newTestDB(t)
	h := DefaultHeuristics()
	docs := NewDocumentService(conn, filepath.Join(t.TempDir(), "uploads"))
	banks := NewBankService(NewSQLiteKV(conn))
	parser := NewParserService(llm, h, 2, logger.Nop(), metrics.New())
	return ingestionFixture{
		docs:      docs,
		banks:     banks,
		ingestion: NewIngestionService(docs, NewPDFService(), NewOCRService(llm, h, 1, nil, nil), parser, banks, h, logger.Nop(), metrics.New()),
	}
}

func TestDocumentService_CreateRejectsUnsupported(t *testing.T) {
	docs := NewDocumentService(newTestDB(t), t.TempDir())
	if _, err := docs.Create(context.Background(), "slides.pptx", strings.NewReader("x")); !errors.Is(err, ErrUnsupportedFile) {
		t.Fatalf("expected ErrUnsupportedFile, got %v", err)
	}
}

func TestIngestionService_TextUpload(t *testing.T) {
	f := newIngestionFixture(t, transcribingCompleter())
	ctx := context.Background()
	exam, stems := fixtureExam(6)

	doc, err := f.docs.Create(ctx, "pharm-block.txt", strings.NewReader(exam))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(doc.StoredPath); err != nil {
		t.Fatalf("upload not stored: %v", err)
	}
	if filepath.Base(doc.StoredPath) == "pharm-block.txt" {
		t.Fatal("stored name should not reuse the original name")
	}

	var steps []string
	var last int
	result, err := f.ingestion.Process(ctx, doc, func(step, _ string, current, total int) {
		steps = append(steps, step)
		if current < last || total != 100 {
			t.Errorf("progress went backwards or changed scale: %d/%d after %d", current, total, last)
		}
		last = current
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Format != models.FormatStandard || result.Questions != len(stems) || result.Status != models.DocumentComplete {
		t.Fatalf("unexpected result %+v", result)
	}
	if steps[0] != "extract" || steps[len(steps)-1] != "complete" || last != 100 {
		t.Fatalf("unexpected progress steps %v (last %d)", steps, last)
	}

	bank, err := f.banks.Get(ctx, "pharm-block.txt")
	if err != nil {
		t.Fatalf("bank not saved: %v", err)
	}
	for i, q := range bank.Questions {
		if q.Stem != stems[i] {
			t.Fatalf("question %d out of order: %q", i, q.Stem)
		}
	}

	stored, err := f.docs.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if stored.Status != models.DocumentComplete || stored.QuestionCount != len(stems) || stored.PageCount != 1 {
		t.Fatalf("document not finished: %+v", stored)
	}
}

func TestIngestionService_EmptyResult(t *testing.T) {
	f := newIngestionFixture(t, staticCompleter(`{"questions":[]}`))
	ctx := context.Background()

	doc, err := f.docs.Create(ctx, "notes.txt", strings.NewReader("Lecture 4: the nephron and its segments."))
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.ingestion.Process(ctx, doc, nil)
	if err != nil {
		t.Fatalf("empty documents are not failures: %v", err)
	}
	if result.Status != models.DocumentEmpty || result.Bank != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := f.banks.Get(ctx, "notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no bank should be saved, got %v", err)
	}
	stored, _ := f.docs.GetByID(ctx, doc.ID)
	if stored.Status != models.DocumentEmpty || stored.Message != "No questions found" {
		t.Fatalf("unexpected document %+v", stored)
	}
}

func TestIngestionService_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("unreadable pdf", func(t *testing.T) {
		f := newIngestionFixture(t, transcribingCompleter())
		doc, err := f.docs.Create(ctx, "broken.pdf", strings.NewReader("%PDF-1.4 this is not a pdf"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.ingestion.Process(ctx, doc, nil); !errors.Is(err, ErrDocumentUnreadable) {
			t.Fatalf("expected ErrDocumentUnreadable, got %v", err)
		}
		stored, _ := f.docs.GetByID(ctx, doc.ID)
		if stored.Status != models.DocumentFailed || stored.Message == "" {
			t.Fatalf("document should be marked failed: %+v", stored)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		f := newIngestionFixture(t, nil)
		exam, _ := fixtureExam(3)
		doc, err := f.docs.Create(ctx, "exam.txt", strings.NewReader(exam))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.ingestion.Process(ctx, doc, nil); !errors.Is(err, ErrAIUnavailable) {
			t.Fatalf("expected ErrAIUnavailable, got %v", err)
		}
		stored, _ := f.docs.GetByID(ctx, doc.ID)
		if stored.Status != models.DocumentFailed {
			t.Fatalf("document should be marked failed: %+v", stored)
		}
	})
}

func TestDocumentService_List(t *testing.T) {
	docs := NewDocumentService(newTestDB(t), t.TempDir())
	ctx := context.Background()
	for _, name := range []string{"a.txt", "b.txt", "c.pdf"} {
		if _, err := docs.Create(ctx, name, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}
	list, err := docs.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].OriginalName != "c.pdf" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if _, err := docs.GetByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestDocumentService_CreateCleansUpOnFailure(t *testing.T) {
	ctx := context.Background()
	conn := newTestDB(t)
	dir := t.TempDir()
	docs := NewDocumentService(conn, dir)

	if _, err := docs.Create(ctx, "exam.pdf", failingReader{}); err == nil {
		t.Fatal("expected a write error")
	}
	conn.Close()
	if _, err := docs.Create(ctx, "exam.pdf", strings.NewReader("%PDF-1.4")); err == nil {
		t.Fatal("expected an insert error on a closed database")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed uploads should not leave files behind, found %d", len(entries))
	}
}
