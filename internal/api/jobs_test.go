package api

import (
	"testing"

	"medstudy/internal/models"
	"medstudy/internal/services"
)

func TestJobManager_Transitions(t *testing.T) {
	m := NewJobManager()
	id, snapshot := m.CreateJob([]string{"a.pdf", "b.pdf"})
	if snapshot.Status != JobStatusPending || snapshot.Files[1].Status != FileStatusPending {
		t.Fatalf("unexpected initial job %+v", snapshot)
	}

	m.MarkProcessing(id)
	m.MarkFileStarted(id, 0)
	m.UpdateFileProgress(id, 0, "parse", "Chunk 1 of 4", 45, 100)

	job, ok := m.GetJob(id)
	if !ok || job.Status != JobStatusProcessing {
		t.Fatalf("expected processing job, got %+v", job)
	}
	if f := job.Files[0]; f.Status != FileStatusProcessing || f.Step != "parse" || f.Percent != 45 {
		t.Fatalf("unexpected progress %+v", f)
	}

	m.MarkFileComplete(id, 0, DocumentResult{
		Name:      "a.pdf",
		Status:    fileStatus(models.DocumentEmpty),
		Message:   "No questions found",
		Ingestion: &services.IngestionResult{Status: models.DocumentEmpty},
	})
	m.MarkFileError(id, 1, "  ", DocumentResult{Name: "b.pdf"})
	m.MarkFileStarted(id, 7)
	m.MarkCompleted(id)

	job, _ = m.GetJob(id)
	if job.Status != JobStatusComplete || len(job.Results) != 2 {
		t.Fatalf("unexpected final job %+v", job)
	}
	if job.Files[0].Status != FileStatusEmpty || job.Files[0].Message != "No questions found" {
		t.Fatalf("empty file state wrong: %+v", job.Files[0])
	}
	if f := job.Files[1]; f.Status != FileStatusError || f.Error != "processing error" || job.Results[1].Status != FileStatusError {
		t.Fatalf("error file state wrong: %+v", f)
	}

	// Snapshots are copies.
	job.Files[0].Result.Ingestion.Questions = 99
	again, _ := m.GetJob(id)
	if again.Files[0].Result.Ingestion.Questions != 0 {
		t.Fatal("snapshot mutation leaked into the manager")
	}

	if _, ok := m.GetJob("missing"); ok {
		t.Fatal("unknown job should not be found")
	}
}

func TestJobManager_QuestionsFound(t *testing.T) {
	m := NewJobManager()
	id, _ := m.CreateJob([]string{"cardio.pdf", "renal.pdf", "broken.pdf"})
	for i, n := range []int{12, 7} {
		m.MarkFileComplete(id, i, DocumentResult{
			Status:    FileStatusComplete,
			Ingestion: &services.IngestionResult{Questions: n, Status: models.DocumentComplete},
		})
	}
	m.MarkFileError(id, 2, "unreadable", DocumentResult{Name: "broken.pdf"})

	job, _ := m.GetJob(id)
	if job.QuestionsFound != 19 {
		t.Fatalf("expected 19 questions across the job, got %d", job.QuestionsFound)
	}
	if f := job.Files[2]; f.Message != "unreadable" || f.Percent != 100 || f.Step != "error" {
		t.Fatalf("unexpected failed file %+v", f)
	}
}

func TestPercentAndFileStatus(t *testing.T) {
	tests := []struct {
		current, total, want int
	}{
		{0, 100, 0},
		{45, 100, 45},
		{3, 4, 75},
		{5, 4, 100},
		{150, 0, 100},
		{-2, 0, 0},
	}
	for _, tc := range tests {
		if got := percent(tc.current, tc.total); got != tc.want {
			t.Errorf("percent(%d, %d) = %d, want %d", tc.current, tc.total, got, tc.want)
		}
	}

	if fileStatus(models.DocumentComplete) != FileStatusComplete || fileStatus(models.DocumentFailed) != FileStatusError {
		t.Fatal("unexpected file status mapping")
	}
}
