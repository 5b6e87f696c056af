package api

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"medstudy/internal/models"
	"medstudy/internal/services"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"

	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusComplete   = "complete"
	FileStatusEmpty      = "empty"
	FileStatusError      = "error"
)

// DocumentResult is the outcome of one uploaded file.
type DocumentResult struct {
	DocumentID int64                     `json:"documentId,omitempty"`
	Name       string                    `json:"name"`
	Status     string                    `json:"status"`
	Message    string                    `json:"message,omitempty"`
	Ingestion  *services.IngestionResult `json:"ingestion,omitempty"`
}

// UploadJob tracks an asynchronous ingestion request across its files.
type UploadJob struct {
	ID             string           `json:"jobId"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Files          []FileProgress   `json:"files"`
	Results        []DocumentResult `json:"results,omitempty"`
	QuestionsFound int              `json:"questionsFound"`
}

// FileProgress is the per-file state clients poll.
type FileProgress struct {
	Index   int             `json:"index"`
	Name    string          `json:"name"`
	Status  string          `json:"status"`
	Step    string          `json:"step,omitempty"`
	Message string          `json:"message,omitempty"`
	Current int             `json:"current"`
	Total   int             `json:"total"`
	Percent int             `json:"percent"`
	Result  *DocumentResult `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (f *FileProgress) advance(status, step, message string, current, total int) {
	f.Status = status
	f.Step = step
	f.Message = message
	f.Current = current
	f.Total = total
	f.Percent = percent(current, total)
}

// JobManager keeps upload jobs in memory for the life of the process.
type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*UploadJob
}

func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]*UploadJob)}
}

func (m *JobManager) CreateJob(fileNames []string) (string, *UploadJob) {
	now := time.Now().UTC()
	job := &UploadJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Files:     make([]FileProgress, len(fileNames)),
	}
	for i, name := range fileNames {
		job.Files[i] = FileProgress{Index: i, Name: name, Status: FileStatusPending}
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job.ID, job.snapshot()
}

func (m *JobManager) GetJob(id string) (*UploadJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[id]; ok {
		return job.snapshot(), true
	}
	return nil, false
}

func (m *JobManager) MarkProcessing(id string) {
	m.update(id, func(job *UploadJob) { job.Status = JobStatusProcessing })
}

func (m *JobManager) MarkCompleted(id string) {
	m.update(id, func(job *UploadJob) { job.Status = JobStatusComplete })
}

func (m *JobManager) MarkFileStarted(id string, index int) {
	m.updateFile(id, index, func(_ *UploadJob, f *FileProgress) {
		f.advance(FileStatusProcessing, "", "Starting", 0, 100)
		f.Error = ""
	})
}

func (m *JobManager) UpdateFileProgress(id string, index int, step, message string, current, total int) {
	m.updateFile(id, index, func(_ *UploadJob, f *FileProgress) {
		f.advance(FileStatusProcessing, step, message, current, total)
	})
}

// MarkFileComplete records a finished document. result.Status is complete or
// empty depending on whether questions were found.
func (m *JobManager) MarkFileComplete(id string, index int, result DocumentResult) {
	m.finishFile(id, index, "complete", "", result)
}

// MarkFileError records a failed document; a blank message becomes
// "processing error".
func (m *JobManager) MarkFileError(id string, index int, message string, result DocumentResult) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "processing error"
	}
	result.Status = FileStatusError
	if result.Message == "" {
		result.Message = msg
	}
	m.finishFile(id, index, "error", msg, result)
}

func (m *JobManager) finishFile(id string, index int, step, errMsg string, result DocumentResult) {
	m.update(id, func(job *UploadJob) {
		if f := job.file(index); f != nil {
			message := result.Message
			if errMsg != "" {
				message = errMsg
			}
			f.advance(result.Status, step, message, 100, 100)
			f.Error = errMsg
			f.Result = result.copy()
		}
		job.Results = append(job.Results, result)
		if result.Ingestion != nil {
			job.QuestionsFound += result.Ingestion.Questions
		}
	})
}

func (m *JobManager) updateFile(id string, index int, fn func(*UploadJob, *FileProgress)) {
	m.update(id, func(job *UploadJob) {
		if f := job.file(index); f != nil {
			fn(job, f)
		}
	})
}

func (m *JobManager) update(id string, fn func(*UploadJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = time.Now().UTC()
	}
}

func (job *UploadJob) file(index int) *FileProgress {
	if index < 0 || index >= len(job.Files) {
		return nil
	}
	return &job.Files[index]
}

// snapshot deep-copies the job so callers can encode it without holding the lock.
func (job *UploadJob) snapshot() *UploadJob {
	out := *job
	out.Files = slices.Clone(job.Files)
	for i := range out.Files {
		if r := out.Files[i].Result; r != nil {
			out.Files[i].Result = r.copy()
		}
	}
	out.Results = nil
	for _, r := range job.Results {
		out.Results = append(out.Results, *r.copy())
	}
	return &out
}

func (r DocumentResult) copy() *DocumentResult {
	if r.Ingestion != nil {
		ing := *r.Ingestion
		r.Ingestion = &ing
	}
	return &r
}

// fileStatus maps a finished document onto the job file states.
func fileStatus(status models.DocumentStatus) string {
	switch status {
	case models.DocumentEmpty:
		return FileStatusEmpty
	case models.DocumentFailed:
		return FileStatusError
	default:
		return FileStatusComplete
	}
}

func percent(current, total int) int {
	switch {
	case total <= 0:
		return min(max(current, 0), 100)
	case current >= total:
		return 100
	}
	return max(current, 0) * 100 / total
}
