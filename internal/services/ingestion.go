package services

import (
	"context"
	"fmt"
	"time"

	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/models"
)

// IngestionResult summarizes one processed document.
type IngestionResult struct {
	DocumentID int64                 `json:"documentId"`
	Bank       string                `json:"bank"`
	Format     models.Format         `json:"format"`
	Reason     string                `json:"reason"`
	Pages      int                   `json:"pages"`
	Questions  int                   `json:"questions"`
	Status     models.DocumentStatus `json:"status"`
}

// IngestionService coordinates page extraction, classification, parsing and
// bank persistence for one document.
type IngestionService struct {
	documents  *DocumentService
	pdf        *PDFService
	ocr        *OCRService
	parser     *ParserService
	banks      *BankService
	heuristics Heuristics
	log        *logger.Logger
	metrics    *metrics.Metrics
}

func NewIngestionService(
	documents *DocumentService,
	pdf *PDFService,
	ocr *OCRService,
	parser *ParserService,
	banks *BankService,
	heuristics Heuristics,
	log *logger.Logger,
	m *metrics.Metrics,
) *IngestionService {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestionService{
		documents:  documents,
		pdf:        pdf,
		ocr:        ocr,
		parser:     parser,
		banks:      banks,
		heuristics: heuristics,
		log:        log,
		metrics:    m,
	}
}

func (s *IngestionService) countJob(status string) {
	if s.metrics != nil {
		s.metrics.IngestJobs.WithLabelValues(status).Inc()
	}
}

// Process runs the whole pipeline. Unreadable documents and missing
// credentials fail the job; zero questions is a successful "empty" result.
func (s *IngestionService) Process(ctx context.Context, doc *models.Document, progress ProgressCallback) (*IngestionResult, error) {
	log := s.log.With("document", doc.OriginalName, "document_id", doc.ID)
	started := time.Now()

	fail := func(err error) (*IngestionResult, error) {
		doc.Status = models.DocumentFailed
		doc.Message = err.Error()
		if ferr := s.documents.Finish(context.WithoutCancel(ctx), doc); ferr != nil {
			log.Error("failed to record document failure", "error", ferr)
		}
		s.countJob("failed")
		log.Warn("document processing failed", "error", err)
		return nil, err
	}

	progress.report("extract", "Reading pages", 0, 100)
	pages, err := s.pdf.ExtractPages(ctx, doc.StoredPath)
	if err != nil {
		return fail(err)
	}
	doc.PageCount = len(pages)

	if s.ocr != nil && s.ocr.Scanned(pages) {
		log.Info("no text layer found, transcribing pages", "pages", len(pages))
		progress.report("ocr", "Transcribing scanned pages", 5, 100)
		if pages, err = s.ocr.Transcribe(ctx, pages, nil); err != nil {
			return fail(fmt.Errorf("transcribe scanned pages: %w", err))
		}
	}

	classification := Classify(JoinPageText(pages), pages, s.heuristics)
	doc.Format = classification.Format
	log.Info("classified document", "format", classification.Format, "reason", classification.Reason, "pages", len(pages))
	progress.report("classify", fmt.Sprintf("Detected %s layout (%s)", classification.Format, classification.Reason), 10, 100)

	parseProgress := func(step, message string, current, total int) {
		pct := 10
		if total > 0 {
			pct = 10 + 80*current/total
		}
		progress.report(step, message, pct, 100)
	}
	questions, err := s.parser.Parse(ctx, classification.Format, pages, parseProgress)
	if err != nil {
		return fail(fmt.Errorf("parse %s document: %w", classification.Format, err))
	}

	result := &IngestionResult{
		DocumentID: doc.ID,
		Format:     classification.Format,
		Reason:     classification.Reason,
		Pages:      len(pages),
		Questions:  len(questions),
	}

	if len(questions) == 0 {
		doc.Status = models.DocumentEmpty
		doc.Message = "No questions found"
	} else {
		progress.report("save", fmt.Sprintf("Saving %d questions", len(questions)), 90, 100)
		bank := models.QuestionBank{
			Name:      doc.OriginalName,
			Format:    classification.Format,
			Questions: questions,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.banks.Save(ctx, bank); err != nil {
			return fail(fmt.Errorf("save question bank: %w", err))
		}
		result.Bank = bank.Name
		doc.Status = models.DocumentComplete
		doc.Message = fmt.Sprintf("Extracted %d questions", len(questions))
	}
	doc.QuestionCount = len(questions)
	result.Status = doc.Status

	if err := s.documents.Finish(ctx, doc); err != nil {
		return fail(err)
	}
	s.countJob(string(doc.Status))
	log.Info("document processed", "status", doc.Status, "questions", len(questions), "elapsed", time.Since(started))
	progress.report("complete", doc.Message, 100, 100)
	return result, nil
}
