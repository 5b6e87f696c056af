package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/models"
)

const ocrPrompt = `Transcribe all text on this exam page exactly as printed.
Keep line breaks, question numbers, "QUESTION n" labels and answer letters (A. B. C. ...).
Output only the transcription, with no commentary.`

// OCRService recovers the text of scanned documents by transcribing each
// rendered page with the vision provider.
type OCRService struct {
	llm         Completer
	h           Heuristics
	concurrency int
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewOCRService(llm Completer, h Heuristics, concurrency int, log *logger.Logger, m *metrics.Metrics) *OCRService {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &OCRService{llm: llm, h: h, concurrency: concurrency, log: log, metrics: m}
}

// Scanned reports whether no page of the document has a usable text layer.
func (s *OCRService) Scanned(pages []models.Page) bool {
	if len(pages) == 0 || s.h.OCRTextMax <= 0 {
		return false
	}
	for _, page := range pages {
		if utf8.RuneCountInString(strings.TrimSpace(page.Text)) >= s.h.OCRTextMax {
			return false
		}
	}
	return true
}

// Transcribe fills in page text for scanned documents. Documents with a text
// layer are returned unchanged, as are pages that cannot be rendered or
// transcribed. The input slice is not modified.
func (s *OCRService) Transcribe(ctx context.Context, pages []models.Page, progress ProgressCallback) ([]models.Page, error) {
	if !s.Scanned(pages) || requireCompleter(s.llm) != nil {
		return pages, nil
	}

	out := make([]models.Page, len(pages))
	copy(out, pages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range out {
		g.Go(func() error {
			progress.report("ocr", fmt.Sprintf("Transcribing scanned page %d of %d", i+1, len(out)), i, len(out))
			if text, ok := s.transcribePage(gctx, out[i]); ok {
				out[i].Text = text
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OCRService) transcribePage(ctx context.Context, page models.Page) (string, bool) {
	if page.Render == nil {
		return "", false
	}
	image, err := page.Render(ctx, s.h.RenderScale)
	if err != nil {
		s.log.Debug("scanned page not rendered", "page", page.Number, "error", err)
		return "", false
	}
	text, err := s.llm.Complete(ctx, Prompt{
		System:      "You are a precise OCR engine.",
		User:        ocrPrompt,
		Images:      []string{image},
		MaxTokens:   4096,
		Temperature: 0,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		s.log.Warn("page transcription failed", "page", page.Number, "error", err)
		if s.metrics != nil {
			s.metrics.ParseSkips.WithLabelValues("ocr").Inc()
		}
		return "", false
	}
	return strings.ReplaceAll(text, "\r\n", "\n"), true
}
