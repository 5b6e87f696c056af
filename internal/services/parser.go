package services

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/models"
)

// ProgressCallback is called during document processing to report progress
type ProgressCallback func(step, message string, current, total int)

func (p ProgressCallback) report(step, message string, current, total int) {
	if p != nil {
		p(step, message, current, total)
	}
}

const standardExtractionPrompt = `Extract every multiple-choice question that appears in the exam text below.
Rules:
- Only return questions that are actually present in the text. Never invent, rephrase or complete questions.
- Copy each stem verbatim.
- choices maps the answer letter (A-E) to the choice text.
- correct is the letter of the right answer only if the text states or clearly implies it, otherwise null.
- explanation is the explanation given in the text, otherwise null.
- topic and subtopic are your best-guess classification.
- type is one of clinicalVignette, mechanismBased, pharmacology, laboratory.
- difficulty is one of easy, medium, hard.
Respond with strict JSON only:
{"questions":[{"stem":"","choices":{"A":"","B":"","C":"","D":""},"correct":null,"explanation":null,"topic":"","subtopic":"","type":"clinicalVignette","difficulty":"medium"}]}`

const gridExtractionPrompt = `The attached image is an exam page that holds several complete questions. If a second image is attached it is the matching answer page.
Enumerate ALL questions visible on the question page, in reading order. Use the answer page to fill in correct and explanation.
Do not invent questions that are not on the page. Use the extracted page text below to get spellings right.
Respond with strict JSON only:
{"questions":[{"stem":"","choices":{"A":"","B":"","C":"","D":""},"correct":null,"explanation":null,"topic":"","subtopic":"","type":"clinicalVignette","difficulty":"medium"}]}`

// ParserService turns extracted pages into normalized question records.
type ParserService struct {
	llm         Completer
	h           Heuristics
	concurrency int
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewParserService(llm Completer, h Heuristics, concurrency int, log *logger.Logger, m *metrics.Metrics) *ParserService {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ParserService{llm: llm, h: h, concurrency: concurrency, log: log, metrics: m}
}

func (s *ParserService) skipped(stage string) {
	if s.metrics != nil {
		s.metrics.ParseSkips.WithLabelValues(stage).Inc()
	}
}

// Parse dispatches to the parser for format.
func (s *ParserService) Parse(ctx context.Context, format models.Format, pages []models.Page, progress ProgressCallback) ([]models.Question, error) {
	var (
		questions []models.Question
		err       error
	)
	switch format {
	case models.FormatSlideDeck:
		questions, err = s.ParseSlides(ctx, pages, progress)
	case models.FormatGrid:
		questions, err = s.ParseGrid(ctx, pages, progress)
	default:
		questions, err = s.ParseStandard(ctx, JoinPageText(pages), progress)
	}
	if err == nil && s.metrics != nil {
		s.metrics.QuestionsExtracted.WithLabelValues(string(format)).Add(float64(len(questions)))
	}
	return questions, err
}

// ParseStandard sends overlapping text chunks to the LLM and merges the
// answers in chunk order, dropping duplicates and ungrounded stems.
func (s *ParserService) ParseStandard(ctx context.Context, text string, progress ProgressCallback) ([]models.Question, error) {
	chunks := chunkText(text, s.h.ChunkSize, s.h.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, nil
	}
	if err := requireCompleter(s.llm); err != nil {
		return nil, err
	}

	results := make([][]models.Question, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			progress.report("parse", fmt.Sprintf("Extracting questions from chunk %d of %d", i+1, len(chunks)), i, len(chunks))
			results[i] = s.extractChunk(gctx, i, chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dedup := newDeduper(s.h.DedupPrefixLen)
	var merged []models.Question
	for _, batch := range results {
		for _, q := range batch {
			if dedup.accept(q) {
				merged = append(merged, q)
			}
		}
	}
	assignIDs(merged, 1)
	return merged, nil
}

func (s *ParserService) extractChunk(ctx context.Context, index int, chunk string) []models.Question {
	out, err := s.llm.Complete(ctx, Prompt{
		System:      "You are a meticulous medical exam transcriber. You never fabricate content.",
		User:        standardExtractionPrompt + "\n\nExam text:\n" + chunk,
		MaxTokens:   8192,
		Temperature: 0.1,
	})
	if err != nil {
		s.log.Warn("chunk extraction failed, skipping", "chunk", index+1, "error", err)
		s.skipped("chunk")
		return nil
	}
	raw, err := decodeQuestionList(out)
	if err != nil {
		s.log.Warn("chunk response not parseable, skipping", "chunk", index+1, "error", err)
		s.skipped("chunk")
		return nil
	}

	questions := make([]models.Question, 0, len(raw))
	for _, r := range raw {
		q := r.toQuestion(models.TypeClinicalVignette)
		if q.Stem == "" {
			continue
		}
		if s.h.RequireGroundedStems && !groundedIn(q.Stem, chunk, s.h.DedupPrefixLen) {
			s.log.Debug("dropping ungrounded question", "chunk", index+1, "stem", sanitizeForPrompt(q.Stem, 80))
			s.skipped("ungrounded")
			continue
		}
		questions = append(questions, q)
	}
	return questions
}

// pagePair is a grid question page and its optional answer page.
type pagePair struct {
	question models.Page
	answer   *models.Page
}

// gridPairs finds pages with at least minMarkers choice markers and pairs each
// with the following page when that page looks like an answer page. Pages in
// skip are ignored. A paired answer page is consumed unless it is a grid page
// itself, in which case it also gets its own pair.
func gridPairs(pages []models.Page, minMarkers, answerMarkers int, skip map[int]bool) []pagePair {
	var pairs []pagePair
	for i := 0; i < len(pages); i++ {
		page := pages[i]
		if skip[page.Number] || countChoiceMarkers(page.Text) < minMarkers {
			continue
		}
		pair := pagePair{question: page}
		if i+1 < len(pages) && !skip[pages[i+1].Number] && looksLikeAnswerPage(pages[i+1].Text, answerMarkers) {
			next := pages[i+1]
			pair.answer = &next
			if countChoiceMarkers(next.Text) < minMarkers {
				i++
			}
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

func looksLikeAnswerPage(text string, answerMarkers int) bool {
	if countChoiceMarkers(text) >= answerMarkers {
		return true
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "answer") || strings.Contains(lower, "correct")
}

// ParseGrid sends each grid page, with its answer page, to the vision endpoint.
func (s *ParserService) ParseGrid(ctx context.Context, pages []models.Page, progress ProgressCallback) ([]models.Question, error) {
	pairs := gridPairs(pages, s.h.GridChoiceMin, s.h.AnswerChoiceMin, nil)
	questions, err := s.parseGridPairs(ctx, pairs, progress)
	if err != nil {
		return nil, err
	}
	assignIDs(questions, 1)
	return questions, nil
}

func (s *ParserService) parseGridPairs(ctx context.Context, pairs []pagePair, progress ProgressCallback) ([]models.Question, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if err := requireCompleter(s.llm); err != nil {
		return nil, err
	}

	results := make([][]models.Question, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, pair := range pairs {
		g.Go(func() error {
			progress.report("parse", fmt.Sprintf("Reading grid page %d (%d of %d)", pair.question.Number, i+1, len(pairs)), i, len(pairs))
			results[i] = s.extractGridPair(gctx, pair)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dedup := newDeduper(s.h.DedupPrefixLen)
	var merged []models.Question
	for _, batch := range results {
		for _, q := range batch {
			if dedup.accept(q) {
				merged = append(merged, q)
			}
		}
	}
	return merged, nil
}

func (s *ParserService) extractGridPair(ctx context.Context, pair pagePair) []models.Question {
	questionImage := s.render(ctx, pair.question)
	var answerImage string
	if pair.answer != nil {
		answerImage = s.render(ctx, *pair.answer)
	}

	var images []string
	for _, img := range []string{questionImage, answerImage} {
		if img != "" {
			images = append(images, img)
		}
	}

	text := pair.question.Text
	if pair.answer != nil {
		text += "\n\n[Answer page]\n" + pair.answer.Text
	}
	out, err := s.llm.Complete(ctx, Prompt{
		System:      "You are a meticulous medical exam transcriber. You never fabricate content.",
		User:        gridExtractionPrompt + "\n\nExtracted page text:\n" + runePrefix(text, s.h.GridTextLimit),
		Images:      images,
		MaxTokens:   8192,
		Temperature: 0.1,
	})
	if err != nil {
		s.log.Warn("grid page extraction failed, skipping", "page", pair.question.Number, "error", err)
		s.skipped("grid")
		return nil
	}
	raw, err := decodeQuestionList(out)
	if err != nil {
		s.log.Warn("grid response not parseable, skipping", "page", pair.question.Number, "error", err)
		s.skipped("grid")
		return nil
	}

	questions := make([]models.Question, 0, len(raw))
	for _, r := range raw {
		q := r.toQuestion(models.TypeClinicalVignette)
		if q.Stem == "" && len(q.Choices) == 0 {
			continue
		}
		q.QuestionPageImage = questionImage
		q.AnswerPageImage = answerImage
		questions = append(questions, q)
	}
	return questions
}

// render rasterizes page, returning "" when the page cannot be rendered.
func (s *ParserService) render(ctx context.Context, page models.Page) string {
	if page.Render == nil {
		return ""
	}
	img, err := page.Render(ctx, s.h.RenderScale)
	if err != nil {
		s.log.Warn("page render failed", "page", page.Number, "error", err)
		s.skipped("render")
		return ""
	}
	return img
}
