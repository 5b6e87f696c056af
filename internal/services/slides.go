package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"medstudy/internal/models"
)

const imageQuestionStem = "Identify the structure, tissue or finding shown in this slide."

var (
	explanationLinePattern = regexp.MustCompile(`(?i)^explanation\b[\s:.\-]*`)
	correctSuffixPattern   = regexp.MustCompile(`(?i)[\s\-–—(]*\bcorrect\b\)?\s*$`)
)

// slideGroup is all consecutive pages belonging to one "QUESTION n" label.
type slideGroup struct {
	label int
	pages []models.Page
}

// groupSlides groups pages by their leading "QUESTION n" label. An unlabeled
// page directly after a one-page group joins it as the answer page when it
// mentions the answer. Pages that fit no group are returned by number.
func groupSlides(pages []models.Page) ([]slideGroup, map[int]bool) {
	var groups []slideGroup
	grouped := make(map[int]bool)
	prevGrouped := false
	for _, page := range pages {
		m := leadingLabelPattern.FindStringSubmatch(page.Text)
		switch {
		case m != nil:
			label, _ := strconv.Atoi(m[1])
			last := len(groups) - 1
			if prevGrouped && last >= 0 && groups[last].label == label {
				groups[last].pages = append(groups[last].pages, page)
			} else {
				groups = append(groups, slideGroup{label: label, pages: []models.Page{page}})
			}
			grouped[page.Number] = true
			prevGrouped = true
		case prevGrouped && len(groups[len(groups)-1].pages) == 1 && mentionsAnswer(page.Text):
			last := len(groups) - 1
			groups[last].pages = append(groups[last].pages, page)
			grouped[page.Number] = true
			prevGrouped = true
		default:
			prevGrouped = false
		}
	}
	return groups, grouped
}

func mentionsAnswer(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "correct") || strings.Contains(lower, "answer") || strings.Contains(lower, "explanation")
}

func stripSlideLabel(text string) string {
	if loc := leadingLabelPattern.FindStringIndex(text); loc != nil {
		return text[loc[1]:]
	}
	return text
}

// isImageGroup applies the histology heuristic to the group's first page.
func (s *ParserService) isImageGroup(g slideGroup) bool {
	first := g.pages[0]
	return first.EmbeddedImageCount > s.h.ImageCountMin && len([]rune(strings.TrimSpace(first.Text))) < s.h.ImageTextMax
}

// ParseSlides builds questions locally from labeled slide groups. Pages outside
// any group that still look like question pages go through the grid parser.
func (s *ParserService) ParseSlides(ctx context.Context, pages []models.Page, progress ProgressCallback) ([]models.Question, error) {
	groups, grouped := groupSlides(pages)

	questions := make([]models.Question, 0, len(groups))
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress.report("parse", fmt.Sprintf("Reading slide question %d (%d of %d)", g.label, i+1, len(groups)), i, len(groups))
		if s.isImageGroup(g) {
			questions = append(questions, s.imageSlideQuestion(ctx, g))
		} else {
			questions = append(questions, textSlideQuestion(g))
		}
	}
	assignIDs(questions, 1)

	pairs := gridPairs(pages, s.h.AnswerChoiceMin, s.h.AnswerChoiceMin, grouped)
	if len(pairs) == 0 {
		return questions, nil
	}
	s.log.Info("recovering unlabeled slides through grid parser", "pages", len(pairs))
	recovered, err := s.parseGridPairs(ctx, pairs, progress)
	if err != nil {
		return nil, err
	}
	assignIDs(recovered, len(questions)+1)
	return append(questions, recovered...), nil
}

func (s *ParserService) imageSlideQuestion(ctx context.Context, g slideGroup) models.Question {
	q := models.Question{
		Type:       models.TypeImage,
		Stem:       imageQuestionStem,
		Choices:    map[string]string{"A": "See image", "B": "See image", "C": "See image", "D": "See image"},
		Difficulty: models.DifficultyMedium,
	}
	segments := columnGapPattern.Split(strings.TrimSpace(stripSlideLabel(g.pages[0].Text)), -1)
	if len(segments) > 0 {
		q.Topic = strings.TrimSpace(segments[0])
	}

	q.QuestionPageImage = s.render(ctx, g.pages[0])
	if len(g.pages) > 1 {
		q.AnswerPageImage = s.render(ctx, g.pages[1])
		correct, explanation, _ := scanAnswerPages(g.pages[1:])
		q.Correct = correct
		q.Explanation = explanation
	}
	return q
}

// textSlideQuestion reads stem and choices from the question page and the
// answer key and explanation from any following pages.
func textSlideQuestion(g slideGroup) models.Question {
	stem, choices := splitStemAndChoices(stripSlideLabel(g.pages[0].Text))
	q := models.Question{
		Type:       models.TypeClinicalVignette,
		Stem:       stem,
		Choices:    choices,
		Difficulty: models.DifficultyMedium,
	}
	if len(g.pages) > 1 {
		correct, explanation, answerChoices := scanAnswerPages(g.pages[1:])
		q.Correct = correct
		q.Explanation = explanation
		if len(q.Choices) < 2 && len(answerChoices) >= 2 {
			q.Choices = answerChoices
		}
	}
	return q
}

// splitStemAndChoices accumulates lines before the first choice marker into the
// stem and appends later unmarked lines to the current choice.
func splitStemAndChoices(text string) (string, map[string]string) {
	var stem []string
	choices := make(map[string]string)
	current := ""
	for _, line := range layoutLines(text) {
		if m := choiceLinePattern.FindStringSubmatchIndex(line); m != nil {
			current = line[m[2]:m[3]]
			choices[current] = strings.TrimSpace(line[m[1]:])
			continue
		}
		if current == "" {
			stem = append(stem, line)
		} else {
			choices[current] = strings.TrimSpace(choices[current] + " " + line)
		}
	}
	return strings.Join(stem, " "), choices
}

// scanAnswerPages finds the lettered line flagged "correct" (but not
// "incorrect") within its first 40 characters and collects the text that
// follows an "Explanation" line until the next choice line.
func scanAnswerPages(pages []models.Page) (*string, *string, map[string]string) {
	var (
		correct     *string
		explanation []string
		inExplain   bool
	)
	choices := make(map[string]string)
	for _, page := range pages {
		for _, line := range layoutLines(stripSlideLabel(page.Text)) {
			if m := choiceLinePattern.FindStringSubmatchIndex(line); m != nil {
				inExplain = false
				letter := line[m[2]:m[3]]
				choices[letter] = strings.TrimSpace(correctSuffixPattern.ReplaceAllString(line[m[1]:], ""))
				head := strings.ToLower(runePrefix(line, 40))
				if correct == nil && strings.Contains(head, "correct") && !strings.Contains(head, "incorrect") {
					l := letter
					correct = &l
				}
				continue
			}
			if loc := explanationLinePattern.FindStringIndex(line); loc != nil {
				inExplain = true
				if rest := strings.TrimSpace(line[loc[1]:]); rest != "" {
					explanation = append(explanation, rest)
				}
				continue
			}
			if inExplain {
				explanation = append(explanation, line)
			}
		}
	}
	return correct, optionalText(strings.Join(explanation, " ")), choices
}
