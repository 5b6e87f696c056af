package services

import (
	"regexp"
	"strconv"
	"strings"

	"medstudy/internal/models"
)

var (
	slideLabelPattern   = regexp.MustCompile(`\bQUESTION\s+(\d+)`)
	leadingLabelPattern = regexp.MustCompile(`^\s*QUESTION\s+(\d+)`)
	choiceLinePattern   = regexp.MustCompile(`^\(?([A-E])[.)](?:\s+|$)`)
	numberedLinePattern = regexp.MustCompile(`^\d+[.)]\s`)
	columnGapPattern    = regexp.MustCompile(`[ \t]{2,}`)
)

// layoutLines splits page text into logical lines: newline-separated lines,
// further split on runs of two or more spaces, which PDF text layers use for
// column and line gaps. Empty segments are dropped.
func layoutLines(text string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		for _, seg := range columnGapPattern.Split(line, -1) {
			seg = strings.TrimSpace(seg)
			if seg != "" {
				out = append(out, seg)
			}
		}
	}
	return out
}

// countChoiceMarkers counts line-leading lettered choice markers like "A." or "C)".
func countChoiceMarkers(text string) int {
	n := 0
	for _, line := range layoutLines(text) {
		if choiceLinePattern.MatchString(line) {
			n++
		}
	}
	return n
}

func distinctSlideLabels(text string) int {
	seen := make(map[int]struct{})
	for _, m := range slideLabelPattern.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			seen[n] = struct{}{}
		}
	}
	return len(seen)
}

func countNumberedLines(text string) int {
	n := 0
	for _, line := range layoutLines(text) {
		if numberedLinePattern.MatchString(line) {
			n++
		}
	}
	return n
}

// Classification is the chosen ingestion strategy and the rule that chose it.
type Classification struct {
	Format models.Format `json:"format"`
	Reason string        `json:"reason"`
}

// Classify picks the ingestion strategy. The first matching rule wins; a wrong
// guess only changes which parser runs.
func Classify(fullText string, pages []models.Page, h Heuristics) Classification {
	if n := distinctSlideLabels(fullText); n > h.SlideLabelMin {
		return Classification{models.FormatSlideDeck, strconv.Itoa(n) + " distinct QUESTION labels"}
	}
	for _, page := range pages {
		if n := countChoiceMarkers(page.Text); n >= h.GridChoiceMin {
			return Classification{models.FormatGrid, "page " + strconv.Itoa(page.Number) + " has " + strconv.Itoa(n) + " choice markers"}
		}
	}
	if n := countNumberedLines(fullText); n > h.NumberedLineMin {
		return Classification{models.FormatStandard, strconv.Itoa(n) + " numbered lines"}
	}
	return Classification{models.FormatStandard, "default"}
}

// JoinPageText concatenates page text in page order.
func JoinPageText(pages []models.Page) string {
	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(page.Text)
	}
	return b.String()
}
