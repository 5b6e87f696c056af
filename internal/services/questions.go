package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"medstudy/internal/models"
)

// llmQuestion is the loose shape models return; field names vary between prompts.
type llmQuestion struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Topic       string          `json:"topic"`
	Subtopic    string          `json:"subtopic"`
	Stem        string          `json:"stem"`
	Question    string          `json:"question"`
	Choices     json.RawMessage `json:"choices"`
	Options     json.RawMessage `json:"options"`
	Correct     string          `json:"correct"`
	Answer      string          `json:"answer"`
	Explanation string          `json:"explanation"`
	Difficulty  string          `json:"difficulty"`
}

var answerLetterPattern = regexp.MustCompile(`^\(?([A-Ea-e])(?:[.):]|\s|$)`)

// decodeQuestionList accepts {"questions":[...]} or a bare array.
func decodeQuestionList(text string) ([]llmQuestion, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var list []llmQuestion
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return list, nil
	}
	var wrapper struct {
		Questions []llmQuestion `json:"questions"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return wrapper.Questions, nil
}

// decodeChoices reads a letter map or an ordered list of choice strings.
func decodeChoices(raw json.RawMessage) map[string]string {
	out := make(map[string]string)
	if len(raw) == 0 {
		return out
	}
	var byLetter map[string]string
	if err := json.Unmarshal(raw, &byLetter); err == nil {
		for key, text := range byLetter {
			letter := strings.ToUpper(strings.Trim(strings.TrimSpace(key), ".)("))
			if len(letter) == 1 && letter >= "A" && letter <= "E" && strings.TrimSpace(text) != "" {
				out[letter] = strings.TrimSpace(text)
			}
		}
		return out
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for i, text := range list {
			if i >= 5 {
				break
			}
			text = strings.TrimSpace(text)
			if m := choiceLinePattern.FindStringSubmatchIndex(text); m != nil {
				text = strings.TrimSpace(text[m[1]:])
			}
			if text != "" {
				out[string(rune('A'+i))] = text
			}
		}
	}
	return out
}

func normalizeAnswerLetter(raw string, choices map[string]string) *string {
	m := answerLetterPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil
	}
	letter := strings.ToUpper(m[1])
	if len(choices) > 0 {
		if _, ok := choices[letter]; !ok {
			return nil
		}
	}
	return &letter
}

func optionalText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// toQuestion normalizes one model-produced record. fallbackType is used when
// the model omits the type or invents one.
func (q llmQuestion) toQuestion(fallbackType models.QuestionType) models.Question {
	stem := q.Stem
	if strings.TrimSpace(stem) == "" {
		stem = q.Question
	}
	rawChoices := q.Choices
	if len(rawChoices) == 0 {
		rawChoices = q.Options
	}
	choices := decodeChoices(rawChoices)
	correct := q.Correct
	if strings.TrimSpace(correct) == "" {
		correct = q.Answer
	}

	qType := models.QuestionType(strings.TrimSpace(q.Type))
	if !qType.Valid() {
		qType = fallbackType
	}

	return models.Question{
		Type:        qType,
		Topic:       strings.TrimSpace(q.Topic),
		Subtopic:    strings.TrimSpace(q.Subtopic),
		Stem:        strings.TrimSpace(stem),
		Choices:     choices,
		Correct:     normalizeAnswerLetter(correct, choices),
		Explanation: optionalText(q.Explanation),
		Difficulty:  models.ParseDifficulty(q.Difficulty),
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func runePrefix(s string, n int) string {
	r := []rune(s)
	if n > 0 && len(r) > n {
		return string(r[:n])
	}
	return s
}

// stemKey is the dedup identity of a question: the first n characters of
// its whitespace-collapsed stem. Empty stems have no key.
func stemKey(stem string, n int) string {
	return runePrefix(collapseSpace(stem), n)
}

// deduper drops questions whose stem prefix was already accepted.
type deduper struct {
	prefixLen int
	seen      map[string]struct{}
}

func newDeduper(prefixLen int) *deduper {
	return &deduper{prefixLen: prefixLen, seen: make(map[string]struct{})}
}

// accept reports whether q is new. Questions without a stem are always kept.
func (d *deduper) accept(q models.Question) bool {
	key := stemKey(q.Stem, d.prefixLen)
	if key == "" {
		return true
	}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// groundedIn reports whether the stem's opening words appear in source,
// ignoring case and whitespace differences.
func groundedIn(stem, source string, prefixLen int) bool {
	needle := strings.ToLower(stemKey(stem, prefixLen))
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(collapseSpace(source)), needle)
}

// chunkText splits text into rune windows of size with overlap runes shared
// between neighbours.
func chunkText(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// assignIDs numbers questions q<start>, q<start+1>, ... in order.
func assignIDs(questions []models.Question, start int) {
	for i := range questions {
		questions[i].ID = fmt.Sprintf("q%d", start+i)
	}
}
