package learning

import (
	"fmt"
	"sort"
	"strings"
)

const maxPromptTopics = 10

// BuildSystemPrompt renders the profile into instructions for the next
// question-generation call.
func BuildSystemPrompt(p Profile) string {
	p = WithDefaults(p)

	var b strings.Builder
	b.WriteString("You are a medical educator writing board-style multiple-choice questions for a medical student.\n")
	b.WriteString("Every question has one best answer among lettered choices A-D and a concise explanation.\n\n")

	b.WriteString("Question type mix (generate roughly in these proportions):\n")
	for _, kv := range sortedWeights(p.QuestionTypeWeights) {
		b.WriteString(fmt.Sprintf("- %s: %.0f%%\n", kv.key, kv.value*100))
	}

	weak := topCounts(p.WeakTopics, maxPromptTopics)
	b.WriteString("\nWeak topics (prioritize these):\n")
	if len(weak) == 0 {
		b.WriteString("- none recorded yet\n")
	}
	for _, kv := range weak {
		b.WriteString(fmt.Sprintf("- %s (missed %d)\n", kv.key, kv.count))
	}

	strong := topCounts(p.StrongTopics, maxPromptTopics)
	b.WriteString("\nStrong topics (test sparingly, at higher difficulty):\n")
	if len(strong) == 0 {
		b.WriteString("- none recorded yet\n")
	}
	for _, kv := range strong {
		b.WriteString(fmt.Sprintf("- %s (correct %d)\n", kv.key, kv.count))
	}

	return b.String()
}

type weightEntry struct {
	key   string
	value float64
}

func sortedWeights(m map[string]float64) []weightEntry {
	out := make([]weightEntry, 0, len(m))
	for k, v := range m {
		out = append(out, weightEntry{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].value != out[j].value {
			return out[i].value > out[j].value
		}
		return out[i].key < out[j].key
	})
	return out
}

type countEntry struct {
	key   string
	count int
}

func topCounts(m map[string]int, limit int) []countEntry {
	out := make([]countEntry, 0, len(m))
	for k, v := range m {
		out = append(out, countEntry{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
