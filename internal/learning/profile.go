// Package learning holds the student mastery profile and the pure update rules
// applied after every answered question.
package learning

import (
	"encoding/json"
	"time"
)

const (
	// MaxHistory bounds SessionHistory; the oldest entries are evicted first.
	MaxHistory = 500

	CorrectStep   = -0.03
	IncorrectStep = 0.05
	WeightFloor   = 0.01
)

// Profile is the persisted record of a student's strengths, weaknesses and
// content-type preferences.
type Profile struct {
	QuestionTypeWeights map[string]float64 `json:"questionTypeWeights"`
	WeakTopics          map[string]int     `json:"weakTopics"`
	StrongTopics        map[string]int     `json:"strongTopics"`
	SessionHistory      []HistoryEntry     `json:"sessionHistory"`
	// UploadedExamPatterns is the legacy examTitle-keyed bank record. It is
	// carried verbatim so old profiles keep loading.
	UploadedExamPatterns json.RawMessage `json:"uploadedExamPatterns,omitempty"`
}

type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Topic        string    `json:"topic"`
	Subtopic     string    `json:"subtopic,omitempty"`
	WasCorrect   bool      `json:"wasCorrect"`
	QuestionType string    `json:"questionType"`
}

// Answer is one quiz result fed into RecordAnswer.
type Answer struct {
	Topic        string
	Subtopic     string
	WasCorrect   bool
	QuestionType string
	At           time.Time
}

// DefaultWeights is the starting content-type mix.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"clinicalVignette": 0.7,
		"mechanismBased":   0.15,
		"pharmacology":     0.1,
		"laboratory":       0.05,
	}
}

func NewProfile() Profile {
	return Profile{
		QuestionTypeWeights: DefaultWeights(),
		WeakTopics:          map[string]int{},
		StrongTopics:        map[string]int{},
		SessionHistory:      []HistoryEntry{},
	}
}

// WithDefaults fills any field missing from a stored profile.
func WithDefaults(p Profile) Profile {
	if len(p.QuestionTypeWeights) == 0 {
		p.QuestionTypeWeights = DefaultWeights()
	}
	if p.WeakTopics == nil {
		p.WeakTopics = map[string]int{}
	}
	if p.StrongTopics == nil {
		p.StrongTopics = map[string]int{}
	}
	if p.SessionHistory == nil {
		p.SessionHistory = []HistoryEntry{}
	}
	return p
}

// TopicKey builds the composite counter key.
func TopicKey(topic, subtopic string) string {
	if subtopic == "" {
		return topic
	}
	return topic + " — " + subtopic
}

// RecordAnswer returns the profile that results from one answer. The input
// profile is not modified.
func RecordAnswer(p Profile, a Answer) Profile {
	next := p.clone()

	next.SessionHistory = append(next.SessionHistory, HistoryEntry{
		Timestamp:    a.At,
		Topic:        a.Topic,
		Subtopic:     a.Subtopic,
		WasCorrect:   a.WasCorrect,
		QuestionType: a.QuestionType,
	})
	if over := len(next.SessionHistory) - MaxHistory; over > 0 {
		next.SessionHistory = append([]HistoryEntry(nil), next.SessionHistory[over:]...)
	}

	if w, ok := next.QuestionTypeWeights[a.QuestionType]; ok {
		if a.WasCorrect {
			w += CorrectStep
		} else {
			w += IncorrectStep
		}
		if w < WeightFloor {
			w = WeightFloor
		}
		next.QuestionTypeWeights[a.QuestionType] = w
		normalize(next.QuestionTypeWeights)
	}

	if a.Topic != "" {
		key := TopicKey(a.Topic, a.Subtopic)
		if a.WasCorrect {
			decrement(next.WeakTopics, key)
			next.StrongTopics[key]++
		} else {
			next.WeakTopics[key]++
			decrement(next.StrongTopics, key)
		}
	}

	return next
}

func decrement(m map[string]int, key string) {
	v, ok := m[key]
	if !ok {
		return
	}
	if v <= 1 {
		delete(m, key)
		return
	}
	m[key] = v - 1
}

func normalize(weights map[string]float64) {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return
	}
	for k, w := range weights {
		weights[k] = w / total
	}
}

func (p Profile) clone() Profile {
	p = WithDefaults(p)
	out := Profile{
		QuestionTypeWeights: make(map[string]float64, len(p.QuestionTypeWeights)),
		WeakTopics:          make(map[string]int, len(p.WeakTopics)),
		StrongTopics:        make(map[string]int, len(p.StrongTopics)+1),
		SessionHistory:      make([]HistoryEntry, len(p.SessionHistory), len(p.SessionHistory)+1),
	}
	for k, v := range p.QuestionTypeWeights {
		out.QuestionTypeWeights[k] = v
	}
	for k, v := range p.WeakTopics {
		out.WeakTopics[k] = v
	}
	for k, v := range p.StrongTopics {
		out.StrongTopics[k] = v
	}
	copy(out.SessionHistory, p.SessionHistory)
	if len(p.UploadedExamPatterns) > 0 {
		out.UploadedExamPatterns = append(json.RawMessage(nil), p.UploadedExamPatterns...)
	}
	return out
}
