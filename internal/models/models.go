package models

import (
	"context"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

type QuestionType string

const (
	TypeClinicalVignette QuestionType = "clinicalVignette"
	TypeMechanismBased   QuestionType = "mechanismBased"
	TypePharmacology     QuestionType = "pharmacology"
	TypeLaboratory       QuestionType = "laboratory"
	TypeImage            QuestionType = "image"
)

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	switch t {
	case TypeClinicalVignette, TypeMechanismBased, TypePharmacology, TypeLaboratory, TypeImage:
		return true
	}
	return false
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty maps free text onto a difficulty, defaulting to medium.
func ParseDifficulty(raw string) Difficulty {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case DifficultyEasy:
		return DifficultyEasy
	case DifficultyHard:
		return DifficultyHard
	default:
		return DifficultyMedium
	}
}

// Question is the normalized unit every parser produces and every quiz view consumes.
type Question struct {
	ID                string            `json:"id"`
	Type              QuestionType      `json:"type"`
	Topic             string            `json:"topic,omitempty"`
	Subtopic          string            `json:"subtopic,omitempty"`
	Stem              string            `json:"stem"`
	Choices           map[string]string `json:"choices"`
	Correct           *string           `json:"correct"`
	Explanation       *string           `json:"explanation"`
	Difficulty        Difficulty        `json:"difficulty"`
	QuestionPageImage string            `json:"questionPageImage,omitempty"`
	AnswerPageImage   string            `json:"answerPageImage,omitempty"`
}

// Playable reports whether the question can be shown in a multiple-choice view.
func (q Question) Playable() bool {
	n := 0
	for _, text := range q.Choices {
		if strings.TrimSpace(text) != "" {
			n++
		}
	}
	return n >= 2
}

// HasAnswerKey reports whether the correct letter is known.
func (q Question) HasAnswerKey() bool {
	return q.Correct != nil && *q.Correct != ""
}

// Format names one of the ingestion strategies.
type Format string

const (
	FormatSlideDeck Format = "slide-deck"
	FormatGrid      Format = "grid"
	FormatStandard  Format = "standard"
)

// Page describes one extracted document page.
type Page struct {
	Number             int
	Text               string
	EmbeddedImageCount int
	// Render re-rasterizes the page at the given scale and returns a PNG data URI.
	Render func(ctx context.Context, scale float64) (string, error) `json:"-"`
}

// QuestionBank is the canonical, file-name keyed collection of parsed questions.
type QuestionBank struct {
	Name      string     `json:"name"`
	Format    Format     `json:"format"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"createdAt"`
	Legacy    bool       `json:"legacy,omitempty"`
}

type ObjectiveStatus string

const (
	ObjectiveUntested   ObjectiveStatus = "untested"
	ObjectiveInProgress ObjectiveStatus = "inprogress"
	ObjectiveStruggling ObjectiveStatus = "struggling"
	ObjectiveMastered   ObjectiveStatus = "mastered"
)

func (s ObjectiveStatus) Valid() bool {
	switch s {
	case ObjectiveUntested, ObjectiveInProgress, ObjectiveStruggling, ObjectiveMastered:
		return true
	}
	return false
}

// Objective is a course goal tagged with the learner's mastery status.
type Objective struct {
	ID     string          `json:"id"`
	Text   string          `json:"text"`
	Topic  string          `json:"topic,omitempty"`
	Status ObjectiveStatus `json:"status"`
}

type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentComplete DocumentStatus = "complete"
	DocumentEmpty    DocumentStatus = "empty"
	DocumentFailed   DocumentStatus = "failed"
)

type Document struct {
	ID            int64
	OriginalName  string
	StoredPath    string
	Format        Format
	PageCount     int
	QuestionCount int
	Status        DocumentStatus
	Message       string
	UploadedAt    time.Time
}

// ReviewState stores the FSRS schedule for one rated question.
type ReviewState struct {
	Bank          string    `json:"bank"`
	QuestionID    string    `json:"questionId"`
	Due           time.Time `json:"due"`
	Stability     float64   `json:"stability"`
	Difficulty    float64   `json:"difficulty"`
	ElapsedDays   int       `json:"elapsedDays"`
	ScheduledDays int       `json:"scheduledDays"`
	Reps          int       `json:"reps"`
	Lapses        int       `json:"lapses"`
	State         int       `json:"state"`
	LastReview    time.Time `json:"lastReview"`
	LastRating    int       `json:"lastRating"`
}

func (r *ReviewState) ToFSRSCard() fsrs.Card {
	return fsrs.Card{
		Due:           r.Due,
		Stability:     r.Stability,
		Difficulty:    r.Difficulty,
		ElapsedDays:   uint64(max(r.ElapsedDays, 0)),
		ScheduledDays: uint64(max(r.ScheduledDays, 0)),
		Reps:          uint64(max(r.Reps, 0)),
		Lapses:        uint64(max(r.Lapses, 0)),
		State:         fsrs.State(max(r.State, 0)),
		LastReview:    r.LastReview,
	}
}

func (r *ReviewState) ApplyFSRSCard(f fsrs.Card) {
	r.Due = f.Due
	r.Stability = f.Stability
	r.Difficulty = f.Difficulty
	r.ElapsedDays = int(f.ElapsedDays)
	r.ScheduledDays = int(f.ScheduledDays)
	r.Reps = int(f.Reps)
	r.Lapses = int(f.Lapses)
	r.State = int(f.State)
	r.LastReview = f.LastReview
}
