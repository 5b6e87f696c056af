package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Heuristics holds the empirically tuned layout thresholds used by the
// classifier and parsers.
type Heuristics struct {
	// SlideLabelMin: more than this many distinct "QUESTION n" labels means slide-deck.
	SlideLabelMin int `yaml:"slide_label_min"`
	// GridChoiceMin: a page with at least this many choice markers is a grid page.
	GridChoiceMin int `yaml:"grid_choice_min"`
	// NumberedLineMin: more than this many "12. " lines means a numbered list.
	NumberedLineMin int `yaml:"numbered_line_min"`
	// AnswerChoiceMin: relaxed marker count for answer pages and unlabeled slides.
	AnswerChoiceMin int `yaml:"answer_choice_min"`

	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	DedupPrefixLen int `yaml:"dedup_prefix_len"`
	GridTextLimit  int `yaml:"grid_text_limit"`

	// A slide group is image-based when its first page has more than
	// ImageCountMin images and fewer than ImageTextMax characters.
	ImageCountMin int `yaml:"image_count_min"`
	ImageTextMax  int `yaml:"image_text_max"`

	RenderScale float64 `yaml:"render_scale"`
	// OCRTextMax: a document where every page has fewer extracted characters
	// than this is treated as scanned and transcribed page by page.
	OCRTextMax int `yaml:"ocr_text_max"`
	// RequireGroundedStems drops standard-format questions whose stem does not
	// appear in the source chunk.
	RequireGroundedStems bool `yaml:"require_grounded_stems"`
}

func DefaultHeuristics() Heuristics {
	return Heuristics{
		SlideLabelMin:        3,
		GridChoiceMin:        8,
		NumberedLineMin:      3,
		AnswerChoiceMin:      4,
		ChunkSize:            10000,
		ChunkOverlap:         500,
		DedupPrefixLen:       60,
		GridTextLimit:        4000,
		ImageCountMin:        5,
		ImageTextMax:         200,
		RenderScale:          1.5,
		OCRTextMax:           20,
		RequireGroundedStems: true,
	}
}

// LoadHeuristics overlays the YAML file at path onto the defaults. An empty
// path returns the defaults.
func LoadHeuristics(path string) (Heuristics, error) {
	h := DefaultHeuristics()
	if path == "" {
		return h, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return h, fmt.Errorf("read heuristics: %w", err)
	}
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("parse heuristics: %w", err)
	}
	if h.ChunkOverlap >= h.ChunkSize {
		return h, fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", h.ChunkOverlap, h.ChunkSize)
	}
	return h, nil
}
